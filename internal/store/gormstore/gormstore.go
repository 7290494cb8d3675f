// Package gormstore persists session snapshots through GORM (SQLite or
// PostgreSQL).
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/tripsync/pkg/session"
)

const (
	errorOperationStore = "store"
	errorSubjectEntry   = "entry"
	errorCodeGet        = "get"
	errorCodeInvalid    = "invalid"
	errorCodePut        = "put"
	errorCodeMigrate    = "migrate"
)

// ErrInvalidEntry reports an empty key or a value that is not a JSON document.
var ErrInvalidEntry = errors.New("invalid key-value entry")

// Store implements session.KeyValueStore using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the kv_entries table.
func (store *Store) AutoMigrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(&Entry{}); err != nil {
		return wrapStoreError(errorCodeMigrate, err)
	}
	return nil
}

// Put upserts value under key.
func (store *Store) Put(ctx context.Context, key string, value []byte) error {
	key = strings.TrimSpace(key)
	if key == "" || !json.Valid(value) {
		return wrapStoreError(errorCodeInvalid, ErrInvalidEntry)
	}
	entry := Entry{EntryKey: key, Value: datatypes.JSON(value)}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&entry).Error
	if err != nil {
		return wrapStoreError(errorCodePut, err)
	}
	return nil
}

// Get loads the value stored under key.
func (store *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry Entry
	err := store.db.WithContext(ctx).Where("entry_key = ?", strings.TrimSpace(key)).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapStoreError(errorCodeGet, err)
	}
	return []byte(entry.Value), true, nil
}

func wrapStoreError(code string, err error) error {
	return session.WrapError(errorOperationStore, errorSubjectEntry, code, err)
}
