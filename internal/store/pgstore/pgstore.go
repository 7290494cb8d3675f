// Package pgstore persists session snapshots in PostgreSQL through a pgx pool.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/tripsync/pkg/session"
)

const (
	errorOperationStore = "store"
	errorSubjectEntry   = "entry"
	errorSubjectSchema  = "schema"
	errorCodeCreate     = "create"
	errorCodeGet        = "get"
	errorCodeInvalid    = "invalid"
	errorCodePut        = "put"

	sqlCreateEntries = `
		create table if not exists kv_entries (
			entry_key  text primary key,
			value      jsonb not null,
			updated_at timestamptz not null default now()
		)
	`

	sqlUpsertEntry = `
		insert into kv_entries(entry_key, value, updated_at) values($1, $2::jsonb, now())
		on conflict (entry_key) do update set value = excluded.value, updated_at = excluded.updated_at
	`

	sqlSelectEntry = `
		select value::text from kv_entries where entry_key = $1
	`
)

// ErrInvalidEntry reports an empty key or a value that is not a JSON document.
var ErrInvalidEntry = errors.New("invalid key-value entry")

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements session.KeyValueStore using a pgx connection pool (autocommit).
type Store struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

func newWithQuerier(db querier) *Store {
	return &Store{db: db}
}

// EnsureSchema creates kv_entries when missing.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, sqlCreateEntries); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) Put(ctx context.Context, key string, value []byte) error {
	key = strings.TrimSpace(key)
	if key == "" || !json.Valid(value) {
		return wrapStoreError(errorSubjectEntry, errorCodeInvalid, ErrInvalidEntry)
	}
	if _, err := store.db.Exec(ctx, sqlUpsertEntry, key, string(value)); err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodePut, err)
	}
	return nil
}

func (store *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := store.db.QueryRow(ctx, sqlSelectEntry, strings.TrimSpace(key)).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return []byte(value), true, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return session.WrapError(errorOperationStore, subject, code, err)
}
