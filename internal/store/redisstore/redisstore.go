// Package redisstore persists session snapshots in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MarkoPoloResearchLab/tripsync/pkg/session"
)

const (
	defaultKeyPrefix = "tripsync:"

	errorOperationStore = "store"
	errorSubjectEntry   = "entry"
	errorCodeGet        = "get"
	errorCodeInvalid    = "invalid"
	errorCodePut        = "put"
)

// ErrInvalidEntry reports an empty key or a value that is not a JSON document.
var ErrInvalidEntry = errors.New("invalid key-value entry")

type commands interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Option customizes a Store.
type Option func(*Store)

// WithKeyPrefix namespaces every key.
func WithKeyPrefix(prefix string) Option {
	return func(store *Store) {
		store.prefix = prefix
	}
}

// WithTTL expires entries; zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(store *Store) {
		if ttl > 0 {
			store.ttl = ttl
		}
	}
}

// Store implements session.KeyValueStore on Redis strings.
type Store struct {
	client commands
	prefix string
	ttl    time.Duration
}

// New returns a Store backed by a redis client.
func New(client *redis.Client, options ...Option) *Store {
	return newWithCommands(client, options...)
}

func newWithCommands(client commands, options ...Option) *Store {
	store := &Store{client: client, prefix: defaultKeyPrefix}
	for _, option := range options {
		option(store)
	}
	return store
}

// NewClient opens a client for addr, which is either host:port or a redis:// URL.
func NewClient(addr string) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		options, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(options), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

func (store *Store) Put(ctx context.Context, key string, value []byte) error {
	key = strings.TrimSpace(key)
	if key == "" || !json.Valid(value) {
		return session.WrapError(errorOperationStore, errorSubjectEntry, errorCodeInvalid, ErrInvalidEntry)
	}
	if err := store.client.Set(ctx, store.prefix+key, value, store.ttl).Err(); err != nil {
		return session.WrapError(errorOperationStore, errorSubjectEntry, errorCodePut, err)
	}
	return nil
}

func (store *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := store.client.Get(ctx, store.prefix+strings.TrimSpace(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, session.WrapError(errorOperationStore, errorSubjectEntry, errorCodeGet, err)
	}
	return value, true, nil
}
