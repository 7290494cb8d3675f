package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/tripsync/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/tripsync/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/tripsync/internal/store/redisstore"
	"github.com/MarkoPoloResearchLab/tripsync/pkg/session"
)

const (
	driverMemory   = "memory"
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	driverPgx      = "pgx"
	driverRedis    = "redis"
)

func noopCleanup() error { return nil }

// openStore resolves dsn to a key-value collaborator. "memory" disables
// persistence.
func openStore(ctx context.Context, dsn string, redisTTL time.Duration) (session.KeyValueStore, func() error, error) {
	driver, target, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}
	switch driver {
	case driverMemory:
		return nil, noopCleanup, nil
	case driverPgx:
		pool, err := pgxpool.New(ctx, target)
		if err != nil {
			return nil, nil, err
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return store, cleanup, nil
	case driverRedis:
		client, err := redisstore.NewClient(target)
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return redisstore.New(client, redisstore.WithTTL(redisTTL)), client.Close, nil
	default:
		db, cleanup, err := openDatabase(driver, target)
		if err != nil {
			return nil, nil, err
		}
		store := gormstore.New(db)
		if err := store.AutoMigrate(ctx); err != nil {
			_ = cleanup()
			return nil, nil, err
		}
		return store, cleanup, nil
	}
}

func openDatabase(driver string, target string) (*gorm.DB, func() error, error) {
	var (
		db  *gorm.DB
		err error
	)
	cfg := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(target), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(target), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, sqlDB.Close, nil
}

// resolveDriver returns the driver and the connection target handed to it.
func resolveDriver(dsn string) (string, string, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == driverMemory:
		return driverMemory, "", nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return driverPostgres, dsn, nil
	case strings.HasPrefix(dsn, "pgx://"):
		return driverPgx, "postgres://" + strings.TrimPrefix(dsn, "pgx://"), nil
	case strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://"):
		return driverRedis, dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "tripsync.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// storeScheme names the backend for logs without leaking credentials.
func storeScheme(dsn string) string {
	driver, _, err := resolveDriver(dsn)
	if err != nil {
		return "invalid"
	}
	return driver
}
