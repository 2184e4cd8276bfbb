// Package store persists ServerConfig documents in a per-instance sqlite
// database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nupi-ai/hostd/internal/config"
	storecrypto "github.com/nupi-ai/hostd/internal/config/store/crypto"
)

const (
	defaultBusyTimeout        = 5 * time.Second
	defaultConnectionLifetime = 0
)

// Options describes parameters for opening a configuration store.
type Options struct {
	InstanceName string // defaults to config.DefaultInstance
	DBPath       string // overrides the instance config.db path
	ReadOnly     bool
}

// Store provides access to the configuration database.
type Store struct {
	db           *sql.DB
	instanceName string
	dbPath       string
	readOnly     bool
	key          []byte
}

// NotFoundError indicates a requested record does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// IsNotFound returns true when err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// Open initialises the configuration store for the given instance.
func Open(opts Options) (*Store, error) {
	if opts.InstanceName == "" {
		opts.InstanceName = config.DefaultInstance
	}

	dbPath := opts.DBPath
	if dbPath == "" {
		paths, err := config.EnsureInstanceDirs(opts.InstanceName)
		if err != nil {
			return nil, fmt.Errorf("config: ensure instance directories: %w", err)
		}
		dbPath = paths.ConfigDB
	} else if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("config: create store directory: %w", err)
	}

	dsn := dbPath
	if opts.ReadOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro", dbPath)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("config: open sqlite store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(defaultConnectionLifetime)
	db.SetConnMaxIdleTime(defaultConnectionLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := prepare(ctx, db, opts.InstanceName, opts.ReadOnly); err != nil {
		db.Close()
		return nil, err
	}

	keyPath := storecrypto.KeyPath(dbPath)
	var key []byte
	if opts.ReadOnly {
		var keyErr error
		key, keyErr = storecrypto.LoadKey(keyPath)
		if keyErr != nil {
			log.Printf("[Config] WARNING: failed to load key (read-only): %v; sealed values will be unreadable", keyErr)
		}
	} else {
		key, err = storecrypto.EnsureKey(keyPath, func() (bool, error) { return hasSealedValues(ctx, db) })
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{
		db:           db,
		instanceName: opts.InstanceName,
		dbPath:       dbPath,
		readOnly:     opts.ReadOnly,
		key:          key,
	}, nil
}

// Close finalises the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying sql.DB handle for internal usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InstanceName returns the logical instance associated with the store.
func (s *Store) InstanceName() string {
	return s.instanceName
}

// Path returns the filesystem path of the backing database.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("config: rollback failed after %v: %w", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

func hasSealedValues(ctx context.Context, db *sql.DB) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM env_vars WHERE value LIKE ?`,
		storecrypto.SealedPrefix+"%",
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("config: check sealed values: %w", err)
	}
	return count > 0, nil
}
