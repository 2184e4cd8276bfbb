package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nupi-ai/hostd/internal/config"
	storecrypto "github.com/nupi-ai/hostd/internal/config/store/crypto"
)

// ErrReadOnly is returned by writes on a store opened read-only.
var ErrReadOnly = errors.New("config: store opened read-only")

// LoadServerConfig returns the persisted env and worker sections in
// declaration order. An instance that never saved returns an empty config.
func (s *Store) LoadServerConfig(ctx context.Context) (config.ServerConfig, error) {
	var cfg config.ServerConfig

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, system FROM env_vars
		WHERE instance_name = ?
		ORDER BY position
	`, s.instanceName)
	if err != nil {
		return cfg, fmt.Errorf("config: load env: %w", err)
	}
	envRows, err := collect(rows, "env", scanEnvRow)
	if err != nil {
		return cfg, err
	}
	for _, row := range envRows {
		v, err := s.openValue(row.Key, row.Raw)
		if err != nil {
			return cfg, err
		}
		cfg.Env = append(cfg.Env, config.EnvVar{Key: row.Key, Value: v, System: row.System})
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT name, type, enabled, import, route, metadata FROM workers
		WHERE instance_name = ?
		ORDER BY position
	`, s.instanceName)
	if err != nil {
		return cfg, fmt.Errorf("config: load workers: %w", err)
	}
	cfg.Workers, err = collect(rows, "worker", scanWorker)
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWorker returns a single persisted worker declaration.
func (s *Store) LoadWorker(ctx context.Context, name string) (config.WorkerConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, type, enabled, import, route, metadata FROM workers
		WHERE instance_name = ? AND name = ?
	`, s.instanceName, name)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return config.WorkerConfig{}, NotFoundError{Entity: "worker", Key: name}
	}
	if err != nil {
		return config.WorkerConfig{}, fmt.Errorf("config: load worker %s: %w", name, err)
	}
	return w, nil
}

// SaveServerConfig replaces the persisted document with cfg and bumps the
// instance revision. Secret values are sealed when a key is available.
func (s *Store) SaveServerConfig(ctx context.Context, cfg config.ServerConfig) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM env_vars WHERE instance_name = ?`, s.instanceName); err != nil {
			return fmt.Errorf("config: clear env: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM workers WHERE instance_name = ?`, s.instanceName); err != nil {
			return fmt.Errorf("config: clear workers: %w", err)
		}

		envStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO env_vars (instance_name, key, value, system, position)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("config: prepare env insert: %w", err)
		}
		defer envStmt.Close()

		for i, v := range cfg.Env {
			raw, err := s.sealValue(v)
			if err != nil {
				return err
			}
			if _, err := envStmt.ExecContext(ctx, s.instanceName, v.Key, raw, boolInt(v.System), i); err != nil {
				return fmt.Errorf("config: insert env %q: %w", v.Key, err)
			}
		}

		workerStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO workers (instance_name, name, position, type, enabled, import, route, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("config: prepare worker insert: %w", err)
		}
		defer workerStmt.Close()

		for i, w := range cfg.Workers {
			metadata, err := encodeMetadata(w.Metadata)
			if err != nil {
				return fmt.Errorf("config: encode metadata for %s: %w", w.Name, err)
			}
			if _, err := workerStmt.ExecContext(ctx, s.instanceName, w.Name, i, w.Type, boolInt(w.Enabled), w.Import, w.Route, metadata); err != nil {
				return fmt.Errorf("config: insert worker %q: %w", w.Name, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE revisions
			SET revision = revision + 1, updated_at = CURRENT_TIMESTAMP
			WHERE instance_name = ?
		`, s.instanceName); err != nil {
			return fmt.Errorf("config: bump revision: %w", err)
		}
		return nil
	})
}

// Revision returns the number of saves recorded for the instance.
func (s *Store) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT revision FROM revisions WHERE instance_name = ?`, s.instanceName).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, NotFoundError{Entity: "instance", Key: s.instanceName}
	}
	if err != nil {
		return 0, fmt.Errorf("config: load revision: %w", err)
	}
	return rev, nil
}

func (s *Store) sealValue(v config.EnvVar) (string, error) {
	data, err := json.Marshal(v.Value)
	if err != nil {
		return "", fmt.Errorf("config: encode env %q: %w", v.Key, err)
	}
	if s.key == nil || !config.IsSecretKey(v.Key) {
		return string(data), nil
	}
	sealed, err := storecrypto.Seal(s.key, string(data))
	if err != nil {
		return "", fmt.Errorf("config: seal env %q: %w", v.Key, err)
	}
	return sealed, nil
}

func (s *Store) openValue(key, raw string) (any, error) {
	if storecrypto.IsSealed(raw) {
		if s.key == nil {
			return nil, fmt.Errorf("config: env %q is sealed and no key is loaded", key)
		}
		plain, err := storecrypto.Open(s.key, raw)
		if err != nil {
			return nil, fmt.Errorf("config: env %q: %w", key, err)
		}
		raw = plain
	}
	v, err := decodeEnvValue(raw)
	if err != nil {
		return nil, fmt.Errorf("config: decode env %q: %w", key, err)
	}
	return v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
