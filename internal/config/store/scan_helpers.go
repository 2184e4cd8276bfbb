package store

import (
	"database/sql"
	"fmt"

	"github.com/nupi-ai/hostd/internal/config"
)

type rowScanner interface {
	Scan(dest ...any) error
}

type envRow struct {
	Key    string
	Raw    string
	System bool
}

func scanEnvRow(scanner rowScanner) (envRow, error) {
	var (
		row    envRow
		system int
	)
	if err := scanner.Scan(&row.Key, &row.Raw, &system); err != nil {
		return envRow{}, err
	}
	row.System = system != 0
	return row, nil
}

func scanWorker(scanner rowScanner) (config.WorkerConfig, error) {
	var (
		w        config.WorkerConfig
		enabled  int
		metadata sql.NullString
	)
	if err := scanner.Scan(&w.Name, &w.Type, &enabled, &w.Import, &w.Route, &metadata); err != nil {
		return config.WorkerConfig{}, err
	}
	w.Enabled = enabled != 0

	md, err := decodeMetadata(metadata)
	if err != nil {
		return config.WorkerConfig{}, fmt.Errorf("decode metadata for %s: %w", w.Name, err)
	}
	w.Metadata = md
	return w, nil
}
