package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// encodeMetadata stores worker metadata as a JSON column; empty maps are NULL.
func encodeMetadata(md map[string]any) (any, error) {
	if len(md) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// decodeMetadata reverses encodeMetadata. Numbers come back as float64.
func decodeMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var md map[string]any
	if err := json.Unmarshal([]byte(raw.String), &md); err != nil {
		return nil, err
	}
	return md, nil
}

// decodeEnvValue restores a typed env value: whole numbers come back as
// int64, other numbers as float64.
func decodeEnvValue(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	n, ok := v.(json.Number)
	if !ok {
		return v, nil
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("number %s: %w", n, err)
	}
	return f, nil
}

// collect scans every row with scan and closes rows. what names the rows in
// error messages.
func collect[T any](rows *sql.Rows, what string, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("config: scan %s row: %w", what, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("config: iterate %s rows: %w", what, err)
	}
	return out, nil
}
