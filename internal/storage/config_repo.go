package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ConfigKV is a runtime-mutable key/value override store, used for the
// version-bump-and-swap config changes (e.g. an operator
// adjusting a threshold without restarting rigsd).
type ConfigKV struct {
	store *Store
}

// NewConfigKV builds a ConfigKV backed by store.
func NewConfigKV(store *Store) *ConfigKV {
	return &ConfigKV{store: store}
}

// Set upserts a single key/value pair.
func (c *ConfigKV) Set(ctx context.Context, key, value string) error {
	_, err := c.store.db.ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set config key %s: %w", key, err)
	}
	return nil
}

// Get reads a single key, returning ("", false, nil) when absent.
func (c *ConfigKV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := c.store.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config key %s: %w", key, err)
	}
	return value, true, nil
}

// All returns every stored key/value pair.
func (c *ConfigKV) All(ctx context.Context) (map[string]string, error) {
	rows, err := c.store.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer rows.Close()

	result := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, rows.Err()
}
