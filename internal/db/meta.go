package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Journal metadata keys.
const (
	MetaLogHashKey = "log_hash_key"
)

// Meta returns the value stored under key and whether it was present.
func (d *DB) Meta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := d.QueryRowContext(ctx,
		"SELECT value FROM journal_meta WHERE key = ?", key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("db: get meta %q: %w", key, err)
	}
	return value, true, nil
}

// SetMeta upserts a metadata value.
func (d *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := d.ExecContext(ctx,
		"INSERT INTO journal_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("db: set meta %q: %w", key, err)
	}
	return nil
}

// MetaOrInit returns the value under key, storing and returning the result
// of initial() when the key is absent.
func (d *DB) MetaOrInit(ctx context.Context, key string, initial func() (string, error)) (string, error) {
	value, ok, err := d.Meta(ctx, key)
	if err != nil {
		return "", err
	}
	if ok {
		return value, nil
	}
	value, err = initial()
	if err != nil {
		return "", fmt.Errorf("db: init meta %q: %w", key, err)
	}
	if err := d.SetMeta(ctx, key, value); err != nil {
		return "", err
	}
	return value, nil
}
