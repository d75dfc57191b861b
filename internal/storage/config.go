package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *SQLiteStore) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return configDefault(key)
	}
	if err != nil {
		return "", storeErr("get config", err)
	}
	return value, nil
}

func (s *SQLiteStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return storeErr("set config", err)
}

func (s *SQLiteStore) AllConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config ORDER BY key`)
	if err != nil {
		return nil, storeErr("get config", err)
	}
	defer rows.Close()

	config := withDefaults(nil)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, storeErr("scan config", err)
		}
		config[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get config", err)
	}
	return config, nil
}

func configDefault(key string) (string, error) {
	if v, ok := Defaults[key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrConfigNotFound, key)
}

func withDefaults(values map[string]string) map[string]string {
	out := make(map[string]string, len(Defaults)+len(values))
	for k, v := range Defaults {
		out[k] = v
	}
	for k, v := range values {
		out[k] = v
	}
	return out
}
