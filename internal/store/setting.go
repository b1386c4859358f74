package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/jmoiron/sqlx"
)

// Setting keys persisted across restarts.
const (
	SettingThreshold      = "ear.threshold"
	SettingRequiredFrames = "ear.required_frames"
	SettingAlertVolume    = "alert.volume"
)

// SettingRepository is a key-value store for runtime settings.
type SettingRepository struct {
	db *sqlx.DB
}

// Settings returns the settings repository for this store.
func (s *Store) Settings() *SettingRepository {
	return &SettingRepository{db: s.db}
}

// Get returns the value for key, or ErrNotFound.
func (r *SettingRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return value, nil
}

// Set inserts or replaces the value for key.
func (r *SettingRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// All returns every stored setting.
func (r *SettingRepository) All(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT key, value FROM settings ORDER BY key`); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

// Float returns the setting parsed as a float, or def if it is missing.
func (r *SettingRepository) Float(ctx context.Context, key string, def float64) (float64, error) {
	v, err := r.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, err
	}
	return f, nil
}

// Int returns the setting parsed as an int, or def if it is missing.
func (r *SettingRepository) Int(ctx context.Context, key string, def int) (int, error) {
	v, err := r.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, err
	}
	return n, nil
}

// SetFloat stores f with full precision.
func (r *SettingRepository) SetFloat(ctx context.Context, key string, f float64) error {
	return r.Set(ctx, key, strconv.FormatFloat(f, 'f', -1, 64))
}
