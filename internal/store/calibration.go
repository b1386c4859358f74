package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// Calibration is a stored calibration result.
type Calibration struct {
	ID         string    `db:"id" json:"id"`
	OpenMean   float64   `db:"open_mean" json:"openMean"`
	ClosedMean float64   `db:"closed_mean" json:"closedMean"`
	Threshold  float64   `db:"threshold" json:"threshold"`
	Samples    int       `db:"samples" json:"samples"`
	Skipped    int       `db:"skipped" json:"skipped"`
	DurationMs int64     `db:"duration_ms" json:"durationMs"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// Duration returns the session length.
func (c *Calibration) Duration() time.Duration {
	return time.Duration(c.DurationMs) * time.Millisecond
}

const (
	queryInsertCalibration = `INSERT INTO calibrations
		(id, open_mean, closed_mean, threshold, samples, skipped, duration_ms, created_at)
		VALUES (:id, :open_mean, :closed_mean, :threshold, :samples, :skipped, :duration_ms, :created_at)`

	queryCalibrationColumns = `SELECT id, open_mean, closed_mean, threshold, samples, skipped, duration_ms, created_at
		FROM calibrations`
)

// CalibrationRepository provides access to stored calibrations.
type CalibrationRepository struct {
	db *sqlx.DB
}

// Calibrations returns the calibration repository for this store.
func (s *Store) Calibrations() *CalibrationRepository {
	return &CalibrationRepository{db: s.db}
}

// Create inserts c, assigning an ID and timestamp when missing.
func (r *CalibrationRepository) Create(ctx context.Context, c *Calibration) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.NamedExecContext(ctx, queryInsertCalibration, c)
	return err
}

// GetByID retrieves a calibration by its ID.
func (r *CalibrationRepository) GetByID(ctx context.Context, id string) (*Calibration, error) {
	c := &Calibration{}
	err := r.db.GetContext(ctx, c, queryCalibrationColumns+` WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// Latest returns the most recent calibration, or ErrNotFound if none exist.
func (r *CalibrationRepository) Latest(ctx context.Context) (*Calibration, error) {
	c := &Calibration{}
	err := r.db.GetContext(ctx, c, queryCalibrationColumns+` ORDER BY created_at DESC LIMIT 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// List returns up to limit calibrations, newest first. A non-positive limit returns all.
func (r *CalibrationRepository) List(ctx context.Context, limit int) ([]Calibration, error) {
	query := queryCalibrationColumns + ` ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	calibrations := []Calibration{}
	if err := r.db.SelectContext(ctx, &calibrations, query, args...); err != nil {
		return nil, err
	}
	return calibrations, nil
}

// Delete removes a calibration by its ID. Events keep their rows with the
// reference cleared.
func (r *CalibrationRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM calibrations WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
