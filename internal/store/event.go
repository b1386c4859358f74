package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EventKind classifies a stored event.
type EventKind string

const (
	// EventClosed is a debounced transition to closed eyes.
	EventClosed EventKind = "closed"
	// EventOpen is a debounced transition to open eyes.
	EventOpen EventKind = "open"
	// EventSleepiness is a drowsy-driving detection.
	EventSleepiness EventKind = "sleepiness"
)

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventClosed, EventOpen, EventSleepiness:
		return true
	}
	return false
}

// Event is a stored detection.
type Event struct {
	ID            string     `json:"id"`
	Kind          EventKind  `json:"kind"`
	EAR           float64    `json:"ear"`
	Threshold     float64    `json:"threshold"`
	Source        string     `json:"source"`
	CalibrationID string     `json:"calibrationId,omitempty"`
	ClipPath      string     `json:"clipPath,omitempty"`
	UploadedAt    *time.Time `json:"uploadedAt,omitempty"`
	DetectedAt    time.Time  `json:"detectedAt"`
}

// eventDB is the row shape with nullable columns.
type eventDB struct {
	ID            string         `db:"id"`
	Kind          string         `db:"kind"`
	EAR           float64        `db:"ear"`
	Threshold     float64        `db:"threshold"`
	Source        string         `db:"source"`
	CalibrationID sql.NullString `db:"calibration_id"`
	ClipPath      string         `db:"clip_path"`
	UploadedAt    sql.NullTime   `db:"uploaded_at"`
	DetectedAt    time.Time      `db:"detected_at"`
}

func (e eventDB) makeEvent() Event {
	ev := Event{
		ID:         e.ID,
		Kind:       EventKind(e.Kind),
		EAR:        e.EAR,
		Threshold:  e.Threshold,
		Source:     e.Source,
		ClipPath:   e.ClipPath,
		DetectedAt: e.DetectedAt,
	}
	if e.CalibrationID.Valid {
		ev.CalibrationID = e.CalibrationID.String
	}
	if e.UploadedAt.Valid {
		t := e.UploadedAt.Time
		ev.UploadedAt = &t
	}
	return ev
}

const (
	queryInsertEvent = `INSERT INTO events
		(id, kind, ear, threshold, source, calibration_id, clip_path, uploaded_at, detected_at)
		VALUES (:id, :kind, :ear, :threshold, :source, :calibration_id, :clip_path, :uploaded_at, :detected_at)`

	queryEventColumns = `SELECT id, kind, ear, threshold, source, calibration_id, clip_path, uploaded_at, detected_at
		FROM events`
)

// EventFilter narrows List results.
type EventFilter struct {
	Kind  EventKind
	Since time.Time
	Limit int
}

// EventRepository provides access to stored events.
type EventRepository struct {
	db *sqlx.DB
}

// Events returns the event repository for this store.
func (s *Store) Events() *EventRepository {
	return &EventRepository{db: s.db}
}

// Create inserts e, assigning an ID and timestamp when missing.
func (r *EventRepository) Create(ctx context.Context, e *Event) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("invalid event kind %q", e.Kind)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.DetectedAt.IsZero() {
		e.DetectedAt = time.Now().UTC()
	}
	if e.Source == "" {
		e.Source = "local"
	}

	row := eventDB{
		ID:            e.ID,
		Kind:          string(e.Kind),
		EAR:           e.EAR,
		Threshold:     e.Threshold,
		Source:        e.Source,
		CalibrationID: sql.NullString{String: e.CalibrationID, Valid: e.CalibrationID != ""},
		ClipPath:      e.ClipPath,
		DetectedAt:    e.DetectedAt,
	}
	if e.UploadedAt != nil {
		row.UploadedAt = sql.NullTime{Time: *e.UploadedAt, Valid: true}
	}

	_, err := r.db.NamedExecContext(ctx, queryInsertEvent, row)
	return err
}

// GetByID retrieves an event by its ID.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*Event, error) {
	var row eventDB
	if err := r.db.GetContext(ctx, &row, queryEventColumns+` WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ev := row.makeEvent()
	return &ev, nil
}

// List returns events matching f, newest first.
func (r *EventRepository) List(ctx context.Context, f EventFilter) ([]Event, error) {
	query := queryEventColumns + ` WHERE 1 = 1`
	args := []interface{}{}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		query += ` AND detected_at >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY detected_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []eventDB
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.makeEvent())
	}
	return events, nil
}

// AttachClip records the evidence clip encoded for an event.
func (r *EventRepository) AttachClip(ctx context.Context, id, clipPath string) error {
	return r.update(ctx, `UPDATE events SET clip_path = ? WHERE id = ?`, clipPath, id)
}

// MarkUploaded records a successful evidence upload.
func (r *EventRepository) MarkUploaded(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, `UPDATE events SET uploaded_at = ? WHERE id = ?`, at.UTC(), id)
}

// PendingUploads returns sleepiness events with a clip that has not been uploaded, oldest first.
func (r *EventRepository) PendingUploads(ctx context.Context) ([]Event, error) {
	var rows []eventDB
	err := r.db.SelectContext(ctx, &rows, queryEventColumns+
		` WHERE kind = ? AND clip_path != '' AND uploaded_at IS NULL ORDER BY detected_at ASC`,
		string(EventSleepiness))
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.makeEvent())
	}
	return events, nil
}

// Count returns the number of events of kind since t. An empty kind counts all.
func (r *EventRepository) Count(ctx context.Context, kind EventKind, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM events WHERE detected_at >= ?`
	args := []interface{}{since.UTC()}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}

	var n int
	if err := r.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *EventRepository) update(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
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
