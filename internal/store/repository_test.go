package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCalibrationRepository(t *testing.T) {
	s := newTestStore(t)
	repo := s.Calibrations()
	ctx := context.Background()

	if _, err := repo.Latest(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Latest() on empty table error = %v, want ErrNotFound", err)
	}

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	first := &Calibration{OpenMean: 0.31, ClosedMean: 0.09, Threshold: 0.2, Samples: 10, DurationMs: 2500, CreatedAt: base}
	second := &Calibration{OpenMean: 0.29, ClosedMean: 0.11, Threshold: 0.2, Samples: 10, Skipped: 3, CreatedAt: base.Add(time.Hour)}

	for _, c := range []*Calibration{first, second} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if c.ID == "" {
			t.Fatal("Create() should assign an ID")
		}
	}

	latest, err := repo.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("Latest() = %s, want %s", latest.ID, second.ID)
	}
	if latest.Skipped != 3 {
		t.Errorf("Skipped = %d, want 3", latest.Skipped)
	}

	got, err := repo.GetByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Duration() != 2500*time.Millisecond {
		t.Errorf("Duration() = %v", got.Duration())
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
	}

	list, err := repo.List(ctx, 1)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != second.ID {
		t.Errorf("List(1) = %+v", list)
	}

	all, _ := repo.List(ctx, 0)
	if len(all) != 2 {
		t.Errorf("List(0) returned %d rows, want 2", len(all))
	}

	if err := repo.Delete(ctx, first.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := repo.Delete(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestCalibrationRepository_RejectsBadThreshold(t *testing.T) {
	s := newTestStore(t)

	err := s.Calibrations().Create(context.Background(), &Calibration{OpenMean: 0.3, ClosedMean: 0.1, Threshold: 1.5})
	if err == nil {
		t.Error("threshold outside (0,1) should violate the table check")
	}
}

func TestEventRepository(t *testing.T) {
	s := newTestStore(t)
	repo := s.Events()
	ctx := context.Background()

	cal := &Calibration{OpenMean: 0.3, ClosedMean: 0.1, Threshold: 0.2, Samples: 10}
	if err := s.Calibrations().Create(ctx, cal); err != nil {
		t.Fatalf("create calibration: %v", err)
	}

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	events := []*Event{
		{Kind: EventClosed, EAR: 0.08, Threshold: 0.2, CalibrationID: cal.ID, DetectedAt: base},
		{Kind: EventOpen, EAR: 0.3, Threshold: 0.2, DetectedAt: base.Add(time.Second)},
		{Kind: EventSleepiness, EAR: 0.07, Threshold: 0.2, Source: "server", DetectedAt: base.Add(2 * time.Second)},
	}
	for _, e := range events {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	if err := repo.Create(ctx, &Event{Kind: "blink"}); err == nil {
		t.Error("unknown kind should be rejected")
	}

	got, err := repo.GetByID(ctx, events[0].ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.CalibrationID != cal.ID || got.Source != "local" {
		t.Errorf("GetByID() = %+v", got)
	}
	if got.UploadedAt != nil {
		t.Error("UploadedAt should be nil")
	}

	list, err := repo.List(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 3 || list[0].Kind != EventSleepiness {
		t.Errorf("List() should return newest first, got %+v", list)
	}

	closed, _ := repo.List(ctx, EventFilter{Kind: EventClosed})
	if len(closed) != 1 {
		t.Errorf("List(kind=closed) returned %d rows", len(closed))
	}

	recent, _ := repo.List(ctx, EventFilter{Since: base.Add(time.Second)})
	if len(recent) != 2 {
		t.Errorf("List(since) returned %d rows, want 2", len(recent))
	}

	n, err := repo.Count(ctx, EventSleepiness, base)
	if err != nil || n != 1 {
		t.Errorf("Count() = %d, %v", n, err)
	}

	// Deleting the calibration clears the reference.
	if err := s.Calibrations().Delete(ctx, cal.ID); err != nil {
		t.Fatalf("delete calibration: %v", err)
	}
	got, _ = repo.GetByID(ctx, events[0].ID)
	if got.CalibrationID != "" {
		t.Errorf("CalibrationID = %q, want empty", got.CalibrationID)
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v", err)
	}
}

func TestEventRepository_Uploads(t *testing.T) {
	s := newTestStore(t)
	repo := s.Events()
	ctx := context.Background()

	e := &Event{Kind: EventSleepiness, Threshold: 0.2}
	if err := repo.Create(ctx, e); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	pending, _ := repo.PendingUploads(ctx)
	if len(pending) != 0 {
		t.Fatalf("event without clip should not be pending, got %d", len(pending))
	}

	if err := repo.AttachClip(ctx, e.ID, "/tmp/clip.mp4"); err != nil {
		t.Fatalf("AttachClip() error = %v", err)
	}
	pending, _ = repo.PendingUploads(ctx)
	if len(pending) != 1 || pending[0].ClipPath != "/tmp/clip.mp4" {
		t.Fatalf("PendingUploads() = %+v", pending)
	}

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := repo.MarkUploaded(ctx, e.ID, at); err != nil {
		t.Fatalf("MarkUploaded() error = %v", err)
	}
	pending, _ = repo.PendingUploads(ctx)
	if len(pending) != 0 {
		t.Errorf("uploaded event still pending")
	}

	got, _ := repo.GetByID(ctx, e.ID)
	if got.UploadedAt == nil || !got.UploadedAt.Equal(at) {
		t.Errorf("UploadedAt = %v, want %v", got.UploadedAt, at)
	}

	if err := repo.MarkUploaded(ctx, "missing", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkUploaded(missing) error = %v", err)
	}
}

func TestSettingRepository(t *testing.T) {
	s := newTestStore(t)
	repo := s.Settings()
	ctx := context.Background()

	if _, err := repo.Get(ctx, SettingThreshold); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}

	f, err := repo.Float(ctx, SettingThreshold, 0.25)
	if err != nil || f != 0.25 {
		t.Errorf("Float() default = %v, %v", f, err)
	}

	if err := repo.SetFloat(ctx, SettingThreshold, 0.215); err != nil {
		t.Fatalf("SetFloat() error = %v", err)
	}
	if err := repo.SetFloat(ctx, SettingThreshold, 0.22); err != nil {
		t.Fatalf("SetFloat() overwrite error = %v", err)
	}
	f, _ = repo.Float(ctx, SettingThreshold, 0.25)
	if f != 0.22 {
		t.Errorf("Float() = %v, want 0.22", f)
	}

	if err := repo.Set(ctx, SettingRequiredFrames, "4"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	n, _ := repo.Int(ctx, SettingRequiredFrames, 3)
	if n != 4 {
		t.Errorf("Int() = %d, want 4", n)
	}

	repo.Set(ctx, SettingAlertVolume, "loud")
	if _, err := repo.Int(ctx, SettingAlertVolume, 80); err == nil {
		t.Error("Int() should fail on a non-numeric value")
	}

	all, err := repo.All(ctx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 3 || all[SettingThreshold] != "0.22" {
		t.Errorf("All() = %v", all)
	}
}
