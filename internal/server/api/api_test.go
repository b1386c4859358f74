package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nosleep-drive/nosleep/internal/calibrate"
	"github.com/nosleep-drive/nosleep/internal/store"
)

// newTestStore creates a new Store with a temporary database for testing.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "nosleep-api-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() {
		os.RemoveAll(tmpDir)
	})

	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})

	return s
}

type fakeStarter struct {
	err   error
	calls int
}

func (f *fakeStarter) StartCalibration() error {
	f.calls++
	return f.err
}

type fakeApplier struct {
	got []Settings
}

func (f *fakeApplier) ApplySettings(s Settings) {
	f.got = append(f.got, s)
}

func serve(h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCalibrationHandler_List(t *testing.T) {
	s := newTestStore(t)
	handler := NewCalibrationHandler(s, nil)
	ctx := context.Background()

	older := &store.Calibration{OpenMean: 0.31, ClosedMean: 0.12, Threshold: 0.215, Samples: 5, CreatedAt: time.Now().UTC().Add(-time.Hour)}
	newer := &store.Calibration{OpenMean: 0.30, ClosedMean: 0.14, Threshold: 0.22, Samples: 5}
	for _, c := range []*store.Calibration{older, newer} {
		if err := s.Calibrations().Create(ctx, c); err != nil {
			t.Fatalf("failed to create calibration: %v", err)
		}
	}

	rec := serve(handler, http.MethodGet, "/api/calibrations", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var response listCalibrationsResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Calibrations) != 2 {
		t.Fatalf("expected 2 calibrations, got %d", len(response.Calibrations))
	}
	if response.Calibrations[0].ID != newer.ID {
		t.Errorf("expected newest first, got %s", response.Calibrations[0].ID)
	}

	rec = serve(handler, http.MethodGet, "/api/calibrations?limit=1", nil)
	response = listCalibrationsResponse{}
	json.NewDecoder(rec.Body).Decode(&response)
	if len(response.Calibrations) != 1 {
		t.Errorf("expected limit to apply, got %d", len(response.Calibrations))
	}

	rec = serve(handler, http.MethodGet, "/api/calibrations?limit=zero", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d for bad limit, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestCalibrationHandler_ListEmpty(t *testing.T) {
	handler := NewCalibrationHandler(newTestStore(t), nil)

	rec := serve(handler, http.MethodGet, "/api/calibrations", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"calibrations":[]`) {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}
}

func TestCalibrationHandler_GetLatestDelete(t *testing.T) {
	s := newTestStore(t)
	handler := NewCalibrationHandler(s, nil)

	rec := serve(handler, http.MethodGet, "/api/calibrations/latest", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d before any calibration, got %d", http.StatusNotFound, rec.Code)
	}

	c := &store.Calibration{OpenMean: 0.3, ClosedMean: 0.1, Threshold: 0.2, Samples: 5}
	if err := s.Calibrations().Create(context.Background(), c); err != nil {
		t.Fatalf("failed to create calibration: %v", err)
	}

	rec = serve(handler, http.MethodGet, "/api/calibrations/latest", nil)
	var got store.Calibration
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.ID != c.ID || got.Threshold != 0.2 {
		t.Errorf("unexpected latest calibration: %+v", got)
	}

	rec = serve(handler, http.MethodGet, "/api/calibrations/"+c.ID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	rec = serve(handler, http.MethodDelete, "/api/calibrations/"+c.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}

	rec = serve(handler, http.MethodGet, "/api/calibrations/"+c.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d after delete, got %d", http.StatusNotFound, rec.Code)
	}

	rec = serve(handler, http.MethodDelete, "/api/calibrations/"+c.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d deleting twice, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestCalibrationHandler_Start(t *testing.T) {
	s := newTestStore(t)

	t.Run("accepted", func(t *testing.T) {
		starter := &fakeStarter{}
		rec := serve(NewCalibrationHandler(s, starter), http.MethodPost, "/api/calibrations", nil)
		if rec.Code != http.StatusAccepted {
			t.Errorf("expected status %d, got %d", http.StatusAccepted, rec.Code)
		}
		if starter.calls != 1 {
			t.Errorf("expected 1 start, got %d", starter.calls)
		}
	})

	t.Run("in progress", func(t *testing.T) {
		starter := &fakeStarter{err: calibrate.ErrInProgress}
		rec := serve(NewCalibrationHandler(s, starter), http.MethodPost, "/api/calibrations", nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("expected status %d, got %d", http.StatusConflict, rec.Code)
		}
	})

	t.Run("unavailable", func(t *testing.T) {
		rec := serve(NewCalibrationHandler(s, nil), http.MethodPost, "/api/calibrations", nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := serve(NewCalibrationHandler(s, nil), http.MethodPut, "/api/calibrations", nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})
}

func TestEventHandler_ListAndFilter(t *testing.T) {
	s := newTestStore(t)
	handler := NewEventHandler(s)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, e := range []*store.Event{
		{Kind: store.EventClosed, EAR: 0.1, Threshold: 0.2, DetectedAt: now.Add(-48 * time.Hour)},
		{Kind: store.EventSleepiness, EAR: 0.12, Threshold: 0.2, ClipPath: "/tmp/a.mp4", DetectedAt: now.Add(-time.Hour)},
		{Kind: store.EventOpen, EAR: 0.3, Threshold: 0.2, DetectedAt: now.Add(-time.Minute)},
	} {
		if err := s.Events().Create(ctx, e); err != nil {
			t.Fatalf("failed to create event: %v", err)
		}
	}

	decode := func(rec *httptest.ResponseRecorder) []store.Event {
		t.Helper()
		var resp listEventsResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		return resp.Events
	}

	if got := decode(serve(handler, http.MethodGet, "/api/events", nil)); len(got) != 3 {
		t.Errorf("expected 3 events, got %d", len(got))
	}

	got := decode(serve(handler, http.MethodGet, "/api/events?kind=sleepiness", nil))
	if len(got) != 1 || got[0].Kind != store.EventSleepiness {
		t.Errorf("kind filter returned %+v", got)
	}

	if got := decode(serve(handler, http.MethodGet, "/api/events?since=24h", nil)); len(got) != 2 {
		t.Errorf("expected 2 events in the last day, got %d", len(got))
	}

	if rec := serve(handler, http.MethodGet, "/api/events?kind=yawn", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d for bad kind, got %d", http.StatusBadRequest, rec.Code)
	}
	if rec := serve(handler, http.MethodGet, "/api/events?since=yesterday", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d for bad since, got %d", http.StatusBadRequest, rec.Code)
	}
	if rec := serve(handler, http.MethodPost, "/api/events", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestEventHandler_GetAndSummary(t *testing.T) {
	s := newTestStore(t)
	handler := NewEventHandler(s)

	e := &store.Event{Kind: store.EventSleepiness, EAR: 0.12, Threshold: 0.2, ClipPath: "/tmp/clip.mp4"}
	if err := s.Events().Create(context.Background(), e); err != nil {
		t.Fatalf("failed to create event: %v", err)
	}

	rec := serve(handler, http.MethodGet, "/api/events/"+e.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	rec = serve(handler, http.MethodGet, "/api/events/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}

	rec = serve(handler, http.MethodGet, "/api/events/summary", nil)
	var summary summaryResponse
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if summary.Sleepiness != 1 || summary.Closed != 0 || summary.Pending != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestSettingsHandler_GetDefaults(t *testing.T) {
	handler := NewSettingsHandler(newTestStore(t), nil)

	rec := serve(handler, http.MethodGet, "/api/settings", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var got Settings
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.Threshold == nil || *got.Threshold != 0.25 {
		t.Errorf("expected default threshold 0.25, got %v", got.Threshold)
	}
	if got.RequiredFrames == nil || *got.RequiredFrames != 3 {
		t.Errorf("expected default required frames 3, got %v", got.RequiredFrames)
	}
	if got.AlertVolume == nil || *got.AlertVolume != DefaultAlertVolume {
		t.Errorf("expected default volume, got %v", got.AlertVolume)
	}
}

func TestSettingsHandler_Update(t *testing.T) {
	s := newTestStore(t)
	applier := &fakeApplier{}
	handler := NewSettingsHandler(s, applier)

	rec := serve(handler, http.MethodPut, "/api/settings", []byte(`{"threshold":0.21,"alertVolume":90}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var got Settings
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if *got.Threshold != 0.21 || *got.AlertVolume != 90 || *got.RequiredFrames != 3 {
		t.Errorf("unexpected settings: threshold=%v volume=%v frames=%v", *got.Threshold, *got.AlertVolume, *got.RequiredFrames)
	}

	stored, err := s.Settings().Float(context.Background(), store.SettingThreshold, 0)
	if err != nil || stored != 0.21 {
		t.Errorf("threshold not persisted: %v, %v", stored, err)
	}

	if len(applier.got) != 1 {
		t.Fatalf("expected settings to be applied once, got %d", len(applier.got))
	}
	if applier.got[0].RequiredFrames != nil {
		t.Error("unset fields should stay nil when applied")
	}
}

func TestSettingsHandler_Validation(t *testing.T) {
	s := newTestStore(t)
	applier := &fakeApplier{}
	handler := NewSettingsHandler(s, applier)

	tests := []struct {
		name string
		body string
	}{
		{"threshold too high", `{"threshold":1.5}`},
		{"threshold zero", `{"threshold":0}`},
		{"frames zero", `{"requiredFrames":0}`},
		{"volume over 100", `{"alertVolume":101}`},
		{"empty", `{}`},
		{"invalid json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(handler, http.MethodPut, "/api/settings", []byte(tt.body))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
			}
		})
	}

	if len(applier.got) != 0 {
		t.Errorf("invalid settings must not be applied, got %d", len(applier.got))
	}
}
