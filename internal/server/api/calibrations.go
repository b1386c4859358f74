// Package api provides HTTP API handlers for the drowsiness detector.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/nosleep-drive/nosleep/internal/calibrate"
	"github.com/nosleep-drive/nosleep/internal/store"
)

// CalibrationStarter starts a calibration session in the background.
// It returns calibrate.ErrInProgress when a session is already running.
type CalibrationStarter interface {
	StartCalibration() error
}

// CalibrationHandler handles HTTP requests for calibration resources.
type CalibrationHandler struct {
	store   *store.Store
	starter CalibrationStarter
}

// NewCalibrationHandler creates a new CalibrationHandler. starter may be nil,
// in which case POST is rejected.
func NewCalibrationHandler(s *store.Store, starter CalibrationStarter) *CalibrationHandler {
	return &CalibrationHandler{store: s, starter: starter}
}

// ServeHTTP implements the http.Handler interface and routes requests to appropriate methods.
func (h *CalibrationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Expected paths: /api/calibrations, /api/calibrations/latest or /api/calibrations/{id}
	path := strings.TrimPrefix(r.URL.Path, "/api/calibrations")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			h.list(w, r)
		case http.MethodPost:
			h.start(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	id := path
	switch r.Method {
	case http.MethodGet:
		if id == "latest" {
			h.latest(w, r)
			return
		}
		h.get(w, r, id)
	case http.MethodDelete:
		h.delete(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type listCalibrationsResponse struct {
	Calibrations []store.Calibration `json:"calibrations"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// queryLimit parses the limit query parameter, falling back to def.
func queryLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

// list handles GET /api/calibrations and returns recent calibrations, newest first.
func (h *CalibrationHandler) list(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 20, 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cals, err := h.store.Calibrations().List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list calibrations")
		return
	}
	if cals == nil {
		cals = []store.Calibration{}
	}

	writeJSON(w, http.StatusOK, listCalibrationsResponse{Calibrations: cals})
}

// latest handles GET /api/calibrations/latest.
func (h *CalibrationHandler) latest(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Calibrations().Latest(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "No calibration yet")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get calibration")
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// get handles GET /api/calibrations/{id}.
func (h *CalibrationHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	c, err := h.store.Calibrations().GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Calibration not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get calibration")
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// start handles POST /api/calibrations and begins a new session.
// The result is stored when the session completes.
func (h *CalibrationHandler) start(w http.ResponseWriter, r *http.Request) {
	if h.starter == nil {
		writeError(w, http.StatusServiceUnavailable, "Calibration unavailable")
		return
	}

	if err := h.starter.StartCalibration(); err != nil {
		if errors.Is(err, calibrate.ErrInProgress) {
			writeError(w, http.StatusConflict, "Calibration already in progress")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to start calibration")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// delete handles DELETE /api/calibrations/{id}.
func (h *CalibrationHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	err := h.store.Calibrations().Delete(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Calibration not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete calibration")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
