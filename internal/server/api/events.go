package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nosleep-drive/nosleep/internal/store"
)

// EventHandler handles HTTP requests for detection events.
type EventHandler struct {
	store *store.Store
}

// NewEventHandler creates a new EventHandler with the given store.
func NewEventHandler(s *store.Store) *EventHandler {
	return &EventHandler{store: s}
}

// ServeHTTP implements the http.Handler interface.
// Expected paths: /api/events and /api/events/{id}
func (h *EventHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/events")
	path = strings.TrimPrefix(path, "/")

	switch path {
	case "":
		h.list(w, r)
	case "summary":
		h.summary(w, r)
	default:
		h.get(w, r, path)
	}
}

type listEventsResponse struct {
	Events []store.Event `json:"events"`
}

type summaryResponse struct {
	Since      time.Time `json:"since"`
	Sleepiness int       `json:"sleepiness"`
	Closed     int       `json:"closed"`
	Pending    int       `json:"pendingUploads"`
}

// parseSince reads the since query parameter as RFC 3339 or a duration ago ("24h").
func parseSince(r *http.Request, now time.Time) (time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, errors.New("since must be RFC 3339 or a positive duration")
}

// list handles GET /api/events?kind=&since=&limit=.
func (h *EventHandler) list(w http.ResponseWriter, r *http.Request) {
	filter := store.EventFilter{Kind: store.EventKind(r.URL.Query().Get("kind"))}
	if filter.Kind != "" && !filter.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid event kind")
		return
	}

	since, err := parseSince(r, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Since = since

	if filter.Limit, err = queryLimit(r, 50, 500); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.store.Events().List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list events")
		return
	}
	if events == nil {
		events = []store.Event{}
	}

	writeJSON(w, http.StatusOK, listEventsResponse{Events: events})
}

// summary handles GET /api/events/summary and counts events since a point in time,
// defaulting to the last 24 hours.
func (h *EventHandler) summary(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	since, err := parseSince(r, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if since.IsZero() {
		since = now.Add(-24 * time.Hour)
	}

	ctx := r.Context()
	resp := summaryResponse{Since: since}
	if resp.Sleepiness, err = h.store.Events().Count(ctx, store.EventSleepiness, since); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count events")
		return
	}
	if resp.Closed, err = h.store.Events().Count(ctx, store.EventClosed, since); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count events")
		return
	}
	pending, err := h.store.Events().PendingUploads(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list pending uploads")
		return
	}
	resp.Pending = len(pending)

	writeJSON(w, http.StatusOK, resp)
}

// get handles GET /api/events/{id}.
func (h *EventHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	e, err := h.store.Events().GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Event not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get event")
		return
	}

	writeJSON(w, http.StatusOK, e)
}
