package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nosleep-drive/nosleep/internal/eyestate"
	"github.com/nosleep-drive/nosleep/internal/store"
)

// DefaultAlertVolume is the speaker volume used until one is stored.
const DefaultAlertVolume = 70

// Settings are the runtime-tunable detector parameters.
// Nil fields are left unchanged by an update.
type Settings struct {
	Threshold      *float64 `json:"threshold,omitempty" validate:"omitempty,gt=0,lt=1"`
	RequiredFrames *int     `json:"requiredFrames,omitempty" validate:"omitempty,gte=1,lte=30"`
	AlertVolume    *int     `json:"alertVolume,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// SettingsApplier pushes updated settings into the running detector.
type SettingsApplier interface {
	ApplySettings(s Settings)
}

// SettingsHandler handles GET and PUT on /api/settings.
type SettingsHandler struct {
	store    *store.Store
	applier  SettingsApplier
	validate *validator.Validate
}

// NewSettingsHandler creates a new SettingsHandler. applier may be nil.
func NewSettingsHandler(s *store.Store, applier SettingsApplier) *SettingsHandler {
	return &SettingsHandler{
		store:    s,
		applier:  applier,
		validate: validator.New(),
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *SettingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.get(w, r)
	case http.MethodPut, http.MethodPatch:
		h.update(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// LoadSettings reads the stored settings, filling unset values from the defaults.
func LoadSettings(ctx context.Context, s *store.Store) (Settings, error) {
	repo := s.Settings()

	threshold, err := repo.Float(ctx, store.SettingThreshold, eyestate.DefaultThreshold)
	if err != nil {
		return Settings{}, err
	}
	frames, err := repo.Int(ctx, store.SettingRequiredFrames, eyestate.DefaultRequiredFrames)
	if err != nil {
		return Settings{}, err
	}
	volume, err := repo.Int(ctx, store.SettingAlertVolume, DefaultAlertVolume)
	if err != nil {
		return Settings{}, err
	}

	return Settings{Threshold: &threshold, RequiredFrames: &frames, AlertVolume: &volume}, nil
}

// get handles GET /api/settings.
func (h *SettingsHandler) get(w http.ResponseWriter, r *http.Request) {
	s, err := LoadSettings(r.Context(), h.store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}

	writeJSON(w, http.StatusOK, s)
}

// update handles PUT /api/settings. Only the fields present are changed.
func (h *SettingsHandler) update(w http.ResponseWriter, r *http.Request) {
	var req Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if req.Threshold == nil && req.RequiredFrames == nil && req.AlertVolume == nil {
		writeError(w, http.StatusBadRequest, "No settings given")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	ctx := r.Context()
	repo := h.store.Settings()
	if req.Threshold != nil {
		if err := repo.SetFloat(ctx, store.SettingThreshold, *req.Threshold); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save settings")
			return
		}
	}
	if req.RequiredFrames != nil {
		if err := repo.Set(ctx, store.SettingRequiredFrames, strconv.Itoa(*req.RequiredFrames)); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save settings")
			return
		}
	}
	if req.AlertVolume != nil {
		if err := repo.Set(ctx, store.SettingAlertVolume, strconv.Itoa(*req.AlertVolume)); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save settings")
			return
		}
	}

	if h.applier != nil {
		h.applier.ApplySettings(req)
	}

	h.get(w, r)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", lowerFirst(fe.Field()), fe.Tag(), fe.Param()))
	}
	return strings.Join(msgs, "; ")
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
