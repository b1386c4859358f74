// Package server provides the local HTTP dashboard API for the drowsiness detector.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/nosleep-drive/nosleep/internal/log"
	"github.com/nosleep-drive/nosleep/internal/server/api"
	"github.com/nosleep-drive/nosleep/internal/store"
)

// StatusProvider reports a snapshot of the running detector.
type StatusProvider interface {
	Status() interface{}
}

// Config holds the server configuration.
type Config struct {
	StaticDir  string
	Store      *store.Store
	Frames     FrameSource
	Hub        *Hub
	Status     StatusProvider
	Calibrator api.CalibrationStarter
	Settings   api.SettingsApplier
}

// Server is the dashboard's HTTP API.
type Server struct {
	config  Config
	mux     *http.ServeMux
	handler http.Handler
	start   time.Time
}

// New builds the routes for every collaborator present in config. Routes
// without their collaborator answer 404.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.routes()
	s.handler = logRequests(s.mux)
	return s
}

func (s *Server) routes() {
	c := s.config
	s.mux.HandleFunc("GET /api/health", s.health)

	if c.Status != nil {
		s.mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, c.Status.Status())
		})
	}

	if c.Store != nil {
		mount := func(prefix string, h http.Handler) {
			s.mux.Handle(prefix, h)
			s.mux.Handle(prefix+"/", h)
		}
		mount("/api/calibrations", api.NewCalibrationHandler(c.Store, c.Calibrator))
		mount("/api/events", api.NewEventHandler(c.Store))
		s.mux.Handle("/api/settings", api.NewSettingsHandler(c.Store, c.Settings))
	}

	if c.Frames != nil {
		s.mux.Handle("/api/stream", NewStreamHandler(c.Frames))
	}
	if c.Hub != nil {
		s.mux.Handle("/api/ear", c.Hub)
	}
	if c.StaticDir != "" {
		s.mux.Handle("/", http.FileServer(http.Dir(c.StaticDir)))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).Round(time.Second).String(),
	}
	if s.config.Hub != nil {
		body["clients"] = s.config.Hub.Clients()
	}
	writeJSON(w, body)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within five seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("server").WithField("addr", addr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if s.config.Hub != nil {
		s.config.Hub.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
