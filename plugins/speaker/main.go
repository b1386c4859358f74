// Package main provides the speaker alert plugin.
// It plays alert sounds through VLC's console player and sets the ALSA master volume.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Request represents the input from the plugin executor.
type Request struct {
	Action string          `json:"action"`
	Event  json.RawMessage `json:"event,omitempty"`
	Config json.RawMessage `json:"config"`
	Params json.RawMessage `json:"params"`
}

// Response represents the output to the plugin executor.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Config is the plugin configuration from plugin.json or the request.
type Config struct {
	AlertFile string `json:"alertFile"`
	StartFile string `json:"startFile"`
	Volume    int    `json:"volume"`
}

// soundParams overrides the configured file and volume for one request.
type soundParams struct {
	File   string `json:"file"`
	Volume *int   `json:"volume"`
}

var errNoPlayer = errors.New("VLC player not found, install it with: sudo apt-get install vlc")

// actionHandler defines a function type for handling specific actions.
type actionHandler func(cfg Config, params json.RawMessage) (interface{}, error)

// actionHandlers maps action names to their handler functions.
var actionHandlers = map[string]actionHandler{
	"alert":  alert,
	"start":  start,
	"check":  check,
	"volume": setVolume,
}

func main() {
	var req Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		writeErrorResponse(fmt.Sprintf("failed to decode request: %v", err))
		return
	}

	handler, ok := actionHandlers[req.Action]
	if !ok {
		writeErrorResponse(fmt.Sprintf("unknown action: %s", req.Action))
		return
	}

	cfg := Config{AlertFile: "sounds/alert.mp3", StartFile: "sounds/start.mp3", Volume: 70}
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			writeErrorResponse(fmt.Sprintf("invalid config: %v", err))
			return
		}
	}

	data, err := handler(cfg, req.Params)
	if err != nil {
		writeErrorResponse(fmt.Sprintf("action %s failed: %v", req.Action, err))
		return
	}

	writeSuccessResponse(data)
}

func alert(cfg Config, params json.RawMessage) (interface{}, error) {
	p, err := parseParams(params)
	if err != nil {
		return nil, err
	}
	return play(p.file(cfg.AlertFile), p.volume(cfg.Volume))
}

func start(cfg Config, params json.RawMessage) (interface{}, error) {
	p, err := parseParams(params)
	if err != nil {
		return nil, err
	}
	return play(p.file(cfg.StartFile), p.volume(cfg.Volume))
}

func parseParams(params json.RawMessage) (soundParams, error) {
	var p soundParams
	if len(params) == 0 || string(params) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return p, fmt.Errorf("invalid params: %w", err)
	}
	return p, nil
}

func (p soundParams) file(def string) string {
	if p.File != "" {
		return p.File
	}
	return def
}

func (p soundParams) volume(def int) int {
	if p.Volume != nil {
		return *p.Volume
	}
	return def
}

// check reports whether cvlc is installed. A missing sound file is only a warning.
func check(cfg Config, _ json.RawMessage) (interface{}, error) {
	if _, err := exec.LookPath("cvlc"); err != nil {
		return nil, errNoPlayer
	}
	_, statErr := os.Stat(resolve(cfg.AlertFile))
	return map[string]interface{}{
		"player":     "cvlc",
		"alertFound": statErr == nil,
	}, nil
}

func setVolume(cfg Config, params json.RawMessage) (interface{}, error) {
	p, err := parseParams(params)
	if err != nil {
		return nil, err
	}
	vol := clampVolume(p.volume(cfg.Volume))

	cmd := exec.Command("amixer", "set", "Master", fmt.Sprintf("%d%%", vol), "-q")
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return map[string]int{"volume": vol}, nil
}

// play starts cvlc in the background and returns without waiting for playback.
func play(file string, volume int) (interface{}, error) {
	if _, err := exec.LookPath("cvlc"); err != nil {
		return nil, errNoPlayer
	}

	path := resolve(file)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("sound file not found: %s", path)
	}

	cmd := exec.Command("cvlc", "--play-and-exit", "--no-loop", "--gain="+gain(volume), "--no-video", path)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()

	return map[string]interface{}{"file": path, "volume": clampVolume(volume), "pid": pid}, nil
}

// gain maps a 0-100 volume to VLC's gain where 1.0 is unity.
// The intermediate value is VLC's 0-512 volume scale, truncated.
func gain(volume int) string {
	vlc := clampVolume(volume) * 256 / 100
	return fmt.Sprintf("%f", float64(vlc)/256.0)
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// resolve makes relative sound paths relative to the plugin directory,
// which the executor sets as the working directory.
func resolve(file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	wd, err := os.Getwd()
	if err != nil {
		return file
	}
	return filepath.Join(wd, file)
}

// writeErrorResponse writes an error response to stdout.
func writeErrorResponse(errMsg string) {
	resp := Response{
		Success: false,
		Error:   errMsg,
	}
	json.NewEncoder(os.Stdout).Encode(resp)
}

// writeSuccessResponse writes a success response to stdout.
func writeSuccessResponse(data interface{}) {
	resp := Response{
		Success: true,
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			resp.Data = raw
		}
	}
	json.NewEncoder(os.Stdout).Encode(resp)
}
