// Package plugin runs external alert plugins when the driver's eye state changes.
// Plugins are executables that read one JSON Request on stdin and write one
// JSON Response on stdout.
package plugin

import (
	"encoding/json"
	"time"
)

// Manifest describes a plugin's metadata and capabilities.
type Manifest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Executable  string   `json:"executable"`
	Actions     []string `json:"actions"`

	// Events lists the event kinds the plugin is notified of
	// ("sleepiness", "closed", "open").
	Events       []string        `json:"events"`
	Config       json.RawMessage `json:"config,omitempty"`
	ConfigSchema json.RawMessage `json:"configSchema,omitempty"`
}

// Supports reports whether the manifest declares action.
func (m Manifest) Supports(action string) bool {
	for _, a := range m.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Subscribes reports whether the plugin wants events of kind.
func (m Manifest) Subscribes(kind string) bool {
	for _, e := range m.Events {
		if e == kind {
			return true
		}
	}
	return false
}

// Well-known actions.
const (
	// ActionAlert asks the plugin to warn the driver.
	ActionAlert = "alert"
	// ActionCheck asks the plugin to report whether its hardware is usable.
	ActionCheck = "check"
	// ActionStart plays the start-up cue.
	ActionStart = "start"
	// ActionVolume sets the output volume from params {"volume": 0-100}.
	ActionVolume = "volume"
)

// Event is the detection a plugin is reacting to.
type Event struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	DeviceUID  string    `json:"deviceUid"`
	EAR        float64   `json:"ear"`
	Threshold  float64   `json:"threshold"`
	DetectedAt time.Time `json:"detectedAt"`
}

// Request represents a request sent to a plugin for execution.
type Request struct {
	Action string          `json:"action"`
	Event  *Event          `json:"event,omitempty"`
	Config json.RawMessage `json:"config"`
	Params json.RawMessage `json:"params"`
}

// Response represents the response from a plugin execution.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Plugin represents a discovered plugin with its manifest and location.
type Plugin struct {
	Manifest   Manifest
	Path       string
	Executable string
}
