// Package publish streams live EAR telemetry and detection events to an MQTT broker.
package publish

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nosleep-drive/nosleep/internal/log"
	"golang.org/x/time/rate"
)

// Sample is one frame's EAR reading.
type Sample struct {
	EAR       float64   `json:"ear"`
	Threshold float64   `json:"threshold"`
	Closed    bool      `json:"closed"`
	State     string    `json:"state"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// Event is a debounced transition or a sleepiness detection.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	EAR       float64   `json:"ear"`
	Threshold float64   `json:"threshold"`
	Source    string    `json:"source"`
	At        time.Time `json:"at"`
}

// Status is the device health snapshot.
type Status struct {
	Camera    bool      `json:"camera"`
	Accel     bool      `json:"accel"`
	Speaker   bool      `json:"speaker"`
	Moving    bool      `json:"moving"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// Publisher sends telemetry somewhere. Implementations must be safe for concurrent use.
type Publisher interface {
	PublishSample(s Sample) error
	PublishEvent(e Event) error
	PublishStatus(s Status) error
	Close() error
}

var _ Publisher = (*MQTT)(nil)

// Noop discards everything.
type Noop struct{}

func (Noop) PublishSample(Sample) error { return nil }
func (Noop) PublishEvent(Event) error   { return nil }
func (Noop) PublishStatus(Status) error { return nil }
func (Noop) Close() error               { return nil }

// Config tunes the MQTT publisher.
type Config struct {
	// TopicPrefix roots every topic; the device UID is appended.
	TopicPrefix string

	// SampleRate caps EAR samples per second. Events are never throttled.
	SampleRate float64

	// Timeout bounds each publish wait.
	Timeout time.Duration
}

// DefaultConfig publishes at most 5 samples per second under nosleep/.
func DefaultConfig() Config {
	return Config{TopicPrefix: "nosleep", SampleRate: 5, Timeout: 2 * time.Second}
}

// MQTT publishes JSON payloads over a paho client.
type MQTT struct {
	client  mqtt.Client
	config  Config
	limiter *rate.Limiter
	topics  topics
	mu      sync.Mutex
	dropped int
}

type topics struct {
	ear, events, status string
}

// Connect dials broker and returns a publisher for deviceUID.
func Connect(broker, deviceUID string, config Config) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("nosleep-" + deviceUID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}

	log.WithComponent("publish").WithField("broker", broker).Info("connected to MQTT")
	return New(client, deviceUID, config), nil
}

// New wraps an already connected client.
func New(client mqtt.Client, deviceUID string, config Config) *MQTT {
	def := DefaultConfig()
	if config.TopicPrefix == "" {
		config.TopicPrefix = def.TopicPrefix
	}
	if config.SampleRate <= 0 {
		config.SampleRate = def.SampleRate
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	root := config.TopicPrefix + "/" + deviceUID
	return &MQTT{
		client:  client,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.SampleRate), 1),
		topics: topics{
			ear:    root + "/ear",
			events: root + "/events",
			status: root + "/status",
		},
	}
}

// PublishSample sends s at QoS 0, silently dropping samples above the rate limit.
func (m *MQTT) PublishSample(s Sample) error {
	if !m.limiter.Allow() {
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		return nil
	}
	return m.publish(m.topics.ear, 0, false, s)
}

// PublishEvent sends e at QoS 1.
func (m *MQTT) PublishEvent(e Event) error {
	return m.publish(m.topics.events, 1, false, e)
}

// PublishStatus sends s as a retained message so new subscribers see the latest health.
func (m *MQTT) PublishStatus(s Status) error {
	return m.publish(m.topics.status, 1, true, s)
}

// Dropped returns the number of samples suppressed by the rate limit.
func (m *MQTT) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close disconnects, allowing 250ms for in-flight messages.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

func (m *MQTT) publish(topic string, qos byte, retained bool, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	t := m.client.Publish(topic, qos, retained, b)
	if !t.WaitTimeout(m.config.Timeout) {
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}
