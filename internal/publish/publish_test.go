package publish

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	ch := make(chan struct{})
	close(ch)
	return &fakeToken{err: err, done: ch}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

// fakeClient records publishes. Methods not overridden panic via the nil embed.
type fakeClient struct {
	mqtt.Client
	mu           sync.Mutex
	messages     []message
	err          error
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message{topic, qos, retained, payload.([]byte)})
	return newToken(c.err)
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func TestMQTT_Topics(t *testing.T) {
	c := &fakeClient{}
	p := New(c, "rasp-0001", Config{})

	require.NoError(t, p.PublishEvent(Event{ID: "e1", Kind: "sleepiness", Source: "local"}))
	require.NoError(t, p.PublishStatus(Status{Camera: true}))
	require.NoError(t, p.PublishSample(Sample{EAR: 0.3}))

	require.Len(t, c.messages, 3)
	assert.Equal(t, "nosleep/rasp-0001/events", c.messages[0].topic)
	assert.Equal(t, byte(1), c.messages[0].qos)
	assert.False(t, c.messages[0].retained)

	assert.Equal(t, "nosleep/rasp-0001/status", c.messages[1].topic)
	assert.True(t, c.messages[1].retained)

	assert.Equal(t, "nosleep/rasp-0001/ear", c.messages[2].topic)
	assert.Equal(t, byte(0), c.messages[2].qos)

	var ev Event
	require.NoError(t, json.Unmarshal(c.messages[0].payload, &ev))
	assert.Equal(t, "sleepiness", ev.Kind)
}

func TestMQTT_SampleRateLimit(t *testing.T) {
	c := &fakeClient{}
	p := New(c, "d", Config{SampleRate: 1})

	for i := 0; i < 10; i++ {
		require.NoError(t, p.PublishSample(Sample{EAR: 0.3}))
	}
	assert.Len(t, c.messages, 1, "burst of one then throttled")
	assert.Equal(t, 9, p.Dropped())

	// Events bypass the limiter.
	for i := 0; i < 3; i++ {
		require.NoError(t, p.PublishEvent(Event{Kind: "closed"}))
	}
	assert.Len(t, c.messages, 4)
}

func TestMQTT_PublishError(t *testing.T) {
	boom := errors.New("not connected")
	c := &fakeClient{err: boom}
	p := New(c, "d", Config{TopicPrefix: "fleet"})

	err := p.PublishEvent(Event{Kind: "open"})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fleet/d/events")
}

func TestMQTT_Close(t *testing.T) {
	c := &fakeClient{}
	require.NoError(t, New(c, "d", Config{}).Close())
	assert.True(t, c.disconnected)
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.PublishSample(Sample{}))
	assert.NoError(t, p.PublishEvent(Event{}))
	assert.NoError(t, p.PublishStatus(Status{}))
	assert.NoError(t, p.Close())
}
