package mqtt

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powermaster/energy-optimiser/core"
)

type fakeToken struct{ err error }

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool  { return true }
func (f *fakeToken) Done() <-chan struct{}           { ch := make(chan struct{}); close(ch); return ch }
func (f *fakeToken) Error() error                    { return f.err }

type fakeClient struct {
	connected bool
	published []Message
}

func (c *fakeClient) IsConnected() bool       { return c.connected }
func (c *fakeClient) IsConnectionOpen() bool  { return c.connected }
func (c *fakeClient) Connect() paho.Token     { return &fakeToken{} }
func (c *fakeClient) Disconnect(quiesce uint) {}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	var p []byte
	switch v := payload.(type) {
	case []byte:
		p = v
	case string:
		p = []byte(v)
	}
	c.published = append(c.published, Message{Topic: topic, Payload: p, QoS: qos, Retain: retained})
	return &fakeToken{}
}
func (c *fakeClient) Subscribe(topic string, qos byte, cb paho.MessageHandler) paho.Token { return &fakeToken{} }
func (c *fakeClient) SubscribeMultiple(filters map[string]byte, cb paho.MessageHandler) paho.Token {
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(topics ...string) paho.Token { return &fakeToken{} }
func (c *fakeClient) AddRoute(topic string, cb paho.MessageHandler) {}
func (c *fakeClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

func newTestPublisher(connected bool) (*Publisher, *fakeClient) {
	fc := &fakeClient{connected: connected}
	return &Publisher{
		logger: log.New(os.Stdout, "[TEST] ", 0),
		client: fc,
		prefix: "homeassistant",
	}, fc
}

func TestPublishWhileDisconnectedQueues(t *testing.T) {
	p, fc := newTestPublisher(false)
	err := p.Publish(context.Background(), Message{Topic: "powermaster/telemetry/state", Payload: []byte("x")})
	require.NoError(t, err)
	assert.Empty(t, fc.published)
	assert.Len(t, p.queue, 1)
}

func TestFlushQueuePublishesOnReconnect(t *testing.T) {
	p, fc := newTestPublisher(false)
	p.Publish(context.Background(), Message{Topic: "a", Payload: []byte("1")})
	p.Publish(context.Background(), Message{Topic: "b", Payload: []byte("2")})

	fc.connected = true
	p.flushQueue()

	assert.Len(t, fc.published, 2)
	assert.Empty(t, p.queue)
}

func TestPublishTelemetryWhenConnected(t *testing.T) {
	p, fc := newTestPublisher(true)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	err := p.PublishTelemetry(context.Background(), core.Telemetry{SOC: 0.6, InverterMode: core.SelfUse, ReadAt: now})
	require.NoError(t, err)
	require.Len(t, fc.published, 1)
	assert.Equal(t, "powermaster/telemetry/state", fc.published[0].Topic)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(fc.published[0].Payload, &decoded))
	assert.InDelta(t, 0.6, decoded["soc"], 1e-9)
}

func TestPublishSensorDiscoveryShape(t *testing.T) {
	p, fc := newTestPublisher(true)
	err := p.PublishSensorDiscovery(context.Background(), "soc", "Battery SOC", "powermaster/telemetry/state", "%", "battery", 1)
	require.NoError(t, err)
	require.Len(t, fc.published, 1)
	assert.Equal(t, "homeassistant/sensor/powermaster_soc/config", fc.published[0].Topic)
	assert.True(t, fc.published[0].Retain)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(fc.published[0].Payload, &decoded))
	assert.Equal(t, "powermaster_soc", decoded["unique_id"])
}

func TestDeviceIDSlugifies(t *testing.T) {
	assert.Equal(t, "ev_charger", deviceID("EV Charger"))
}
