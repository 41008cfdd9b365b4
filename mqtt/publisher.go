// Package mqtt publishes applied commands, telemetry and accounting
// snapshots to an MQTT broker and builds Home Assistant discovery payloads,
// generalizing the teacher's MQTTSender/mqttSenderWorker (queue-while-
// disconnected, publish-on-reconnect) from a Bitcoin-miner powerctl panel to
// Power Master's inverter/load/accounting entities.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/powermaster/energy-optimiser/core"
)

// Message is one outgoing MQTT publish.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Publisher wraps a paho client, queuing messages while disconnected and
// flushing them on (re)connect, following mqttSenderWorker's shape.
type Publisher struct {
	logger *log.Logger
	client paho.Client
	prefix string // Home Assistant discovery prefix

	mu    sync.Mutex
	queue []Message
}

// NewPublisher dials the broker with auto-reconnect and connect-retry
// enabled, publishing under topics namespaced "powermaster/...".
func NewPublisher(brokerURL, clientID string, logger *log.Logger) (*Publisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	p := &Publisher{logger: logger, prefix: "homeassistant"}

	opts.SetOnConnectHandler(func(c paho.Client) {
		p.flushQueue()
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", brokerURL, err)
	}
	p.client = client
	return p, nil
}

// Close disconnects the underlying client, waiting up to 5s per §5's MQTT
// publish timeout.
func (p *Publisher) Close() {
	p.client.Disconnect(5000)
}

// Publish sends or, while disconnected, queues a message, honouring ctx's
// deadline for the wait on the publish token.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	if !p.client.IsConnected() {
		p.mu.Lock()
		p.queue = append(p.queue, msg)
		p.mu.Unlock()
		return nil
	}

	token := p.client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
	select {
	case <-tokenDone(token):
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func tokenDone(token paho.Token) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	return done
}

func (p *Publisher) flushQueue() {
	p.mu.Lock()
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, msg := range queued {
		token := p.client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
		token.Wait()
		if err := token.Error(); err != nil {
			p.logger.Printf("mqtt: failed to publish queued message to %s: %v", msg.Topic, err)
		}
	}
	if len(queued) > 0 {
		p.logger.Printf("mqtt: flushed %d queued messages", len(queued))
	}
}

// PublishTelemetry publishes the latest inverter telemetry as JSON under
// powermaster/telemetry/state.
func (p *Publisher) PublishTelemetry(ctx context.Context, t core.Telemetry) error {
	payload, err := json.Marshal(struct {
		SOC      float64 `json:"soc"`
		SolarW   float64 `json:"solar_w"`
		LoadW    float64 `json:"load_w"`
		GridW    float64 `json:"grid_w"`
		BatteryW float64 `json:"battery_w"`
		Mode     string  `json:"mode"`
		ReadAt   time.Time `json:"read_at"`
	}{t.SOC, t.SolarW, t.LoadW, t.GridW, t.BatteryW, t.InverterMode.String(), t.ReadAt})
	if err != nil {
		return fmt.Errorf("mqtt: marshal telemetry: %w", err)
	}
	return p.Publish(ctx, Message{Topic: "powermaster/telemetry/state", Payload: payload, QoS: 0})
}

// PublishDecision publishes the arbitrator's most recently applied command.
func (p *Publisher) PublishDecision(ctx context.Context, d core.Decision) error {
	payload, err := json.Marshal(struct {
		Mode      string  `json:"mode"`
		PowerW    float64 `json:"power_w"`
		ExportCapW float64 `json:"export_cap_w"`
		Source    string  `json:"source"`
		Rationale string  `json:"rationale"`
	}{d.TargetMode.String(), d.PowerW, d.ExportCapW, string(d.Source), d.Rationale})
	if err != nil {
		return fmt.Errorf("mqtt: marshal decision: %w", err)
	}
	return p.Publish(ctx, Message{Topic: "powermaster/decision/state", Payload: payload, QoS: 1, Retain: true})
}

// PublishAccounting publishes the current billing-cycle accounting snapshot.
func (p *Publisher) PublishAccounting(ctx context.Context, s core.AccountingState) error {
	payload, err := json.Marshal(struct {
		WACBCPerKWh     float64 `json:"wacb_c_per_kwh"`
		StoredEnergyKWh float64 `json:"stored_energy_kwh"`
		ImportC         float64 `json:"import_c"`
		ExportC         float64 `json:"export_c"`
		ArbitrageC      float64 `json:"arbitrage_c"`
	}{s.WACBCPerKWh, s.StoredEnergyKWh, s.Cycle.ImportC, s.Cycle.ExportC, s.Cycle.ArbitrageC})
	if err != nil {
		return fmt.Errorf("mqtt: marshal accounting: %w", err)
	}
	return p.Publish(ctx, Message{Topic: "powermaster/accounting/state", Payload: payload, QoS: 0, Retain: true})
}

// deviceID derives a slug from a human device name, following
// CreateBatteryEntity's identifier convention.
func deviceID(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}
