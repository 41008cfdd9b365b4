package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
)

// haDevice is the shared "device" block every discovery payload embeds,
// following CreateBatteryEntity/CreateDebugSensor's haDeviceConfig shape.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type haSensorConfig struct {
	Name                string   `json:"name,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateTopic          string   `json:"state_topic"`
	UnitOfMeasure       string   `json:"unit_of_measurement,omitempty"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	UniqueId            string   `json:"unique_id"`
	StateClass          string   `json:"state_class,omitempty"`
	DisplayPrecision    int      `json:"suggested_display_precision,omitempty"`
	Device              haDevice `json:"device"`
}

type haSelectConfig struct {
	Name         string   `json:"name"`
	StateTopic   string   `json:"state_topic"`
	CommandTopic string   `json:"command_topic"`
	Options      []string `json:"options"`
	UniqueId     string   `json:"unique_id"`
	Device       haDevice `json:"device"`
}

var powerMasterDevice = haDevice{
	Identifiers:  []string{"powermaster"},
	Name:         "Power Master",
	Manufacturer: "Power Master",
}

// PublishSensorDiscovery announces one sensor entity (telemetry field,
// accounting figure) via Home Assistant MQTT discovery, following
// CreateBatteryEntity/CreateDebugSensor.
func (p *Publisher) PublishSensorDiscovery(ctx context.Context, id, name, stateTopic, unit, deviceClass string, precision int) error {
	cfg := haSensorConfig{
		Name:             name,
		DeviceClass:      deviceClass,
		StateTopic:       stateTopic,
		UnitOfMeasure:    unit,
		UniqueId:         "powermaster_" + id,
		StateClass:       "measurement",
		DisplayPrecision: precision,
		Device:           powerMasterDevice,
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("mqtt: marshal discovery payload for %s: %w", id, err)
	}
	topic := p.prefix + "/sensor/powermaster_" + id + "/config"
	return p.Publish(ctx, Message{Topic: topic, Payload: payload, QoS: 2, Retain: true})
}

// PublishModeSelectDiscovery announces the inverter-mode select entity,
// letting the dashboard read and set the override mode through Home
// Assistant, following CreatePowerctlSwitch's command_topic pattern.
func (p *Publisher) PublishModeSelectDiscovery(ctx context.Context, modes []string) error {
	cfg := haSelectConfig{
		Name:         "Power Master Mode",
		StateTopic:   "powermaster/decision/mode",
		CommandTopic: "powermaster/override/set",
		Options:      modes,
		UniqueId:     "powermaster_mode_select",
		Device:       powerMasterDevice,
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("mqtt: marshal mode select discovery: %w", err)
	}
	topic := p.prefix + "/select/powermaster_mode/config"
	return p.Publish(ctx, Message{Topic: topic, Payload: payload, QoS: 2, Retain: true})
}

// PublishStandardDiscovery announces the fixed set of telemetry/accounting
// sensors the dashboard always exposes.
func (p *Publisher) PublishStandardDiscovery(ctx context.Context) error {
	sensors := []struct {
		id, name, topic, unit, class string
		precision                    int
	}{
		{"soc", "Battery SOC", "powermaster/telemetry/state", "%", "battery", 1},
		{"solar_w", "Solar Power", "powermaster/telemetry/state", "W", "power", 0},
		{"grid_w", "Grid Power", "powermaster/telemetry/state", "W", "power", 0},
		{"wacb", "Battery WACB", "powermaster/accounting/state", "c/kWh", "monetary", 2},
	}
	for _, s := range sensors {
		if err := p.PublishSensorDiscovery(ctx, s.id, s.name, s.topic, s.unit, s.class, s.precision); err != nil {
			return err
		}
	}
	return p.PublishModeSelectDiscovery(ctx, []string{"SELF_USE", "SELF_USE_ZERO_EXPORT", "FORCE_CHARGE", "FORCE_DISCHARGE", "CHARGE_NO_IMPORT"})
}
