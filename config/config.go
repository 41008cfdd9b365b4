// Package config loads and validates the Power Master configuration
// document, generalizing the teacher's scheduler.Config (a flat JSON
// struct with DefaultConfig/LoadConfig/Validate) into the sectioned
// document the spec's domains need: hardware, battery, providers,
// arbitrage, storm, planning, loads, mqtt, dashboard, accounting,
// fixed_costs, resilience, anti_oscillation, logging.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/powermaster/energy-optimiser/core"
)

// Config is the full configuration document. It is read once at startup
// and the runtime holds that one value; nothing reloads it while running,
// so every change (Hardware.* and Battery.CapacityKWh included) takes
// effect on restart.
type Config struct {
	Hardware      HardwareConfig      `json:"hardware"`
	Battery       BatteryConfig       `json:"battery"`
	Providers     ProvidersConfig     `json:"providers"`
	Arbitrage     ArbitrageConfig     `json:"arbitrage"`
	Storm         StormConfig         `json:"storm"`
	Planning      PlanningConfig      `json:"planning"`
	Loads         []LoadConfig        `json:"loads"`
	MQTT          MQTTConfig          `json:"mqtt"`
	Dashboard     DashboardConfig     `json:"dashboard"`
	Accounting    AccountingConfig    `json:"accounting"`
	FixedCosts    FixedCostsConfig    `json:"fixed_costs"`
	Resilience    ResilienceConfig    `json:"resilience"`
	AntiOsc       AntiOscillationConfig `json:"anti_oscillation"`
	Logging       LoggingConfig       `json:"logging"`
}

type HardwareConfig struct {
	InverterModbusAddress string  `json:"inverter_modbus_address"` // host:port
	InverterUnitID        int     `json:"inverter_unit_id"`
	Latitude              float64 `json:"latitude"`
	Longitude             float64 `json:"longitude"`
}

type BatteryConfig struct {
	CapacityKWh        float64 `json:"capacity_kwh"`
	SOCMinHard         float64 `json:"soc_min_hard"`
	SOCMinSoft         float64 `json:"soc_min_soft"`
	SOCMax             float64 `json:"soc_max"`
	MaxChargeW         float64 `json:"max_charge_w"`
	MaxDischargeW      float64 `json:"max_discharge_w"`
	RoundTripEff       float64 `json:"round_trip_eff"`
	DegradationCPerKWh float64 `json:"degradation_c_per_kwh"`
}

// ToCore converts the configured battery section into the planner/core's
// BatteryParams shape.
func (b BatteryConfig) ToCore() core.BatteryParams {
	return core.BatteryParams{
		CapacityKWh:        b.CapacityKWh,
		SOCMinHard:         b.SOCMinHard,
		SOCMinSoft:         b.SOCMinSoft,
		SOCMax:             b.SOCMax,
		MaxChargeW:         b.MaxChargeW,
		MaxDischargeW:      b.MaxDischargeW,
		RoundTripEff:       b.RoundTripEff,
		DegradationCPerKWh: b.DegradationCPerKWh,
	}
}

type ProvidersConfig struct {
	SolarFreshTTL   time.Duration `json:"solar_fresh_ttl"`
	WeatherFreshTTL time.Duration `json:"weather_fresh_ttl"`
	StormFreshTTL   time.Duration `json:"storm_fresh_ttl"`
	HTTPTimeout     time.Duration `json:"http_timeout"`
	BaselineLoadW   float64       `json:"baseline_load_w"`
	SolarPercentile string        `json:"solar_percentile"` // p10|p50|p90
}

type ArbitrageConfig struct {
	SpikeThresholdC float64 `json:"spike_threshold_c"`
	EnabledWhenDegraded bool `json:"enabled_when_degraded"`
}

type StormConfig struct {
	ProbThreshold  float64       `json:"prob_threshold"`
	HorizonHours   int           `json:"horizon_hours"`
	ReserveSOC     float64       `json:"reserve_soc"`
	ChargeW        float64       `json:"charge_w"`
}

type PlanningConfig struct {
	TickInterval       time.Duration `json:"tick_interval"`
	PlannerWallTimeout time.Duration `json:"planner_wall_timeout"`
	RebuildDriftKWh    float64       `json:"rebuild_drift_kwh"`
}

// LoadConfig is the JSON/YAML-document shape of one deferrable load; it maps
// onto core.LoadDefinition via ToDefinition.
type LoadConfig struct {
	Name             string `json:"name" yaml:"name"`
	PowerW           float64 `json:"power_w" yaml:"power_w"`
	PriorityClass    int    `json:"priority_class" yaml:"priority_class"`
	MinRuntimeMin    int    `json:"min_runtime_min" yaml:"min_runtime_min"`
	IdealRuntimeMin  int    `json:"ideal_runtime_min" yaml:"ideal_runtime_min"`
	MaxRuntimeMin    int    `json:"max_runtime_min" yaml:"max_runtime_min"`
	EarliestH        int    `json:"earliest_h" yaml:"earliest_h"`
	LatestH          int    `json:"latest_h" yaml:"latest_h"`
	DaysOfWeek       []int  `json:"days_of_week" yaml:"days_of_week"` // 0=Sunday
	PreferSolar      bool   `json:"prefer_solar" yaml:"prefer_solar"`
	AllowSplitShifts bool   `json:"allow_split_shifts" yaml:"allow_split_shifts"`
	Enabled          bool   `json:"enabled" yaml:"enabled"`
}

type MQTTConfig struct {
	BrokerURL      string        `json:"broker_url"`
	ClientID       string        `json:"client_id"`
	PublishTimeout time.Duration `json:"publish_timeout"`
	HADiscoveryPrefix string     `json:"ha_discovery_prefix"`
}

type DashboardConfig struct {
	ListenAddress string `json:"listen_address"`
	EventsHz      float64 `json:"events_hz"`
}

type AccountingConfig struct {
	RolloverDayOfMonth int `json:"rollover_day_of_month"`
}

type FixedCostsConfig struct {
	MonthlyStandingC float64 `json:"monthly_standing_c"`
}

type ResilienceConfig struct {
	UnhealthyAfterNFailures int `json:"unhealthy_after_n_failures"`
}

type AntiOscillationConfig struct {
	MinModeDwell        time.Duration `json:"min_mode_dwell"`
	PowerHysteresisW    float64       `json:"power_hysteresis_w"`
	MaxModeChangesPerHr int           `json:"max_mode_changes_per_hour"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug|info|warn|error
	Format string `json:"format"` // text|json
}

// DefaultConfig mirrors the teacher's DefaultConfig, adapted to the
// sectioned document and Power Master's domain defaults.
func DefaultConfig() *Config {
	return &Config{
		Hardware: HardwareConfig{
			InverterUnitID: 1,
			Latitude:       56.9496,
			Longitude:      24.1052,
		},
		Battery: BatteryConfig{
			CapacityKWh:        13.5,
			SOCMinHard:         0.05,
			SOCMinSoft:         0.15,
			SOCMax:             0.95,
			MaxChargeW:         5000,
			MaxDischargeW:      5000,
			RoundTripEff:       0.90,
			DegradationCPerKWh: 2.0,
		},
		Providers: ProvidersConfig{
			SolarFreshTTL:   2 * time.Hour,
			WeatherFreshTTL: 2 * time.Hour,
			StormFreshTTL:   6 * time.Hour,
			HTTPTimeout:     10 * time.Second,
			BaselineLoadW:   500,
			SolarPercentile: "p50",
		},
		Arbitrage: ArbitrageConfig{
			SpikeThresholdC:     80,
			EnabledWhenDegraded: false,
		},
		Storm: StormConfig{
			ProbThreshold: 0.5,
			HorizonHours:  12,
			ReserveSOC:    0.6,
			ChargeW:       3000,
		},
		Planning: PlanningConfig{
			TickInterval:       300 * time.Second,
			PlannerWallTimeout: 20 * time.Second,
			RebuildDriftKWh:    0.5,
		},
		MQTT: MQTTConfig{
			ClientID:          "powermaster",
			PublishTimeout:    5 * time.Second,
			HADiscoveryPrefix: "homeassistant",
		},
		Dashboard: DashboardConfig{
			ListenAddress: ":8080",
			EventsHz:      2,
		},
		Accounting: AccountingConfig{
			RolloverDayOfMonth: 1,
		},
		Resilience: ResilienceConfig{
			UnhealthyAfterNFailures: 3,
		},
		AntiOsc: AntiOscillationConfig{
			MinModeDwell:        10 * time.Minute,
			PowerHysteresisW:    200,
			MaxModeChangesPerHr: 6,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfigFile loads the configuration document from a JSON file.
func LoadConfigFile(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("config: open: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader decodes a JSON configuration document over the
// defaults and validates the result.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode json: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// SaveConfigFile writes the configuration document to a JSON file.
func (c *Config) SaveConfigFile(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("config: create: %w", err)
	}
	defer file.Close()
	return c.SaveConfigToBuffer(file)
}

// SaveConfigToBuffer writes the configuration document as JSON to any
// io.Writer, following the teacher's SaveConfigToWriter split.
func (c *Config) SaveConfigToBuffer(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("config: encode json: %w", err)
	}
	return nil
}

// Validate checks the document's structural invariants, following the
// teacher's per-field fmt.Errorf style.
func (c *Config) Validate() error {
	if c.Hardware.Latitude < -90 || c.Hardware.Latitude > 90 {
		return fmt.Errorf("hardware.latitude must be between -90 and 90, got: %f", c.Hardware.Latitude)
	}
	if c.Hardware.Longitude < -180 || c.Hardware.Longitude > 180 {
		return fmt.Errorf("hardware.longitude must be between -180 and 180, got: %f", c.Hardware.Longitude)
	}

	if c.Battery.CapacityKWh <= 0 {
		return fmt.Errorf("battery.capacity_kwh must be positive, got: %f", c.Battery.CapacityKWh)
	}
	if c.Battery.SOCMinHard > c.Battery.SOCMinSoft || c.Battery.SOCMinSoft > c.Battery.SOCMax {
		return fmt.Errorf("battery soc bounds must satisfy soc_min_hard <= soc_min_soft <= soc_max, got: %f/%f/%f",
			c.Battery.SOCMinHard, c.Battery.SOCMinSoft, c.Battery.SOCMax)
	}
	if c.Battery.RoundTripEff <= 0 || c.Battery.RoundTripEff > 1 {
		return fmt.Errorf("battery.round_trip_eff must be in (0,1], got: %f", c.Battery.RoundTripEff)
	}

	if c.Providers.SolarFreshTTL <= 0 || c.Providers.WeatherFreshTTL <= 0 || c.Providers.StormFreshTTL <= 0 {
		return fmt.Errorf("provider fresh TTLs must be positive")
	}
	validPercentiles := map[string]bool{"p10": true, "p50": true, "p90": true}
	if !validPercentiles[c.Providers.SolarPercentile] {
		return fmt.Errorf("providers.solar_percentile must be one of p10, p50, p90, got: %s", c.Providers.SolarPercentile)
	}

	if c.Planning.TickInterval <= 0 {
		return fmt.Errorf("planning.tick_interval must be positive, got: %s", c.Planning.TickInterval)
	}

	for _, l := range c.Loads {
		if l.MinRuntimeMin > l.IdealRuntimeMin || l.IdealRuntimeMin > l.MaxRuntimeMin {
			return fmt.Errorf("load %q: min_runtime_min <= ideal_runtime_min <= max_runtime_min violated", l.Name)
		}
	}

	if c.Accounting.RolloverDayOfMonth < 1 || c.Accounting.RolloverDayOfMonth > 28 {
		return fmt.Errorf("accounting.rollover_day_of_month must be between 1 and 28, got: %d", c.Accounting.RolloverDayOfMonth)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of text, json, got: %s", c.Logging.Format)
	}

	return nil
}
