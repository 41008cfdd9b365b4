// Package main provides the Power Master entry point and CLI interface.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/powermaster/energy-optimiser/config"
	"github.com/powermaster/energy-optimiser/core"
	"github.com/powermaster/energy-optimiser/forecast"
	"github.com/powermaster/energy-optimiser/inverter"
	"github.com/powermaster/energy-optimiser/milp"
	"github.com/powermaster/energy-optimiser/mqtt"
	"github.com/powermaster/energy-optimiser/providers"
	"github.com/powermaster/energy-optimiser/resilience"
	"github.com/powermaster/energy-optimiser/runtime"
	"github.com/powermaster/energy-optimiser/server"
	"github.com/powermaster/energy-optimiser/storage"
	"github.com/powermaster/energy-optimiser/tariff"
)

// Exit codes, matching the teacher's convention of a bare fmt.Println plus
// return for recoverable errors but a distinct os.Exit for conditions that
// should page an operator.
const (
	exitOK                = 0
	exitConfigError       = 2
	exitStorageError      = 3
	exitInverterInitError = 4
)

func main() {
	var (
		configFile = flag.String("config", "config.json", "Configuration file path")
		help       = flag.Bool("help", false, "Show help message")
		dryRun     = flag.Bool("dry-run", false, "Run the control loop without writing to the inverter")
		planOnce   = flag.Bool("plan", false, "Build one plan, print it as a table, and exit")
		dbConn     = flag.String("db", "", "Postgres connection string; empty disables persistence")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	cfg, err := config.LoadConfigFile(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(exitConfigError)
	}

	logger := log.New(os.Stdout, "[POWERMASTER] ", log.LstdFlags)

	fmt.Printf("Starting Power Master with the following configuration:\n")
	fmt.Printf("  Inverter:        %s (unit %d)\n", cfg.Hardware.InverterModbusAddress, cfg.Hardware.InverterUnitID)
	fmt.Printf("  Battery:         %.1f kWh, %.0f/%.0fW charge/discharge\n", cfg.Battery.CapacityKWh, cfg.Battery.MaxChargeW, cfg.Battery.MaxDischargeW)
	fmt.Printf("  Tick interval:   %s\n", cfg.Planning.TickInterval)
	fmt.Printf("  Dashboard:       %s\n", cfg.Dashboard.ListenAddress)
	if *dryRun {
		fmt.Printf("  Mode:            DRY-RUN (inverter writes are simulated only)\n")
	}
	fmt.Println()

	var weather forecast.WeatherProvider
	if *dryRun {
		weather = providers.FlatWeather{TempC: 15, CloudFrac: 0.4, WindMPS: 3, Horizon: 48 * time.Hour, Step: 30 * time.Minute}
	} else {
		weather = forecast.NewYrWeatherProvider(
			"powermaster/1.0 github.com/powermaster/energy-optimiser",
			cfg.Hardware.Latitude,
			cfg.Hardware.Longitude,
			48*time.Hour,
		)
	}

	fc := forecast.NewAggregator(
		providers.ClearSkySolar{PeakW: cfg.Providers.BaselineLoadW * 8, Lat: cfg.Hardware.Latitude, Lon: cfg.Hardware.Longitude, Horizon: 48 * time.Hour, Step: 30 * time.Minute},
		weather,
		providers.NoStorm{},
		cfg.Providers.BaselineLoadW,
		cfg.Hardware.Latitude,
		cfg.Hardware.Longitude,
		logger,
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fc.PollSolar(ctx)
	fc.PollWeather(ctx)
	fc.PollStorm(ctx)
	go pollProviders(ctx, fc, cfg)

	ts := tariff.NewSeries(cfg.Arbitrage.SpikeThresholdC)
	solver := milp.NewDPSolver()

	var driver inverter.Driver
	if *dryRun {
		driver = dryRunDriver{}
	} else {
		d, err := inverter.NewModbusTCPDriver(cfg.Hardware.InverterModbusAddress, byte(cfg.Hardware.InverterUnitID), logger)
		if err != nil {
			fmt.Println("Error connecting to inverter:", err)
			os.Exit(exitInverterInitError)
		}
		driver = d
	}

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.BrokerURL != "" {
		p, err := mqtt.NewPublisher(cfg.MQTT.BrokerURL, cfg.MQTT.ClientID, logger)
		if err != nil {
			logger.Printf("mqtt: disabled, connect failed: %v", err)
		} else {
			mqttPub = p
		}
	}

	stores, db, err := openStores(*dbConn)
	if err != nil {
		fmt.Println("Error opening storage:", err)
		os.Exit(exitStorageError)
	}
	if db != nil {
		defer db.Close()
	}

	rt := runtime.New(cfg, logger, fc, ts, solver, driver, mqttPub, stores, time.Now())

	if *planOnce {
		runPlanOnce(rt)
		return
	}

	dash := server.New(rt, logger, cfg.Dashboard.ListenAddress, cfg.Dashboard.EventsHz)
	if err := dash.Start(); err != nil {
		logger.Printf("dashboard: failed to start: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go rt.Start(ctx)

	logger.Printf("Power Master started. Press Ctrl+C to stop...")
	<-sigChan
	logger.Printf("Shutdown signal received, stopping...")

	cancel()
	rt.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := dash.Stop(shutdownCtx); err != nil {
		logger.Printf("dashboard: shutdown error: %v", err)
	}

	logger.Printf("Power Master stopped successfully")
}

// openStores wires the Postgres-backed repositories when connString is
// non-empty, leaving every field nil (persistence disabled) otherwise.
func openStores(connString string) (runtime.Stores, *sql.DB, error) {
	if connString == "" {
		return runtime.Stores{}, nil, nil
	}
	db, err := storage.Open(connString)
	if err != nil {
		return runtime.Stores{}, nil, err
	}
	return runtime.Stores{
		Telemetry:  storage.NewTelemetryStore(db),
		Price:      storage.NewPriceStore(db),
		Plan:       storage.NewPlanStore(db),
		Accounting: storage.NewAccountingStore(db),
		LoadState:  storage.NewLoadStateStore(db),
		Override:   storage.NewOverrideStore(db),
	}, db, nil
}

// pollProviders keeps the forecast aggregator's caches fresh at half each
// provider's TTL on success, following the teacher's runPVPoll/runDataPoll
// loops. A failed poll is retried sooner, backing off exponentially (200ms
// -> 30s, jittered) instead of waiting out the full TTL again, per §7's
// transient-I/O retry policy.
func pollProviders(ctx context.Context, fc *forecast.Aggregator, cfg *config.Config) {
	go pollLoop(ctx, fc.PollSolar, cfg.Providers.SolarFreshTTL/2)
	go pollLoop(ctx, fc.PollWeather, cfg.Providers.WeatherFreshTTL/2)
	go pollLoop(ctx, fc.PollStorm, cfg.Providers.StormFreshTTL/2)
	<-ctx.Done()
}

// pollLoop calls poll repeatedly, waiting steadyInterval after a success and
// resilience.Backoff(attempt, ...) after a run of consecutive failures.
func pollLoop(ctx context.Context, poll func(context.Context) bool, steadyInterval time.Duration) {
	attempt := 0
	for {
		wait := steadyInterval
		if poll(ctx) {
			attempt = 0
		} else {
			wait = resilience.Backoff(attempt, rand.Float64)
			attempt++
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// dryRunDriver discards every SetMode write and reports a flat idle
// telemetry sample, letting the tick loop exercise planning and load
// scheduling without a reachable inverter.
type dryRunDriver struct{}

func (dryRunDriver) ReadTelemetry(ctx context.Context) (core.Telemetry, error) {
	return core.Telemetry{SOC: 0.5, InverterMode: core.SelfUse, ReadAt: time.Now()}, nil
}

func (dryRunDriver) SetMode(ctx context.Context, mode core.Mode, powerW, exportCapW *float64) error {
	return nil
}

func (dryRunDriver) Close() error { return nil }

func runPlanOnce(rt *runtime.Runtime) {
	fmt.Println("Building one plan...")
	time.Sleep(2 * time.Second) // let the initial provider poll land
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go rt.Start(ctx)
	time.Sleep(5 * time.Second)
	cancel()
	rt.Stop()

	p, ok := rt.PlanActive()
	if !ok {
		fmt.Println("No plan was produced")
		return
	}

	fmt.Println("\n========================================")
	fmt.Println("POWER MASTER PLAN")
	fmt.Println("========================================")
	fmt.Printf("Built at: %s   Status: %s\n\n", p.BuiltAt.Format("2006-01-02 15:04"), p.Status)

	fmt.Println("┌─────────────────────┬──────────────────┬───────────┬──────────────┬──────────────┐")
	fmt.Println("│     Slot start      │       Mode       │ Chg (W)   │  Dischg (W)  │ Expected SOC │")
	fmt.Println("├─────────────────────┼──────────────────┼───────────┼──────────────┼──────────────┤")
	for _, slot := range p.Slots {
		fmt.Printf("│ %19s │ %16s │ %9.0f │ %12.0f │ %11.1f%% │\n",
			slot.SlotStart.Format("2006-01-02 15:04"),
			slot.Mode.String(),
			slot.ChargeW,
			slot.DischargeW,
			slot.ExpectedSOC*100,
		)
	}
	fmt.Println("└─────────────────────┴──────────────────┴───────────┴──────────────┴──────────────┘")
	fmt.Printf("\nObjective: %.2f cents\n", p.ObjectiveCents)
}

func showHelp() {
	fmt.Println("Power Master - residential solar/battery/grid energy optimiser")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Drives a hybrid inverter toward the lowest-cost mode every tick, combining")
	fmt.Println("  a 48-hour solar/weather/price forecast, a mixed-integer battery plan, deferrable")
	fmt.Println("  load scheduling and an anti-oscillation guard. Exposes a JSON dashboard API")
	fmt.Println("  and publishes telemetry/commands to MQTT for Home Assistant discovery.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  powermaster [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Basic usage with default settings")
	fmt.Println("  powermaster")
	fmt.Println()
	fmt.Println("  # Custom configuration")
	fmt.Println("  powermaster --config=config.json")
	fmt.Println()
	fmt.Println("  # Simulate without writing to the inverter")
	fmt.Println("  powermaster -dry-run")
	fmt.Println()
	fmt.Println("  # Build one plan, print it, and exit")
	fmt.Println("  powermaster -plan -dry-run")
	fmt.Println()
	fmt.Println("  # Show this help")
	fmt.Println("  powermaster -help")
}
