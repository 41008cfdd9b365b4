package runtime

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/powermaster/energy-optimiser/accounting"
	"github.com/powermaster/energy-optimiser/config"
	"github.com/powermaster/energy-optimiser/control"
	"github.com/powermaster/energy-optimiser/core"
	"github.com/powermaster/energy-optimiser/forecast"
	"github.com/powermaster/energy-optimiser/inverter"
	"github.com/powermaster/energy-optimiser/loads"
	"github.com/powermaster/energy-optimiser/milp"
	"github.com/powermaster/energy-optimiser/mqtt"
	"github.com/powermaster/energy-optimiser/plan"
	"github.com/powermaster/energy-optimiser/resilience"
	"github.com/powermaster/energy-optimiser/storage"
	"github.com/powermaster/energy-optimiser/tariff"
)

// telemetryTimeout bounds every Modbus round trip per §5.
const telemetryTimeout = 2 * time.Second

// commandRefreshInterval re-sends the guard's last applied command even
// when nothing changed, so a dropped Modbus write self-heals within one
// period instead of waiting for the next tick.
const commandRefreshInterval = 20 * time.Second

// telemetryPollInterval feeds the dashboard's SSE stream and the MQTT
// telemetry topic independently of the slower tick loop; accounting
// integrates the tick loop's own reads.
const telemetryPollInterval = 5 * time.Second

// Stores bundles the optional persistence layer. Any field left nil
// disables that concern's durability without changing runtime behaviour,
// matching the teacher's scheduler running fine with persistence disabled.
type Stores struct {
	Telemetry  storage.TelemetryRepo
	Price      storage.PriceRepo
	Plan       storage.PlanRepo
	Accounting storage.AccountingRepo
	LoadState  storage.LoadStateRepo
	Override   storage.OverrideRepo
}

// Runtime wires the forecast/tariff/milp/plan/control/loads/accounting/
// resilience/inverter packages into the tick loop described in §4.6,
// generalizing the teacher's MinerScheduler orchestration.
type Runtime struct {
	cfg    *config.Config
	logger *log.Logger

	forecastAgg *forecast.Aggregator
	tariff      *tariff.Series
	solver      milp.Solver
	planCache   *plan.Cache
	rebuildEval *plan.RebuildEvaluator
	guard       *control.Guard
	loadSched   *loads.Scheduler
	acct        *accounting.Engine
	health      *resilience.Manager
	driver      inverter.Driver
	mqttPub     *mqtt.Publisher
	stores      Stores

	mu               sync.RWMutex
	override         *core.Override
	lastTelemetry    core.Telemetry
	haveTelemetry    bool
	lastTickAt       time.Time
	lastPlannerOK    bool
	lastPlannerAt    time.Time
	lastOverrideWasActive bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Runtime from its dependencies. Callers construct each
// component (aggregator, series, solver, driver, etc.) per cmd/powermaster's
// wiring and pass them in here.
func New(cfg *config.Config, logger *log.Logger, fc *forecast.Aggregator, ts *tariff.Series, solver milp.Solver, driver inverter.Driver, mqttPub *mqtt.Publisher, stores Stores, cycleStart time.Time) *Runtime {
	return &Runtime{
		cfg:         cfg,
		logger:      logger,
		forecastAgg: fc,
		tariff:      ts,
		solver:      solver,
		planCache:   plan.NewCache(),
		rebuildEval: plan.NewRebuildEvaluator(
			cfg.Planning.TickInterval*2,
			cfg.Planning.RebuildDriftKWh/cfg.Battery.CapacityKWh,
			30*time.Second,
		),
		guard:     control.NewGuard(cfg.AntiOsc.MinModeDwell, cfg.AntiOsc.PowerHysteresisW, cfg.AntiOsc.MaxModeChangesPerHr),
		loadSched: loads.NewScheduler(cfg.LoadDefinitions(), logger),
		acct:      accounting.NewEngine(0.5, cfg.Battery.CapacityKWh, cfg.Accounting.RolloverDayOfMonth, cycleStart),
		health:    resilience.NewManager(cfg.Resilience.UnhealthyAfterNFailures),
		driver:    driver,
		mqttPub:   mqttPub,
		stores:    stores,
		stopCh:    make(chan struct{}),
	}
}

// SetOverride installs a user override, applied above the plan but below
// safety/storm/SOC-floor in the arbitrator hierarchy.
func (r *Runtime) SetOverride(o core.Override) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.override = &o
	if r.stores.Override != nil {
		_ = r.stores.Override.Set(context.Background(), o)
	}
}

// ClearOverride removes any active user override.
func (r *Runtime) ClearOverride() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.override = nil
	if r.stores.Override != nil {
		_ = r.stores.Override.Clear(context.Background())
	}
}

// LatestTelemetry returns the most recent successfully read telemetry, for
// the dashboard's SSE stream.
func (r *Runtime) LatestTelemetry() (core.Telemetry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastTelemetry, r.haveTelemetry
}

// AccountingState returns the current accounting snapshot.
func (r *Runtime) AccountingState() core.AccountingState {
	return r.acct.State()
}

// ProviderStatus returns the per-provider health snapshot.
func (r *Runtime) ProviderStatus() []resilience.ProviderStatus {
	return r.health.Status(time.Now())
}

// PlanActive returns the currently cached plan, for GET /api/plan/active.
func (r *Runtime) PlanActive() (core.Plan, bool) {
	return r.planCache.Get()
}

// ModeStatus summarises the current user/optimiser mode for GET /api/mode.
type ModeStatus struct {
	OptimiserMode     core.Mode
	OverrideActive    bool
	OverrideMode      core.Mode
	OverrideRemaining time.Duration
	Source            core.DecisionSource
	LastAppliedAt     time.Time
}

// ModeStatus reports the arbitrator's last applied command and any active
// user override.
func (r *Runtime) ModeStatus() ModeStatus {
	mode, _, appliedAt, _ := r.guard.LastApplied()

	r.mu.RLock()
	override := r.override
	r.mu.RUnlock()

	st := ModeStatus{OptimiserMode: mode, LastAppliedAt: appliedAt}
	if override != nil && override.Active(time.Now()) {
		st.OverrideActive = true
		st.OverrideMode = override.Mode
		st.OverrideRemaining = time.Until(override.ExpiresAt)
	}
	return st
}

// TelemetryHistory returns persisted telemetry samples, if a store is
// configured.
func (r *Runtime) TelemetryHistory(ctx context.Context, since time.Time) ([]core.Telemetry, error) {
	if r.stores.Telemetry == nil {
		return nil, nil
	}
	return r.stores.Telemetry.RangeTelemetry(ctx, since, time.Now())
}

// PriceHistory returns persisted tariff points, if a store is configured.
func (r *Runtime) PriceHistory(ctx context.Context, since time.Time) ([]core.TariffPoint, error) {
	if r.stores.Price == nil {
		return r.tariff.Window(since, time.Now()), nil
	}
	return r.stores.Price.RangeTariff(ctx, since, time.Now())
}

// Start launches the tick loop, the command-refresh loop and the telemetry
// poller, running until ctx is cancelled or Stop is called. It blocks until
// every periodic task has exited.
func (r *Runtime) Start(ctx context.Context) {
	r.health.Configure("inverter")

	now := time.Now()
	tasks := []*periodicTask{
		{name: "tick", initialDelay: initialDelayToNextBoundary(now, r.cfg.Planning.TickInterval), interval: r.cfg.Planning.TickInterval, runFunc: r.tick},
		{name: "command_refresh", initialDelay: commandRefreshInterval, interval: commandRefreshInterval, runFunc: r.refreshCommand},
		{name: "telemetry_poll", interval: telemetryPollInterval, runFunc: r.pollTelemetry},
	}

	for _, t := range tasks {
		r.wg.Add(1)
		go func(t *periodicTask) {
			defer r.wg.Done()
			t.run(ctx, r.stopCh, r.logger)
		}(t)
	}
	r.wg.Wait()
}

// Stop requests a graceful shutdown: the tick loop finishes its current
// pass, a final SELF_USE command is pushed to the inverter, accounting is
// flushed, and every periodic task exits, all within a 15s budget per §5.
func (r *Runtime) Stop() {
	close(r.stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		r.logger.Printf("runtime: shutdown timed out waiting for tasks")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryTimeout)
	defer cancel()
	if err := r.driver.SetMode(shutdownCtx, core.SelfUse, nil, nil); err != nil {
		r.logger.Printf("runtime: final self-use command failed: %v", err)
	}
	if r.stores.Accounting != nil {
		if err := r.stores.Accounting.SaveState(shutdownCtx, r.acct.State()); err != nil {
			r.logger.Printf("runtime: accounting flush failed: %v", err)
		}
	}
}

// tick runs the §4.6 per-tick sequence: read telemetry, update accounting,
// rebuild the plan if needed, arbitrate, guard, apply, schedule loads,
// publish.
func (r *Runtime) tick(ctx context.Context) {
	now := time.Now()

	telemCtx, cancel := context.WithTimeout(ctx, telemetryTimeout)
	telem, err := r.driver.ReadTelemetry(telemCtx)
	cancel()

	inverterFault := false
	if err != nil {
		r.logger.Printf("tick: telemetry read failed: %v", err)
		r.health.RecordFailure("inverter", err)
		inverterFault = true
		r.mu.RLock()
		telem = r.lastTelemetry
		r.mu.RUnlock()
	} else {
		r.health.RecordSuccess("inverter", now)
		r.mu.Lock()
		r.lastTelemetry = telem
		r.haveTelemetry = true
		r.mu.Unlock()
		if r.stores.Telemetry != nil {
			if err := r.stores.Telemetry.Insert(ctx, telem); err != nil {
				r.logger.Printf("tick: telemetry persist failed: %v", err)
			}
		}
	}
	if telem.HasFault() {
		inverterFault = true
	}

	r.tariff.Advance(now)
	r.runAccounting(ctx, now, telem)
	r.maybeRebuildPlan(ctx, now, telem)

	activePlan, hasPlan := r.planCache.Get()
	var planSlot *core.PlanSlot
	if hasPlan {
		if s, ok := activePlan.At(now); ok {
			planSlot = &s
		}
	}

	snapshot := r.forecastAgg.Snapshot(now)
	stormProb := snapshot.StormProbMax(now, time.Duration(r.cfg.Storm.HorizonHours)*time.Hour)
	tp, tErr := r.tariff.Get(now)

	r.mu.RLock()
	override := r.override
	r.mu.RUnlock()
	if override != nil && !override.Active(now) {
		override = nil
		r.ClearOverride()
	}

	in := control.Inputs{
		InverterFault:       inverterFault,
		SOC:                 telem.SOC,
		SOCMinHard:          r.cfg.Battery.SOCMinHard,
		SOCMax:              r.cfg.Battery.SOCMax,
		StormProbNextN:      stormProb,
		StormThreshold:      r.cfg.Storm.ProbThreshold,
		StormReserveSOC:     r.cfg.Storm.ReserveSOC,
		StormChargeW:        r.cfg.Storm.ChargeW,
		SOCMinSoft:          r.cfg.Battery.SOCMinSoft,
		SOCFloorChargeW:     r.cfg.Battery.MaxChargeW,
		TariffSpikeActive:   r.tariff.SpikeActive(),
		Override:            override,
		Now:                 now,
		Plan:                planSlot,
		ExportC:             tp.ExportC,
		SpikeThresholdC:     r.cfg.Arbitrage.SpikeThresholdC,
		OpportunisticMinSOC: r.cfg.Battery.SOCMinSoft,
		OpportunisticW:      r.cfg.Battery.MaxDischargeW,
	}
	if tErr != nil {
		in.ExportC = 0
	}

	decision := control.Decide(in)
	applied, suppressed := r.guard.Apply(now, decision)
	if suppressed {
		r.logger.Printf("tick: %s", applied.Rationale)
	}

	r.applyCommand(ctx, applied)

	planSaysOn := map[string]bool{}
	if planSlot != nil {
		for name := range planSlot.ScheduledLoads {
			planSaysOn[name] = true
		}
	}
	elapsed := r.elapsedSinceLastTick(now)
	actions := r.loadSched.Tick(now, planSaysOn, func(string) bool { return false }, elapsed)
	for _, a := range actions {
		r.logger.Printf("tick: load %s turn_on=%v", a.Name, a.TurnOn)
	}

	r.publishSnapshot(ctx, telem, applied)

	r.mu.Lock()
	r.lastTickAt = now
	r.lastOverrideWasActive = override != nil
	r.mu.Unlock()
}

// runAccounting integrates the elapsed interval's measured powers into the
// accounting engine and archives a billing cycle if one rolled over.
func (r *Runtime) runAccounting(ctx context.Context, now time.Time, telem core.Telemetry) {
	elapsed := r.elapsedSinceLastTick(now)
	tp, _ := r.tariff.Get(now)

	sample := accounting.TickSample{
		Now:      now,
		ElapsedS: elapsed.Seconds(),
		GridW:    telem.GridW,
		SolarW:   telem.SolarW,
		LoadW:    telem.LoadW,
		BatteryW: telem.BatteryW,
		ImportC:  tp.ImportC,
		ExportC:  tp.ExportC,
	}
	if mode, _, _, ok := r.guard.LastApplied(); ok {
		sample.ArbitrageDischarge = mode == core.ForceDischarge
	}

	event := r.acct.Apply(sample)
	if event.ArchivedCycle != nil && r.stores.Accounting != nil {
		if err := r.stores.Accounting.ArchiveCycle(ctx, *event.ArchivedCycle); err != nil {
			r.logger.Printf("tick: billing cycle archive failed: %v", err)
		}
	}
	if r.stores.Accounting != nil {
		if err := r.stores.Accounting.SaveState(ctx, r.acct.State()); err != nil {
			r.logger.Printf("tick: accounting persist failed: %v", err)
		}
	}
}

// maybeRebuildPlan consults the rebuild evaluator and, if it says so and no
// rebuild is already in flight, builds a fresh milp.Problem and solves it.
func (r *Runtime) maybeRebuildPlan(ctx context.Context, now time.Time, telem core.Telemetry) {
	activePlan, hasPlan := r.planCache.Get()

	snapshot := r.forecastAgg.Snapshot(now)
	forecastHash := core.HashForecast(snapshot)
	window := r.tariff.Window(now, now.Add(48*time.Hour))
	tariffHash := core.HashTariff(window)

	r.mu.RLock()
	lastOK := r.lastPlannerOK
	lastAttempt := r.lastPlannerAt
	overrideJustExpired := r.lastOverrideWasActive && (r.override == nil || !r.override.Active(now))
	r.mu.RUnlock()

	in := plan.Inputs{
		Now:                    now,
		CurrentSOC:             telem.SOC,
		LatestForecastHash:     forecastHash,
		LatestTariffHash:       tariffHash,
		OverrideJustExpired:    overrideJustExpired,
		LastPlannerStatusWasOK: lastOK,
		LastPlannerAttemptAt:   lastAttempt,
	}
	if !r.rebuildEval.RebuildNeeded(in, activePlan, hasPlan) {
		return
	}

	release, ok := r.planCache.TryBeginRebuild()
	if !ok {
		r.logger.Printf("tick: rebuild already in progress, skipping")
		return
	}
	defer release()

	plannerCtx, cancel := context.WithTimeout(ctx, r.cfg.Planning.PlannerWallTimeout)
	defer cancel()

	tariffSlots := make([]core.TariffPoint, len(snapshot.Points))
	for i, p := range snapshot.Points {
		if tp, err := r.tariff.Get(p.SlotStart); err == nil {
			tariffSlots[i] = tp
		} else {
			tariffSlots[i] = core.TariffPoint{SlotStart: p.SlotStart}
		}
	}

	problem := milp.Problem{
		Now:                now,
		Forecast:           snapshot,
		Tariff:             tariffSlots,
		Battery:            r.cfg.Battery.ToCore(),
		SOC0:               telem.SOC,
		Loads:              r.cfg.LoadDefinitions(),
		SolarPercentile:    r.cfg.Providers.SolarPercentile,
		StormReserveSOC:    r.cfg.Storm.ReserveSOC,
		StormProbThreshold: r.cfg.Storm.ProbThreshold,
		DegradationCPerKWh: r.cfg.Battery.DegradationCPerKWh,
		PreferSolarRho:     1.0,
		ArbitrageLambda:    1.0,
		BreakEvenDeltaC:    2 * r.cfg.Battery.DegradationCPerKWh / r.cfg.Battery.RoundTripEff,
		ForecastHash:       forecastHash,
		TariffHash:         tariffHash,
		ParamsHash:         core.HashParams(r.cfg.Battery.ToCore(), r.cfg.LoadDefinitions()),
	}

	resultCh := make(chan milp.Solution, 1)
	go func() { resultCh <- r.solver.Solve(problem) }()

	var solution milp.Solution
	select {
	case solution = <-resultCh:
	case <-plannerCtx.Done():
		solution = milp.Solution{Status: core.StatusTimeout}
	}

	r.mu.Lock()
	r.lastPlannerOK = solution.Status == core.StatusOptimal
	r.lastPlannerAt = now
	r.mu.Unlock()

	if solution.Status == core.StatusInfeasible || solution.Status == core.StatusTimeout {
		r.logger.Printf("tick: planner returned %s, keeping previous plan", solution.Status)
		return
	}

	newPlan := core.Plan{
		Slots:             solution.Slots,
		BuiltAt:           now,
		HorizonEnd:        now.Add(48 * time.Hour),
		ForecastHash:       forecastHash,
		TariffHash:         tariffHash,
		BatterySOCAtBuild: telem.SOC,
		ObjectiveCents:    solution.ObjectiveCents,
		Status:            solution.Status,
	}
	r.planCache.Set(newPlan)
	if r.stores.Plan != nil {
		if err := r.stores.Plan.Save(ctx, newPlan); err != nil {
			r.logger.Printf("tick: plan persist failed: %v", err)
		}
	}
}

// applyCommand pushes the guard-approved decision to the inverter driver.
func (r *Runtime) applyCommand(ctx context.Context, d core.Decision) {
	cmdCtx, cancel := context.WithTimeout(ctx, telemetryTimeout)
	defer cancel()

	powerW := d.PowerW
	exportCapW := d.ExportCapW
	if err := r.driver.SetMode(cmdCtx, d.TargetMode, &powerW, &exportCapW); err != nil {
		r.logger.Printf("tick: set_mode failed: %v", err)
	}
}

// refreshCommand re-sends the guard's last applied command, self-healing a
// dropped write without waiting for the next full tick.
func (r *Runtime) refreshCommand(ctx context.Context) {
	mode, powerW, _, ok := r.guard.LastApplied()
	if !ok {
		return
	}
	cmdCtx, cancel := context.WithTimeout(ctx, telemetryTimeout)
	defer cancel()
	if err := r.driver.SetMode(cmdCtx, mode, &powerW, nil); err != nil {
		r.logger.Printf("command_refresh: set_mode failed: %v", err)
	}
}

// pollTelemetry reads the inverter independently of the tick loop so the
// dashboard's SSE stream and the last-known-telemetry cache stay fresh.
func (r *Runtime) pollTelemetry(ctx context.Context) {
	telemCtx, cancel := context.WithTimeout(ctx, telemetryTimeout)
	defer cancel()
	telem, err := r.driver.ReadTelemetry(telemCtx)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.lastTelemetry = telem
	r.haveTelemetry = true
	r.mu.Unlock()
	if r.mqttPub != nil {
		_ = r.mqttPub.PublishTelemetry(ctx, telem)
	}
}

// publishSnapshot sends the decision and accounting state to MQTT, if a
// publisher is configured.
func (r *Runtime) publishSnapshot(ctx context.Context, telem core.Telemetry, d core.Decision) {
	if r.mqttPub == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.MQTT.PublishTimeout)
	defer cancel()
	if err := r.mqttPub.PublishTelemetry(pubCtx, telem); err != nil {
		r.logger.Printf("tick: mqtt telemetry publish failed: %v", err)
	}
	if err := r.mqttPub.PublishDecision(pubCtx, d); err != nil {
		r.logger.Printf("tick: mqtt decision publish failed: %v", err)
	}
	if err := r.mqttPub.PublishAccounting(pubCtx, r.acct.State()); err != nil {
		r.logger.Printf("tick: mqtt accounting publish failed: %v", err)
	}
}

func (r *Runtime) elapsedSinceLastTick(now time.Time) time.Duration {
	r.mu.RLock()
	last := r.lastTickAt
	r.mu.RUnlock()
	if last.IsZero() {
		return r.cfg.Planning.TickInterval
	}
	elapsed := now.Sub(last)
	if elapsed <= 0 {
		return r.cfg.Planning.TickInterval
	}
	return elapsed
}
