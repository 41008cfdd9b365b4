package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/powermaster/energy-optimiser/core"
)

// Open dials Postgres via lib/pq, following the teacher's
// sql.Open("postgres", connString) pattern. Schema is applied out of band
// (migrations), not created here.
func Open(connString string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return db, nil
}

// TelemetryStore implements TelemetryRepo over Postgres.
type TelemetryStore struct{ db *sql.DB }

func NewTelemetryStore(db *sql.DB) *TelemetryStore { return &TelemetryStore{db: db} }

func (s *TelemetryStore) Insert(ctx context.Context, t core.Telemetry) error {
	faults, err := json.Marshal(t.FaultFlags)
	if err != nil {
		return fmt.Errorf("storage: marshal fault flags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO telemetry (
			read_at, soc, solar_w, load_w, grid_w, battery_w, inverter_mode, fault_flags
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (read_at) DO NOTHING
	`, t.ReadAt, t.SOC, t.SolarW, t.LoadW, t.GridW, t.BatteryW, t.InverterMode.String(), faults)
	if err != nil {
		return fmt.Errorf("storage: insert telemetry: %w", err)
	}
	return nil
}

func (s *TelemetryStore) RangeTelemetry(ctx context.Context, from, to time.Time) ([]core.Telemetry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT read_at, soc, solar_w, load_w, grid_w, battery_w, inverter_mode, fault_flags
		FROM telemetry
		WHERE read_at >= $1 AND read_at < $2
		ORDER BY read_at ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("storage: query telemetry: %w", err)
	}
	defer rows.Close()

	var out []core.Telemetry
	for rows.Next() {
		var t core.Telemetry
		var modeStr string
		var faults []byte
		if err := rows.Scan(&t.ReadAt, &t.SOC, &t.SolarW, &t.LoadW, &t.GridW, &t.BatteryW, &modeStr, &faults); err != nil {
			return nil, fmt.Errorf("storage: scan telemetry: %w", err)
		}
		t.InverterMode = parseMode(modeStr)
		if len(faults) > 0 {
			if err := json.Unmarshal(faults, &t.FaultFlags); err != nil {
				return nil, fmt.Errorf("storage: unmarshal fault flags: %w", err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate telemetry: %w", err)
	}
	return out, nil
}

// PriceStore implements PriceRepo over Postgres.
type PriceStore struct{ db *sql.DB }

func NewPriceStore(db *sql.DB) *PriceStore { return &PriceStore{db: db} }

func (s *PriceStore) Upsert(ctx context.Context, points []core.TariffPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tariff_points (slot_start, import_c, export_c, spike_flag)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slot_start) DO UPDATE SET
			import_c = EXCLUDED.import_c,
			export_c = EXCLUDED.export_c,
			spike_flag = EXCLUDED.spike_flag
	`)
	if err != nil {
		return fmt.Errorf("storage: prepare tariff upsert: %w", err)
	}
	defer stmt.Close()

	for _, pt := range points {
		if _, err := stmt.ExecContext(ctx, pt.SlotStart, pt.ImportC, pt.ExportC, pt.SpikeFlag); err != nil {
			return fmt.Errorf("storage: upsert tariff point %s: %w", pt.SlotStart, err)
		}
	}
	return tx.Commit()
}

func (s *PriceStore) RangeTariff(ctx context.Context, from, to time.Time) ([]core.TariffPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slot_start, import_c, export_c, spike_flag
		FROM tariff_points
		WHERE slot_start >= $1 AND slot_start < $2
		ORDER BY slot_start ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("storage: query tariff: %w", err)
	}
	defer rows.Close()

	var out []core.TariffPoint
	for rows.Next() {
		var pt core.TariffPoint
		if err := rows.Scan(&pt.SlotStart, &pt.ImportC, &pt.ExportC, &pt.SpikeFlag); err != nil {
			return nil, fmt.Errorf("storage: scan tariff: %w", err)
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

// PlanStore implements PlanRepo over Postgres, generalizing
// saveMPCDecisions/loadLatestMPCDecisions's delete-then-insert transaction
// shape from one mpc_decisions row per hour to one plan_slots row per slot.
type PlanStore struct{ db *sql.DB }

func NewPlanStore(db *sql.DB) *PlanStore { return &PlanStore{db: db} }

func (s *PlanStore) Save(ctx context.Context, plan core.Plan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_slots WHERE built_at = $1`, plan.BuiltAt); err != nil {
		return fmt.Errorf("storage: clear plan slots: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO plan_slots (
			built_at, slot_start, mode, charge_w, discharge_w, expected_soc,
			forecast_hash, tariff_hash, objective_cents, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	if err != nil {
		return fmt.Errorf("storage: prepare plan insert: %w", err)
	}
	defer stmt.Close()

	for _, sl := range plan.Slots {
		_, err := stmt.ExecContext(ctx,
			plan.BuiltAt, sl.SlotStart, sl.Mode.String(), sl.ChargeW, sl.DischargeW, sl.ExpectedSOC,
			plan.ForecastHash, plan.TariffHash, plan.ObjectiveCents, string(plan.Status),
		)
		if err != nil {
			return fmt.Errorf("storage: insert plan slot %s: %w", sl.SlotStart, err)
		}
	}
	return tx.Commit()
}

func (s *PlanStore) Latest(ctx context.Context) (core.Plan, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT MAX(built_at) FROM plan_slots`)
	var builtAt sql.NullTime
	if err := row.Scan(&builtAt); err != nil {
		return core.Plan{}, false, fmt.Errorf("storage: query latest plan: %w", err)
	}
	if !builtAt.Valid {
		return core.Plan{}, false, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT slot_start, mode, charge_w, discharge_w, expected_soc,
			forecast_hash, tariff_hash, objective_cents, status
		FROM plan_slots WHERE built_at = $1 ORDER BY slot_start ASC
	`, builtAt.Time)
	if err != nil {
		return core.Plan{}, false, fmt.Errorf("storage: query plan slots: %w", err)
	}
	defer rows.Close()

	plan := core.Plan{BuiltAt: builtAt.Time}
	for rows.Next() {
		var sl core.PlanSlot
		var modeStr, status string
		if err := rows.Scan(&sl.SlotStart, &modeStr, &sl.ChargeW, &sl.DischargeW, &sl.ExpectedSOC,
			&plan.ForecastHash, &plan.TariffHash, &plan.ObjectiveCents, &status); err != nil {
			return core.Plan{}, false, fmt.Errorf("storage: scan plan slot: %w", err)
		}
		sl.Mode = parseMode(modeStr)
		plan.Status = core.SolverStatus(status)
		plan.Slots = append(plan.Slots, sl)
	}
	if err := rows.Err(); err != nil {
		return core.Plan{}, false, err
	}
	if len(plan.Slots) > 0 {
		plan.HorizonEnd = plan.Slots[len(plan.Slots)-1].SlotStart.Add(core.SlotDuration)
	}
	return plan, true, nil
}

// AccountingStore implements AccountingRepo over Postgres.
type AccountingStore struct{ db *sql.DB }

func NewAccountingStore(db *sql.DB) *AccountingStore { return &AccountingStore{db: db} }

func (s *AccountingStore) SaveState(ctx context.Context, st core.AccountingState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounting_state (id, wacb_c_per_kwh, stored_energy_kwh, cycle_start, import_c, export_c, self_consumption_c, arbitrage_c, fixed_c)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			wacb_c_per_kwh = EXCLUDED.wacb_c_per_kwh,
			stored_energy_kwh = EXCLUDED.stored_energy_kwh,
			cycle_start = EXCLUDED.cycle_start,
			import_c = EXCLUDED.import_c,
			export_c = EXCLUDED.export_c,
			self_consumption_c = EXCLUDED.self_consumption_c,
			arbitrage_c = EXCLUDED.arbitrage_c,
			fixed_c = EXCLUDED.fixed_c
	`, st.WACBCPerKWh, st.StoredEnergyKWh, st.Cycle.StartDate, st.Cycle.ImportC, st.Cycle.ExportC,
		st.Cycle.SelfConsumptionC, st.Cycle.ArbitrageC, st.Cycle.FixedC)
	if err != nil {
		return fmt.Errorf("storage: save accounting state: %w", err)
	}
	return nil
}

func (s *AccountingStore) LoadState(ctx context.Context) (core.AccountingState, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT wacb_c_per_kwh, stored_energy_kwh, cycle_start, import_c, export_c, self_consumption_c, arbitrage_c, fixed_c
		FROM accounting_state WHERE id = 1
	`)
	var st core.AccountingState
	err := row.Scan(&st.WACBCPerKWh, &st.StoredEnergyKWh, &st.Cycle.StartDate, &st.Cycle.ImportC,
		&st.Cycle.ExportC, &st.Cycle.SelfConsumptionC, &st.Cycle.ArbitrageC, &st.Cycle.FixedC)
	if err == sql.ErrNoRows {
		return core.AccountingState{}, false, nil
	}
	if err != nil {
		return core.AccountingState{}, false, fmt.Errorf("storage: load accounting state: %w", err)
	}
	return st, true, nil
}

func (s *AccountingStore) ArchiveCycle(ctx context.Context, c core.BillingCycle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_cycles (start_date, import_c, export_c, self_consumption_c, arbitrage_c, fixed_c)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (start_date) DO NOTHING
	`, c.StartDate, c.ImportC, c.ExportC, c.SelfConsumptionC, c.ArbitrageC, c.FixedC)
	if err != nil {
		return fmt.Errorf("storage: archive billing cycle: %w", err)
	}
	return nil
}

func (s *AccountingStore) ArchivedCycles(ctx context.Context, limit int) ([]core.BillingCycle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_date, import_c, export_c, self_consumption_c, arbitrage_c, fixed_c
		FROM billing_cycles ORDER BY start_date DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query billing cycles: %w", err)
	}
	defer rows.Close()

	var out []core.BillingCycle
	for rows.Next() {
		var c core.BillingCycle
		if err := rows.Scan(&c.StartDate, &c.ImportC, &c.ExportC, &c.SelfConsumptionC, &c.ArbitrageC, &c.FixedC); err != nil {
			return nil, fmt.Errorf("storage: scan billing cycle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LoadConfigStore implements LoadConfigRepo over Postgres.
type LoadConfigStore struct{ db *sql.DB }

func NewLoadConfigStore(db *sql.DB) *LoadConfigStore { return &LoadConfigStore{db: db} }

func (s *LoadConfigStore) Save(ctx context.Context, defs []core.LoadDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM load_definitions`); err != nil {
		return fmt.Errorf("storage: clear load definitions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO load_definitions (
			name, power_w, priority_class, min_runtime_min, ideal_runtime_min, max_runtime_min,
			earliest_h, latest_h, days_of_week, prefer_solar, allow_split_shifts, enabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	if err != nil {
		return fmt.Errorf("storage: prepare load definition insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range defs {
		days, err := json.Marshal(weekdaysOf(l.DaysOfWeek))
		if err != nil {
			return fmt.Errorf("storage: marshal days of week: %w", err)
		}
		_, err = stmt.ExecContext(ctx, l.Name, l.PowerW, l.PriorityClass, l.MinRuntimeMin, l.IdealRuntimeMin,
			l.MaxRuntimeMin, l.EarliestH, l.LatestH, days, l.PreferSolar, l.AllowSplitShifts, l.Enabled)
		if err != nil {
			return fmt.Errorf("storage: insert load definition %q: %w", l.Name, err)
		}
	}
	return tx.Commit()
}

func (s *LoadConfigStore) All(ctx context.Context) ([]core.LoadDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, power_w, priority_class, min_runtime_min, ideal_runtime_min, max_runtime_min,
			earliest_h, latest_h, days_of_week, prefer_solar, allow_split_shifts, enabled
		FROM load_definitions
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: query load definitions: %w", err)
	}
	defer rows.Close()

	var out []core.LoadDefinition
	for rows.Next() {
		var l core.LoadDefinition
		var days []byte
		if err := rows.Scan(&l.Name, &l.PowerW, &l.PriorityClass, &l.MinRuntimeMin, &l.IdealRuntimeMin,
			&l.MaxRuntimeMin, &l.EarliestH, &l.LatestH, &days, &l.PreferSolar, &l.AllowSplitShifts, &l.Enabled); err != nil {
			return nil, fmt.Errorf("storage: scan load definition: %w", err)
		}
		var weekdayInts []int
		if err := json.Unmarshal(days, &weekdayInts); err != nil {
			return nil, fmt.Errorf("storage: unmarshal days of week: %w", err)
		}
		l.DaysOfWeek = make(map[time.Weekday]struct{}, len(weekdayInts))
		for _, d := range weekdayInts {
			l.DaysOfWeek[time.Weekday(d)] = struct{}{}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LoadStateStore implements LoadStateRepo over Postgres.
type LoadStateStore struct{ db *sql.DB }

func NewLoadStateStore(db *sql.DB) *LoadStateStore { return &LoadStateStore{db: db} }

func (s *LoadStateStore) SaveState(ctx context.Context, st core.LoadRuntimeState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO load_states (name, state, runtime_minutes_today, last_transition_at, current_shift_start)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			state = EXCLUDED.state,
			runtime_minutes_today = EXCLUDED.runtime_minutes_today,
			last_transition_at = EXCLUDED.last_transition_at,
			current_shift_start = EXCLUDED.current_shift_start
	`, st.Name, st.State.String(), st.RuntimeMinutesToday, st.LastTransitionAt, st.CurrentShiftStart)
	if err != nil {
		return fmt.Errorf("storage: save load state %q: %w", st.Name, err)
	}
	return nil
}

func (s *LoadStateStore) AllStates(ctx context.Context) ([]core.LoadRuntimeState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, state, runtime_minutes_today, last_transition_at, current_shift_start FROM load_states
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: query load states: %w", err)
	}
	defer rows.Close()

	var out []core.LoadRuntimeState
	for rows.Next() {
		var st core.LoadRuntimeState
		var stateStr string
		if err := rows.Scan(&st.Name, &stateStr, &st.RuntimeMinutesToday, &st.LastTransitionAt, &st.CurrentShiftStart); err != nil {
			return nil, fmt.Errorf("storage: scan load state: %w", err)
		}
		st.State = parseLoadState(stateStr)
		out = append(out, st)
	}
	return out, rows.Err()
}

// OverrideStore implements OverrideRepo over Postgres.
type OverrideStore struct{ db *sql.DB }

func NewOverrideStore(db *sql.DB) *OverrideStore { return &OverrideStore{db: db} }

func (s *OverrideStore) Set(ctx context.Context, o core.Override) error {
	var power sql.NullFloat64
	if o.PowerW != nil {
		power = sql.NullFloat64{Float64: *o.PowerW, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO overrides (id, mode, power_w, expires_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET mode = EXCLUDED.mode, power_w = EXCLUDED.power_w, expires_at = EXCLUDED.expires_at
	`, o.Mode.String(), power, o.ExpiresAt)
	if err != nil {
		return fmt.Errorf("storage: set override: %w", err)
	}
	return nil
}

func (s *OverrideStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM overrides WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("storage: clear override: %w", err)
	}
	return nil
}

func (s *OverrideStore) Active(ctx context.Context) (core.Override, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT mode, power_w, expires_at FROM overrides WHERE id = 1`)
	var modeStr string
	var power sql.NullFloat64
	var o core.Override
	err := row.Scan(&modeStr, &power, &o.ExpiresAt)
	if err == sql.ErrNoRows {
		return core.Override{}, false, nil
	}
	if err != nil {
		return core.Override{}, false, fmt.Errorf("storage: load override: %w", err)
	}
	o.Mode = parseMode(modeStr)
	if power.Valid {
		v := power.Float64
		o.PowerW = &v
	}
	return o, true, nil
}

func parseMode(s string) core.Mode {
	switch s {
	case "SELF_USE":
		return core.SelfUse
	case "SELF_USE_ZERO_EXPORT":
		return core.SelfUseZeroExport
	case "FORCE_CHARGE":
		return core.ForceCharge
	case "FORCE_DISCHARGE":
		return core.ForceDischarge
	case "CHARGE_NO_IMPORT":
		return core.ChargeNoImport
	default:
		return core.SelfUse
	}
}

func parseLoadState(s string) core.LoadState {
	switch s {
	case "RUNNING":
		return core.LoadRunning
	case "COMPLETED":
		return core.LoadCompleted
	case "LOCKED_OUT":
		return core.LoadLockedOut
	default:
		return core.LoadIdle
	}
}

func weekdaysOf(m map[time.Weekday]struct{}) []int {
	out := make([]int, 0, len(m))
	for d := range m {
		out = append(out, int(d))
	}
	return out
}
