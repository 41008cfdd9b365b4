// Package storage defines the repository boundaries the runtime persists
// through, and a Postgres implementation of each, generalizing the
// teacher's scheduler.saveMPCDecisions/loadLatestMPCDecisions upsert and
// range-query pattern from a single mpc_decisions table to the full set of
// tables a complete Power Master installation needs.
package storage

import (
	"context"
	"time"

	"github.com/powermaster/energy-optimiser/core"
)

// TelemetryRepo persists inverter telemetry samples.
type TelemetryRepo interface {
	Insert(ctx context.Context, t core.Telemetry) error
	RangeTelemetry(ctx context.Context, from, to time.Time) ([]core.Telemetry, error)
}

// PriceRepo persists tariff points, keyed by slot start.
type PriceRepo interface {
	Upsert(ctx context.Context, points []core.TariffPoint) error
	RangeTariff(ctx context.Context, from, to time.Time) ([]core.TariffPoint, error)
}

// PlanRepo persists built plans, one row per slot, for the dashboard and
// for restart recovery.
type PlanRepo interface {
	Save(ctx context.Context, p core.Plan) error
	Latest(ctx context.Context) (core.Plan, bool, error)
}

// AccountingRepo persists billing-cycle accounting snapshots.
type AccountingRepo interface {
	SaveState(ctx context.Context, s core.AccountingState) error
	LoadState(ctx context.Context) (core.AccountingState, bool, error)
	ArchiveCycle(ctx context.Context, c core.BillingCycle) error
	ArchivedCycles(ctx context.Context, limit int) ([]core.BillingCycle, error)
}

// LoadConfigRepo persists deferrable-load definitions.
type LoadConfigRepo interface {
	Save(ctx context.Context, defs []core.LoadDefinition) error
	All(ctx context.Context) ([]core.LoadDefinition, error)
}

// LoadStateRepo persists per-device runtime state, surviving restarts.
type LoadStateRepo interface {
	SaveState(ctx context.Context, s core.LoadRuntimeState) error
	AllStates(ctx context.Context) ([]core.LoadRuntimeState, error)
}

// OverrideRepo persists the single active user override, if any.
type OverrideRepo interface {
	Set(ctx context.Context, o core.Override) error
	Clear(ctx context.Context) error
	Active(ctx context.Context) (core.Override, bool, error)
}
