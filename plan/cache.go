// Package plan holds the active Plan under a single-writer/multi-reader
// discipline and evaluates when it needs rebuilding, generalizing the
// teacher's MinerScheduler.mpcDecisions/mu read-copy-update pattern from an
// in-memory slice swap to an immutable Plan pointer swap.
package plan

import (
	"sync"
	"time"

	"github.com/powermaster/energy-optimiser/core"
)

// Cache holds the currently active plan. Writes are serialised (only the
// tick task's rebuild step writes); reads never block a concurrent write and
// always see a complete, immutable plan.
type Cache struct {
	mu      sync.RWMutex
	active  core.Plan
	hasPlan bool

	rebuildMu sync.Mutex // serialises rebuilds; held for the duration of a build
}

// NewCache returns an empty plan cache.
func NewCache() *Cache {
	return &Cache{}
}

// Get returns the active plan, if one has been built yet.
func (c *Cache) Get() (core.Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active, c.hasPlan
}

// Set installs a newly built plan as active. Plans are immutable once built;
// callers must not mutate a Plan's slots after constructing it.
func (c *Cache) Set(p core.Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = p
	c.hasPlan = true
}

// BeginRebuild acquires the rebuild lock, blocking a concurrent rebuild
// attempt. Callers must call the returned release func when done. While a
// rebuild is in flight, Get continues to serve the previous plan.
func (c *Cache) BeginRebuild() (release func()) {
	c.rebuildMu.Lock()
	return c.rebuildMu.Unlock
}

// TryBeginRebuild is the non-blocking variant, used by the tick loop so a
// slow rebuild never backs up ticks: if a rebuild is already in flight, it
// returns ok=false immediately.
func (c *Cache) TryBeginRebuild() (release func(), ok bool) {
	if !c.rebuildMu.TryLock() {
		return nil, false
	}
	return c.rebuildMu.Unlock, true
}

// RebuildEvaluator tracks the thresholds from §4.4 needed to decide whether
// the active plan must be rebuilt.
type RebuildEvaluator struct {
	MaxAge            time.Duration
	SOCDriftThreshold float64
	RetryBackoff      time.Duration
}

// NewRebuildEvaluator builds an evaluator from the caller-supplied max age,
// SOC drift threshold and retry backoff; it applies no defaults of its own.
func NewRebuildEvaluator(maxAge time.Duration, socDriftThreshold float64, retryBackoff time.Duration) *RebuildEvaluator {
	return &RebuildEvaluator{
		MaxAge:            maxAge,
		SOCDriftThreshold: socDriftThreshold,
		RetryBackoff:      retryBackoff,
	}
}

// Inputs bundles everything RebuildNeeded needs to decide.
type Inputs struct {
	Now               time.Time
	CurrentSOC        float64
	LatestForecastHash string
	LatestTariffHash   string
	OverrideJustExpired bool
	LastPlannerStatusWasOK bool
	LastPlannerAttemptAt   time.Time
}

// RebuildNeeded implements §4.4's rebuild_needed predicate exactly: it is
// true iff any of the six listed conditions hold. hasPlan=false (no plan
// built yet) always triggers a rebuild.
func (e *RebuildEvaluator) RebuildNeeded(in Inputs, p core.Plan, hasPlan bool) bool {
	if !hasPlan {
		return true
	}
	if !in.Now.Before(p.BuiltAt.Add(e.MaxAge)) {
		return true
	}
	if expected, ok := p.ExpectedSOCAt(in.Now); ok {
		if absFloat(in.CurrentSOC-expected) > e.SOCDriftThreshold {
			return true
		}
	}
	if in.LatestForecastHash != p.ForecastHash {
		return true
	}
	if in.LatestTariffHash != p.TariffHash {
		return true
	}
	if in.OverrideJustExpired {
		return true
	}
	if !in.LastPlannerStatusWasOK && !in.LastPlannerAttemptAt.IsZero() &&
		in.Now.Sub(in.LastPlannerAttemptAt) >= e.RetryBackoff {
		return true
	}
	return false
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
