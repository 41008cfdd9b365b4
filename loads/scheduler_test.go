package loads

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/powermaster/energy-optimiser/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(os.Stdout, "[TEST] ", 0)
}

func noFault(string) bool { return false }

func TestLoadMinMaxScenario(t *testing.T) {
	// spec.md scenario 6: min=60, ideal=120, max=180, earliest=10, latest=18.
	def := core.LoadDefinition{
		Name: "ev_charger", PowerW: 7000, Enabled: true,
		MinRuntimeMin: 60, IdealRuntimeMin: 120, MaxRuntimeMin: 180,
		EarliestH: 10, LatestH: 18, PreferSolar: true,
	}
	sched := NewScheduler([]core.LoadDefinition{def}, testLogger())

	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	elapsed := 30 * time.Minute
	plan := map[string]bool{"ev_charger": true}

	var totalRunning time.Duration
	for i := 0; i < 16; i++ { // 8 hours at 30-minute ticks
		actions := sched.Tick(now, plan, noFault, elapsed)
		st, _ := sched.State("ev_charger")
		if st.State == core.LoadRunning {
			totalRunning += elapsed
		}
		_ = actions
		now = now.Add(elapsed)
	}

	assert.GreaterOrEqual(t, totalRunning.Minutes(), 60.0)
	assert.LessOrEqual(t, totalRunning.Minutes(), 180.0)
}

func TestIdleToRunningToCompleted(t *testing.T) {
	def := core.LoadDefinition{
		Name: "pool_pump", PowerW: 1000, Enabled: true,
		MinRuntimeMin: 30, IdealRuntimeMin: 60, MaxRuntimeMin: 60,
		EarliestH: 0, LatestH: 23,
	}
	sched := NewScheduler([]core.LoadDefinition{def}, testLogger())
	now := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)

	actions := sched.Tick(now, map[string]bool{"pool_pump": true}, noFault, 0)
	require.Len(t, actions, 1)
	assert.True(t, actions[0].TurnOn)

	now = now.Add(30 * time.Minute)
	sched.Tick(now, map[string]bool{"pool_pump": true}, noFault, 30*time.Minute)
	now = now.Add(30 * time.Minute)
	actions = sched.Tick(now, map[string]bool{"pool_pump": true}, noFault, 30*time.Minute)

	st, _ := sched.State("pool_pump")
	assert.Equal(t, core.LoadCompleted, st.State)
	require.Len(t, actions, 1)
	assert.False(t, actions[0].TurnOn)
}

func TestFaultLocksOutRegardlessOfPlan(t *testing.T) {
	def := core.LoadDefinition{Name: "heater", PowerW: 2000, Enabled: true, MaxRuntimeMin: 120, EarliestH: 0, LatestH: 23}
	sched := NewScheduler([]core.LoadDefinition{def}, testLogger())
	now := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)

	sched.Tick(now, map[string]bool{"heater": true}, noFault, 0)
	sched.Tick(now.Add(time.Minute), map[string]bool{"heater": true}, func(string) bool { return true }, time.Minute)

	st, _ := sched.State("heater")
	assert.Equal(t, core.LoadLockedOut, st.State)
}

func TestMidnightResetsRuntimeToday(t *testing.T) {
	def := core.LoadDefinition{Name: "heater", PowerW: 2000, Enabled: true, MaxRuntimeMin: 30, EarliestH: 0, LatestH: 23}
	sched := NewScheduler([]core.LoadDefinition{def}, testLogger())

	day1 := time.Date(2026, 7, 31, 22, 0, 0, 0, time.UTC)
	sched.Tick(day1, map[string]bool{"heater": true}, noFault, 0)
	sched.Tick(day1.Add(30*time.Minute), map[string]bool{"heater": true}, noFault, 30*time.Minute)

	st, _ := sched.State("heater")
	assert.Equal(t, core.LoadCompleted, st.State)

	day2 := time.Date(2026, 8, 1, 0, 30, 0, 0, time.UTC)
	sched.Tick(day2, map[string]bool{"heater": false}, noFault, 0)
	st, _ = sched.State("heater")
	assert.Equal(t, 0, st.RuntimeMinutesToday)
}
