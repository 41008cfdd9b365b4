// Package resilience tracks per-provider health and degrades dependent
// decisions when inputs fail, generalizing the teacher's
// scheduler.HealthServer / SchedulerHealth status reporting from a single
// scheduler-wide health flag to per-provider tracking.
package resilience

import (
	"sync"
	"time"
)

// ProviderStatus is the per-provider health snapshot exposed at
// GET /api/providers/status.
type ProviderStatus struct {
	Name                string
	Healthy             bool
	Configured          bool
	DataAgeSeconds      float64
	ConsecutiveFailures int
	LastError           string
}

// Manager tracks provider health, marking a source unhealthy after N
// consecutive failures. The §7 retry delay is computed separately by
// Backoff.
type Manager struct {
	mu        sync.Mutex
	providers map[string]*providerState

	unhealthyAfter int
}

type providerState struct {
	configured          bool
	lastSuccessAt        time.Time
	consecutiveFailures int
	lastError           string
}

// NewManager creates a resilience manager that marks a provider unhealthy
// after unhealthyAfter consecutive failures.
func NewManager(unhealthyAfter int) *Manager {
	return &Manager{
		providers:      make(map[string]*providerState),
		unhealthyAfter: unhealthyAfter,
	}
}

// Configure registers a provider as present in configuration (as opposed to
// simply absent/not-configured, which is reported distinctly from unhealthy).
func (m *Manager) Configure(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = &providerState{configured: true}
}

// RecordSuccess clears the failure streak for a provider.
func (m *Manager) RecordSuccess(name string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(name)
	st.lastSuccessAt = now
	st.consecutiveFailures = 0
	st.lastError = ""
}

// RecordFailure increments the failure streak for a provider.
func (m *Manager) RecordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(name)
	st.consecutiveFailures++
	if err != nil {
		st.lastError = err.Error()
	}
}

func (m *Manager) stateLocked(name string) *providerState {
	st, ok := m.providers[name]
	if !ok {
		st = &providerState{}
		m.providers[name] = st
	}
	return st
}

// Healthy reports whether a provider is currently healthy (below the
// consecutive-failure threshold).
func (m *Manager) Healthy(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.providers[name]
	if !ok {
		return false
	}
	return st.consecutiveFailures < m.unhealthyAfter
}

// Status returns the current snapshot for every tracked provider, for the
// dashboard's provider-health endpoint.
func (m *Manager) Status(now time.Time) []ProviderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ProviderStatus, 0, len(m.providers))
	for name, st := range m.providers {
		age := 0.0
		if !st.lastSuccessAt.IsZero() {
			age = now.Sub(st.lastSuccessAt).Seconds()
		}
		out = append(out, ProviderStatus{
			Name:                name,
			Healthy:             st.consecutiveFailures < m.unhealthyAfter,
			Configured:          st.configured,
			DataAgeSeconds:      age,
			ConsecutiveFailures: st.consecutiveFailures,
			LastError:           st.lastError,
		})
	}
	return out
}

// Backoff computes the exponential jittered retry delay for the given
// attempt number (0-indexed): 200ms doubling per attempt and capped at
// 30s, then, when jitter is given, scaled by a factor in [0.5, 1.0], so
// the result lies in [100ms, 30s].
func Backoff(attempt int, jitter func() float64) time.Duration {
	base := 200 * time.Millisecond
	max := 30 * time.Second

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if jitter != nil {
		factor := 0.5 + jitter()*0.5 // jittered within [0.5x, 1.0x]
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}
