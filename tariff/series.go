// Package tariff maintains the rolling import/export price series consumed
// by the planner and arbitrator, in the lookup-by-slot style of the
// teacher's entsoe.PublicationMarketData.
package tariff

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/powermaster/energy-optimiser/core"
)

// Series stores the last 48h of history and next >=24h of forecast tariff
// points, with spike entry/exit hysteresis applied once per Advance call.
type Series struct {
	mu     sync.RWMutex
	points map[int64]core.TariffPoint // keyed by slot_start.Unix()

	spikeThresholdC float64
	spikeActive     bool
}

// NewSeries creates an empty tariff series with the given spike threshold.
func NewSeries(spikeThresholdC float64) *Series {
	return &Series{
		points:          make(map[int64]core.TariffPoint),
		spikeThresholdC: spikeThresholdC,
	}
}

// Put replaces or inserts the point for its slot, applying the raw spike
// flag (import_c >= spike_threshold_c). Hysteresis is resolved separately
// in Advance, since it depends on the currently active slot, not on
// insertion order.
func (s *Series) Put(p core.TariffPoint) {
	p.SlotStart = core.FloorToSlot(p.SlotStart)
	p.SpikeFlag = p.ImportC >= s.spikeThresholdC

	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[p.SlotStart.Unix()] = p
}

// PutAll inserts a batch of points, e.g. a freshly downloaded day-ahead
// document.
func (s *Series) PutAll(pts []core.TariffPoint) {
	for _, p := range pts {
		s.Put(p)
	}
}

// ErrNotAvailable is returned by Get when no point covers the slot.
var ErrNotAvailable = fmt.Errorf("tariff: no point available for slot")

// Get returns the tariff point covering slot, or ErrNotAvailable.
func (s *Series) Get(slot time.Time) (core.TariffPoint, error) {
	slot = core.FloorToSlot(slot)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.points[slot.Unix()]
	if !ok {
		return core.TariffPoint{}, ErrNotAvailable
	}
	return p, nil
}

// Advance resolves spike hysteresis for the slot covering now: once a spike
// is active it stays active until import_c drops below
// 0.9*spike_threshold_c for at least one slot.
func (s *Series) Advance(now time.Time) {
	p, err := s.Get(now)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spikeActive {
		if p.ImportC < 0.9*s.spikeThresholdC {
			s.spikeActive = false
		}
	} else if p.ImportC >= s.spikeThresholdC {
		s.spikeActive = true
	}

	p.SpikeFlag = s.spikeActive
	s.points[p.SlotStart.Unix()] = p
}

// SpikeActive reports the current hysteresis-resolved spike state.
func (s *Series) SpikeActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spikeActive
}

// Window returns all points with slot_start in [from, to), sorted ascending.
func (s *Series) Window(from, to time.Time) []core.TariffPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.TariffPoint, 0, len(s.points))
	for _, p := range s.points {
		if !p.SlotStart.Before(from) && p.SlotStart.Before(to) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotStart.Before(out[j].SlotStart) })
	return out
}

// PruneBefore discards points older than cutoff, keeping the 48h history
// window bounded.
func (s *Series) PruneBefore(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, p := range s.points {
		if p.SlotStart.Before(cutoff) {
			delete(s.points, k)
		}
	}
}

// Hash fingerprints the forecast-window points for the rebuild evaluator and
// the planner's determinism law.
func (s *Series) Hash(from, to time.Time) string {
	return core.HashTariff(s.Window(from, to))
}
