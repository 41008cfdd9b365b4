package tariff

import (
	"testing"
	"time"

	"github.com/powermaster/energy-optimiser/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slotAt(h, m int) time.Time {
	return time.Date(2026, 7, 31, h, m, 0, 0, time.UTC)
}

func TestSeriesGetMissing(t *testing.T) {
	s := NewSeries(80)
	_, err := s.Get(slotAt(10, 0))
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestSeriesPutAndGet(t *testing.T) {
	s := NewSeries(80)
	s.Put(core.TariffPoint{SlotStart: slotAt(10, 0), ImportC: 12, ExportC: 4})

	p, err := s.Get(slotAt(10, 15))
	require.NoError(t, err)
	assert.Equal(t, 12.0, p.ImportC)
	assert.False(t, p.SpikeFlag)
}

func TestSpikeHysteresis(t *testing.T) {
	s := NewSeries(80)
	s.Put(core.TariffPoint{SlotStart: slotAt(10, 0), ImportC: 90})
	s.Advance(slotAt(10, 0))
	assert.True(t, s.SpikeActive())

	// drops below threshold but above the 0.9x exit point: stays active
	s.Put(core.TariffPoint{SlotStart: slotAt(10, 30), ImportC: 75})
	s.Advance(slotAt(10, 30))
	assert.True(t, s.SpikeActive())

	// drops below 0.9*80 = 72: exits
	s.Put(core.TariffPoint{SlotStart: slotAt(11, 0), ImportC: 70})
	s.Advance(slotAt(11, 0))
	assert.False(t, s.SpikeActive())
}

func TestWindowAndPrune(t *testing.T) {
	s := NewSeries(80)
	s.PutAll([]core.TariffPoint{
		{SlotStart: slotAt(0, 0), ImportC: 1},
		{SlotStart: slotAt(1, 0), ImportC: 2},
		{SlotStart: slotAt(2, 0), ImportC: 3},
	})

	win := s.Window(slotAt(0, 30), slotAt(2, 30))
	require.Len(t, win, 2)
	assert.Equal(t, 2.0, win[0].ImportC)

	s.PruneBefore(slotAt(2, 0))
	_, err := s.Get(slotAt(0, 0))
	assert.ErrorIs(t, err, ErrNotAvailable)
}
