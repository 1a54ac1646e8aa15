package buffer

import (
	"math"
	"slices"
	"time"

	"github.com/mikeyg42/streamplayer/internal/analyse"
)

// Cooldown suppresses an action for a fixed duration after it fires.
type Cooldown struct {
	now      func() time.Time
	duration time.Duration
	last     time.Time
}

func NewCooldown(now func() time.Time, d time.Duration) *Cooldown {
	return &Cooldown{now: now, duration: d}
}

func (c *Cooldown) Trigger()                    { c.last = c.now() }
func (c *Cooldown) SetDuration(d time.Duration) { c.duration = d }
func (c *Cooldown) Duration() time.Duration     { return c.duration }
func (c *Cooldown) Reset()                      { c.last = time.Time{} }

// Cooling reports whether the last trigger is within the duration.
func (c *Cooldown) Cooling() bool {
	if c.last.IsZero() {
		return false
	}
	return c.last.Add(c.duration).After(c.now())
}

// OverloadMeter counts underruns inside a rolling window.
type OverloadMeter struct {
	now     func() time.Time
	window  time.Duration
	entries []time.Time
	count   int
}

func NewOverloadMeter(now func() time.Time, window time.Duration) *OverloadMeter {
	return &OverloadMeter{now: now, window: window}
}

// AddEntry records an underrun at the current time.
func (m *OverloadMeter) AddEntry() {
	m.entries = append(m.entries, m.now())
}

// Mark prunes entries older than the window and refreshes the count.
func (m *OverloadMeter) Mark() {
	threshold := m.now().Add(-m.window)
	i := 0
	for i < len(m.entries) && m.entries[i].Before(threshold) {
		i++
	}
	m.entries = m.entries[i:]
	m.count = len(m.entries)
}

// Count is the number of entries as of the last Mark.
func (m *OverloadMeter) Count() int { return m.count }

func (m *OverloadMeter) Reset() {
	m.entries = nil
	m.count = 0
}

type bitSample struct {
	bits float64
	at   time.Time
}

// BandwidthMeter estimates received throughput in bits per second from the
// bits fed between Mark calls.
type BandwidthMeter struct {
	now      func() time.Time
	current  *analyse.Window[bitSample]
	history  *analyse.Window[float64]
	awaiting float64
	total    float64
	bps      float64
	minBps   float64
	maxBps   float64
}

func NewBandwidthMeter(now func() time.Time, size int) *BandwidthMeter {
	return &BandwidthMeter{
		now:     now,
		current: analyse.NewWindow[bitSample](size),
		history: analyse.NewWindow[float64](size),
	}
}

// AddReceivedBits accumulates bits since the last Mark.
func (m *BandwidthMeter) AddReceivedBits(bits float64) {
	m.awaiting += bits
	m.total += bits
}

// Mark closes the current interval and updates the estimates.
func (m *BandwidthMeter) Mark() {
	m.current.Add(bitSample{bits: m.awaiting, at: m.now()})
	m.awaiting = 0

	m.bps = m.rate()
	m.history.Add(m.bps)

	trimmed := trim(m.history.Values())
	if len(trimmed) > 0 {
		m.minBps = slices.Min(trimmed)
		m.maxBps = slices.Max(trimmed)
	}
}

func (m *BandwidthMeter) rate() float64 {
	samples := m.current.Values()
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	first, last := samples[0].at, samples[0].at
	for _, s := range samples {
		sum += s.bits
		if s.at.Before(first) {
			first = s.at
		}
		if s.at.After(last) {
			last = s.at
		}
	}
	span := last.Sub(first).Seconds()
	if span == 0 {
		return sum
	}
	return sum / span
}

// trim drops the top and bottom 10% once there are more than four values.
func trim(values []float64) []float64 {
	if len(values) <= 4 {
		return values
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	cut := int(math.Floor(float64(len(sorted)) * 0.1))
	return sorted[cut : len(sorted)-cut]
}

func (m *BandwidthMeter) Current() float64 { return m.bps }

// Max is the trimmed maximum, falling back to the current estimate.
func (m *BandwidthMeter) Max() float64 {
	if m.maxBps != 0 {
		return m.maxBps
	}
	return m.bps
}

// Min is the trimmed minimum, falling back to the current estimate.
func (m *BandwidthMeter) Min() float64 {
	if m.minBps != 0 {
		return m.minBps
	}
	return m.bps
}

func (m *BandwidthMeter) TotalBits() float64 { return m.total }

// Reset clears the interval samples. The min/max history is kept.
func (m *BandwidthMeter) Reset() {
	m.total = 0
	m.awaiting = 0
	m.current.Clear()
}
