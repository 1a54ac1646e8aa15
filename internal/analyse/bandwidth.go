package analyse

import (
	"math"
	"time"

	"github.com/mikeyg42/streamplayer/internal/model"
)

const (
	// WindowSize is the sample count both analysers keep.
	WindowSize = 20

	significantChange = 25
	stabilityDelta    = 10
)

// BandwidthAnalyser classifies the trend of undelivered packet counts
// reported by the server.
type BandwidthAnalyser struct {
	now        func() time.Time
	samples    *Window[float64]
	trend      model.Trend
	trendStart time.Time
	duration   time.Duration
}

// NewBandwidthAnalyser creates an analyser. now defaults to time.Now.
func NewBandwidthAnalyser(now func() time.Time) *BandwidthAnalyser {
	if now == nil {
		now = time.Now
	}
	return &BandwidthAnalyser{
		now:        now,
		samples:    NewWindow[float64](WindowSize),
		trend:      model.TrendStable,
		trendStart: now(),
	}
}

// AddEntry records a sample and recomputes the trend.
func (a *BandwidthAnalyser) AddEntry(undelivered float64) {
	a.samples.Add(undelivered)
	a.update(a.classify())
}

func (a *BandwidthAnalyser) classify() model.Trend {
	v := a.samples.Values()
	if len(v) < 2 {
		return model.TrendStable
	}

	change := v[len(v)-1] - v[len(v)-2]
	if math.Abs(change) > significantChange {
		return direction(change)
	}

	var rising, falling bool
	significant := 0
	for i := 1; i < len(v); i++ {
		diff := v[i] - v[i-1]
		if math.Abs(diff) <= stabilityDelta {
			continue
		}
		significant++
		if diff > 0 {
			rising = true
		} else {
			falling = true
		}
	}

	switch {
	case significant == 0:
		return model.TrendStable
	case rising && !falling:
		return model.TrendRising
	case falling && !rising:
		return model.TrendFalling
	default:
		// mixed: the latest change decides
		return direction(change)
	}
}

func direction(change float64) model.Trend {
	if change > 0 {
		return model.TrendRising
	}
	return model.TrendFalling
}

func (a *BandwidthAnalyser) update(t model.Trend) {
	now := a.now()
	if t != a.trend {
		a.trend = t
		a.trendStart = now
		a.duration = 0
		return
	}
	a.duration = now.Sub(a.trendStart)
}

// Trend returns the current classification.
func (a *BandwidthAnalyser) Trend() model.Trend { return a.trend }

// TrendDuration is how long the current trend has held, as of the last sample.
func (a *BandwidthAnalyser) TrendDuration() time.Duration { return a.duration }

// Reset drops all samples and returns to STABLE.
func (a *BandwidthAnalyser) Reset() {
	a.samples.Clear()
	a.trend = model.TrendStable
	a.trendStart = a.now()
	a.duration = 0
}
