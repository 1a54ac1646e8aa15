package analyse

import (
	"math"

	"github.com/mikeyg42/streamplayer/internal/model"
)

// BufferStats summarises the buffer window. Values are rounded to 4 decimals.
type BufferStats struct {
	Current   float64 `json:"current"`
	Mean      float64 `json:"mean"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Deviation float64 `json:"deviation"`
}

// BufferAnalyser tracks buffered-seconds samples and grades their stability.
type BufferAnalyser struct {
	samples *Window[float64]
	stats   BufferStats
}

func NewBufferAnalyser() *BufferAnalyser {
	return &BufferAnalyser{samples: NewWindow[float64](WindowSize)}
}

// AddEntry records one buffered-seconds sample.
func (a *BufferAnalyser) AddEntry(seconds float64) {
	a.samples.Add(seconds)
	v := a.samples.Values()

	lo, hi, sum := v[0], v[0], 0.0
	for _, x := range v {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
		sum += x
	}
	mean := sum / float64(len(v))

	var sq float64
	for _, x := range v {
		sq += (x - mean) * (x - mean)
	}

	a.stats = BufferStats{
		Current:   seconds,
		Mean:      round4(mean),
		Min:       round4(lo),
		Max:       round4(hi),
		Deviation: round4(math.Sqrt(sq / float64(len(v)))),
	}
}

// Stability grades the deviation. It is MEDIUM until the window fills.
func (a *BufferAnalyser) Stability() model.Stability {
	if !a.samples.Full() {
		return model.StabilityMedium
	}
	switch d := a.stats.Deviation; {
	case d < 0.02:
		return model.StabilityGood
	case d < 0.05:
		return model.StabilityMedium
	default:
		return model.StabilityBad
	}
}

func (a *BufferAnalyser) Stats() BufferStats  { return a.stats }
func (a *BufferAnalyser) Deviation() float64  { return a.stats.Deviation }
func (a *BufferAnalyser) BufferSize() float64 { return a.stats.Current }

func (a *BufferAnalyser) Reset() {
	a.samples.Clear()
	a.stats = BufferStats{}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
