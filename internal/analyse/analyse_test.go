package analyse

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/mikeyg42/streamplayer/internal/model"
)

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow[int](3)
	for i := 1; i <= 5; i++ {
		w.Add(i)
	}
	assert.Equal(t, []int{3, 4, 5}, w.Values())
	assert.Equal(t, []int{5, 4}, w.Recent(2))
	last, ok := w.Last()
	assert.True(t, ok)
	assert.Equal(t, 5, last)
	assert.True(t, w.Full())

	w.Clear()
	assert.Zero(t, w.Len())
	assert.Nil(t, w.Values())
	_, ok = w.Last()
	assert.False(t, ok)
}

func TestWindowPanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { NewWindow[int](0) })
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestBandwidthTrend(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		want    model.Trend
	}{
		{"single sample", []float64{40}, model.TrendStable},
		{"sudden jump", []float64{0, 30}, model.TrendRising},
		{"sudden drop", []float64{50, 20}, model.TrendFalling},
		{"small noise", []float64{0, 5, 2, 8, 3}, model.TrendStable},
		{"gradual rise", []float64{0, 12, 24, 30}, model.TrendRising},
		{"gradual fall", []float64{60, 45, 33, 30}, model.TrendFalling},
		{"mixed ends rising", []float64{50, 35, 50, 52}, model.TrendRising},
		{"mixed flat last change", []float64{10, 25, 10, 10}, model.TrendFalling},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewBandwidthAnalyser(nil)
			for _, s := range tt.samples {
				a.AddEntry(s)
			}
			assert.Equal(t, tt.want, a.Trend())
		})
	}
}

func TestBandwidthTrendDuration(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	a := NewBandwidthAnalyser(clk.now)

	a.AddEntry(0)
	clk.t = clk.t.Add(3 * time.Second)
	a.AddEntry(1)
	assert.Equal(t, 3*time.Second, a.TrendDuration())

	clk.t = clk.t.Add(time.Second)
	a.AddEntry(40)
	assert.Equal(t, model.TrendRising, a.Trend())
	assert.Zero(t, a.TrendDuration())

	a.Reset()
	assert.Equal(t, model.TrendStable, a.Trend())
}

func TestBufferStats(t *testing.T) {
	a := NewBufferAnalyser()
	for _, s := range []float64{0.5, 0.7, 0.9} {
		a.AddEntry(s)
	}
	want := BufferStats{Current: 0.9, Mean: 0.7, Min: 0.5, Max: 0.9, Deviation: 0.1633}
	if diff := cmp.Diff(want, a.Stats()); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
	// not full yet
	assert.Equal(t, model.StabilityMedium, a.Stability())
}

func TestBufferStability(t *testing.T) {
	tests := []struct {
		name   string
		spread float64
		want   model.Stability
	}{
		{"flat", 0, model.StabilityGood},
		{"slight", 0.03, model.StabilityMedium},
		{"wild", 0.2, model.StabilityBad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewBufferAnalyser()
			for i := 0; i < WindowSize; i++ {
				v := 0.7
				if i%2 == 0 {
					v += tt.spread
				} else {
					v -= tt.spread
				}
				a.AddEntry(v)
			}
			assert.Equal(t, tt.want, a.Stability())
		})
	}
}
