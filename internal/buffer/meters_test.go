package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCooldown(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	cd := NewCooldown(c.now, 10*time.Second)
	assert.False(t, cd.Cooling())

	cd.Trigger()
	c.advance(9 * time.Second)
	assert.True(t, cd.Cooling())
	c.advance(time.Second)
	assert.False(t, cd.Cooling())

	cd.Trigger()
	cd.Reset()
	assert.False(t, cd.Cooling())
}

func TestOverloadMeterPrunesOldEntries(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	m := NewOverloadMeter(c.now, 30*time.Second)
	m.AddEntry()
	c.advance(20 * time.Second)
	m.AddEntry()
	m.Mark()
	assert.Equal(t, 2, m.Count())

	c.advance(15 * time.Second)
	m.Mark()
	assert.Equal(t, 1, m.Count())

	m.Reset()
	assert.Zero(t, m.Count())
}

func TestBandwidthMeterTrimsOutliers(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	m := NewBandwidthMeter(c.now, 10)

	m.AddReceivedBits(1000)
	m.Mark()
	assert.Equal(t, 1000.0, m.Current(), "zero span reports the raw sum")

	for i := 0; i < 9; i++ {
		c.advance(time.Second)
		m.AddReceivedBits(1000)
		m.Mark()
	}
	// ten samples of 1000 bits across 9 seconds
	assert.InDelta(t, 10000.0/9, m.Current(), 1e-9)
	assert.GreaterOrEqual(t, m.Max(), m.Min())
	assert.Equal(t, 10000.0, m.TotalBits())

	m.Reset()
	assert.Zero(t, m.TotalBits())
}

func TestTrim(t *testing.T) {
	assert.Equal(t, []float64{3, 1, 2}, trim([]float64{3, 1, 2}))
	got := trim([]float64{100, 5, 4, 3, 2, 1, 6, 7, 8, 0})
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8}, got)
}
