package buffer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/streamplayer/internal/events"
	"github.com/mikeyg42/streamplayer/internal/logging"
	"github.com/mikeyg42/streamplayer/internal/loop"
	"github.com/mikeyg42/streamplayer/internal/model"
)

type fakeMedia struct {
	sched   loop.Scheduler
	ranges  []Range
	current float64
	rate    float64
	paused  bool
	muted   bool
	seeks   []float64
	plays   int
	playErr error
	err     error
}

func newFakeMedia(sched loop.Scheduler) *fakeMedia {
	return &fakeMedia{sched: sched, rate: 1.0, paused: true}
}

// buffer sets the playhead at 10s with the given seconds ahead of it.
func (m *fakeMedia) buffer(seconds float64) {
	m.current = 10
	m.ranges = []Range{{Start: 0, End: 10 + seconds}}
}

func (m *fakeMedia) Buffered() []Range         { return m.ranges }
func (m *fakeMedia) CurrentTime() float64      { return m.current }
func (m *fakeMedia) Seek(t float64)            { m.seeks = append(m.seeks, t); m.current = t }
func (m *fakeMedia) PlaybackRate() float64     { return m.rate }
func (m *fakeMedia) SetPlaybackRate(r float64) { m.rate = r }
func (m *fakeMedia) Pause()                    { m.paused = true }
func (m *fakeMedia) SetMuted(v bool)           { m.muted = v }
func (m *fakeMedia) Err() error                { return m.err }
func (m *fakeMedia) Play(done func(error)) {
	m.plays++
	err := m.playErr
	if err == nil {
		m.paused = false
	}
	m.sched.Post(func() { done(err) })
}

type fakeState struct{ s model.PlaybackState }

func (f *fakeState) PlaybackState() model.PlaybackState     { return f.s }
func (f *fakeState) SetPlaybackState(s model.PlaybackState) { f.s = s }

type harness struct {
	sched *loop.Manual
	bus   *events.Bus
	media *fakeMedia
	state *fakeState
	reg   *Regulator

	downgrades []events.SourceDowngrade
	buffering  int
	complete   int
	forceMute  int
	flushes    int
	fatal      []error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		sched: loop.NewManual(time.Unix(1_700_000_000, 0)),
		bus:   events.NewBus(),
		state: &fakeState{s: model.PlaybackBuffering},
	}
	h.media = newFakeMedia(h.sched)
	h.reg = NewRegulator(cfg, h.sched, h.bus, h.media, h.state, Hooks{
		Fatal: func(err error) { h.fatal = append(h.fatal, err) },
		Flush: func() { h.flushes++ },
	}, logging.Nop())

	events.MustOn(h.bus, "test", func(e events.SourceDowngrade) { h.downgrades = append(h.downgrades, e) })
	events.MustOn(h.bus, "test", func(events.BufferingStart) { h.buffering++ })
	events.MustOn(h.bus, "test", func(events.BufferingComplete) { h.complete++ })
	events.MustOn(h.bus, "test", func(events.PlaybackForceMute) { h.forceMute++ })
	return h
}

func (h *harness) tick() { h.sched.Post(h.reg.Tick) }

func TestBufferingStartsPlaybackAtStartThreshold(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.media.buffer(0.4)
	h.tick()
	assert.Equal(t, 0, h.media.plays)

	h.media.buffer(0.6)
	h.tick()
	require.Equal(t, 1, h.media.plays)
	assert.Equal(t, 1, h.complete)
	assert.Equal(t, model.PlaybackPlaying, h.state.s)
	// seek to one target behind the live edge
	require.Len(t, h.media.seeks, 1)
	assert.InDelta(t, 10.6-0.7, h.media.seeks[0], 1e-9)
}

func TestPreparingLatchBlocksReentrantStart(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.media.buffer(1)

	// run two ticks inside one loop turn so the play callback is still pending
	h.sched.Post(func() {
		h.reg.Tick()
		h.reg.Tick()
	})
	assert.Equal(t, 1, h.media.plays)
}

func TestAutoplayRejectionForcesMute(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.media.playErr = ErrNotAllowed
	h.media.buffer(1)

	h.tick()
	assert.True(t, h.media.muted)
	assert.Equal(t, 1, h.forceMute)
	assert.Equal(t, model.PlaybackBuffering, h.state.s)

	h.media.playErr = nil
	h.tick()
	assert.Equal(t, model.PlaybackPlaying, h.state.s)
}

func TestUnderrunAlwaysPauses(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	rates := []float64{0.9, 1.0, 1.1}
	for i := 0; i < 200; i++ {
		h := newHarness(t, DefaultConfig())
		h.state.s = model.PlaybackPlaying
		h.media.paused = false
		h.media.rate = rates[rng.Intn(len(rates))]
		if rng.Intn(2) == 0 {
			h.reg.seekCD.Trigger()
		}
		if rng.Intn(2) == 0 {
			h.reg.rateCD.Trigger()
		}
		h.reg.cfg.RateControl = rng.Intn(2) == 0

		h.media.buffer(h.reg.cfg.Thresholds.Min - 0.01)
		h.tick()

		require.True(t, h.media.paused, "iteration %d", i)
		require.Equal(t, model.PlaybackBuffering, h.state.s)
		require.Equal(t, 1, h.buffering)
	}
}

func TestOverflowSeeksToLiveEdge(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.state.s = model.PlaybackPlaying
	h.media.rate = 1.1

	h.media.buffer(3)
	h.tick()
	require.Len(t, h.media.seeks, 1)
	assert.InDelta(t, 13-0.7, h.media.seeks[0], 1e-9)
	assert.Equal(t, 1.0, h.media.rate)

	// cooling: a second overflow does not seek again
	h.media.buffer(3)
	h.tick()
	assert.Len(t, h.media.seeks, 1)
}

func TestRateNudging(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.state.s = model.PlaybackPlaying

	h.media.buffer(1.5)
	h.tick()
	assert.Equal(t, 1.1, h.media.rate)

	// below target while cooling: only normalises to 1.0
	h.media.buffer(0.3)
	h.tick()
	assert.Equal(t, 1.0, h.media.rate)

	h.sched.Advance(11 * time.Second)
	h.media.buffer(0.3)
	h.tick()
	assert.Equal(t, 0.9, h.media.rate)

	h.media.buffer(0.7)
	h.tick()
	assert.Equal(t, 1.0, h.media.rate)
}

func TestRateControlDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateControl = false
	h := newHarness(t, cfg)
	h.state.s = model.PlaybackPlaying

	h.media.buffer(1.5)
	h.tick()
	assert.Equal(t, 1.0, h.media.rate)
	assert.Empty(t, h.media.seeks)
}

func TestTwoUnderrunsRaiseOneDowngrade(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.reg.Bandwidth().AddReceivedBits(2_048_000)
	h.state.s = model.PlaybackPlaying

	underrun := func() {
		h.state.s = model.PlaybackPlaying
		h.media.buffer(0.1)
		h.tick()
		require.Equal(t, model.PlaybackBuffering, h.state.s)
	}

	underrun()
	h.sched.Advance(time.Second)
	underrun()
	assert.Empty(t, h.downgrades, "count is refreshed on the next tick")

	h.media.buffer(0.1)
	h.tick()
	require.Len(t, h.downgrades, 1)
	assert.Zero(t, h.reg.Overload().Count())
	assert.Positive(t, h.downgrades[0].CapKbps)

	for i := 0; i < 50; i++ {
		h.tick()
	}
	assert.Len(t, h.downgrades, 1)
}

func TestUnderrunsOutsideWindowDoNotDowngrade(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.state.s = model.PlaybackPlaying
	h.media.buffer(0.1)
	h.tick()

	h.sched.Advance(31 * time.Second)
	h.state.s = model.PlaybackPlaying
	h.tick()
	h.tick()
	assert.Empty(t, h.downgrades)
	assert.Equal(t, 1, h.reg.Overload().Count())
}

func TestFatalErrorDelegatesToSink(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.media.err = assert.AnError
	h.tick()
	require.Len(t, h.fatal, 1)

	h.reg.SetRecovering(true)
	h.tick()
	assert.Len(t, h.fatal, 1)
}

func TestPeriodicFlush(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.media.buffer(0.1)
	h.reg.Start()
	h.sched.Advance(61 * time.Second)
	assert.Equal(t, 1, h.flushes)
	h.reg.Stop()
	assert.False(t, h.reg.Running())
}

func TestSampleModeOnlyMeasures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeSample
	h := newHarness(t, cfg)
	h.media.buffer(1)
	h.tick()
	assert.Zero(t, h.media.plays)
	assert.Equal(t, 1.0, h.reg.Telemetry().Seconds)
}

func TestThresholdValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	assert.False(t, h.reg.SetThresholds(Thresholds{Min: 1, Start: 0.5, Target: 0.7, Max: 2}))
	assert.True(t, h.reg.SetThresholds(Thresholds{Min: 0.5, Start: 1, Target: 1.5, Max: 3}))
	assert.Equal(t, 1.5, h.reg.Thresholds().Target)
}
