// Package buffer runs the per-session control loop that keeps buffered media
// near its target by pausing, seeking and nudging the playback rate.
package buffer

import (
	"errors"
	"math"
	"time"

	"github.com/mikeyg42/streamplayer/internal/analyse"
	"github.com/mikeyg42/streamplayer/internal/events"
	"github.com/mikeyg42/streamplayer/internal/logging"
	"github.com/mikeyg42/streamplayer/internal/loop"
	"github.com/mikeyg42/streamplayer/internal/model"
)

// ErrNotAllowed is reported by a Media whose platform refused unmuted
// autoplay.
var ErrNotAllowed = errors.New("play not allowed")

// Range is one contiguous buffered interval, in seconds.
type Range struct {
	Start float64
	End   float64
}

// Media is what the regulator needs from a presentation surface.
type Media interface {
	Buffered() []Range
	CurrentTime() float64
	Seek(t float64)
	PlaybackRate() float64
	SetPlaybackRate(r float64)
	// Play starts playback and reports the outcome through done, on the loop.
	Play(done func(error))
	Pause()
	SetMuted(muted bool)
	// Err is the surface's fatal error, if any.
	Err() error
}

// StateHolder gives the regulator access to the playback state it may move
// between BUFFERING and PLAYING.
type StateHolder interface {
	PlaybackState() model.PlaybackState
	SetPlaybackState(s model.PlaybackState)
}

// Observer receives telemetry each tick.
type Observer interface {
	ObserveBuffer(t model.BufferTelemetry)
}

// Thresholds are buffered-seconds levels with min < start <= target <= max.
type Thresholds struct {
	Min    float64 `yaml:"min" json:"min"`
	Start  float64 `yaml:"start" json:"start"`
	Target float64 `yaml:"target" json:"target"`
	Max    float64 `yaml:"max" json:"max"`
}

// DefaultThresholds are the stock buffer levels.
func DefaultThresholds() Thresholds {
	return Thresholds{Min: 0.2, Start: 0.5, Target: 0.7, Max: 2.0}
}

// Valid reports whether the thresholds are ordered.
func (t Thresholds) Valid() bool {
	return t.Min >= 0 && t.Min < t.Start && t.Start <= t.Target && t.Target <= t.Max
}

// Mode selects how much control the regulator exercises.
type Mode int

const (
	// ModeRegulate runs the full start/pause/seek/rate loop.
	ModeRegulate Mode = iota
	// ModeSample only feeds the meters and analyser.
	ModeSample
)

// Config configures a Regulator.
type Config struct {
	Thresholds      Thresholds
	Mode            Mode
	RateControl     bool
	TargetMargin    float64
	Tick            time.Duration
	SeekCooldown    time.Duration
	RateCooldown    time.Duration
	BitrateCooldown time.Duration
	OverloadWindow  time.Duration
	OverloadLimit   int
	FlushInterval   time.Duration
	MeterSize       int
}

// DefaultConfig returns desktop settings. Mobile platforms use longer seek and
// rate cooldowns, see MobileConfig.
func DefaultConfig() Config {
	return Config{
		Thresholds:      DefaultThresholds(),
		Mode:            ModeRegulate,
		RateControl:     true,
		TargetMargin:    0.2,
		Tick:            100 * time.Millisecond,
		SeekCooldown:    10 * time.Second,
		RateCooldown:    10 * time.Second,
		BitrateCooldown: 20 * time.Second,
		OverloadWindow:  30 * time.Second,
		OverloadLimit:   2,
		FlushInterval:   60 * time.Second,
		MeterSize:       60,
	}
}

// MobileConfig returns the settings used on mobile devices.
func MobileConfig() Config {
	c := DefaultConfig()
	c.SeekCooldown = 60 * time.Second
	c.RateCooldown = 30 * time.Second
	return c
}

// Hooks let the owning sink react to regulator decisions.
type Hooks struct {
	// Fatal is called when the media reports an error.
	Fatal func(err error)
	// Flush is called every FlushInterval to trim old media.
	Flush func()
}

// Regulator is the buffer control loop for one playback session.
type Regulator struct {
	cfg      Config
	sched    loop.Scheduler
	bus      *events.Bus
	media    Media
	state    StateHolder
	hooks    Hooks
	log      logging.Logger
	observer Observer

	analyser  *analyse.BufferAnalyser
	bandwidth *BandwidthMeter
	overload  *OverloadMeter
	seekCD    *Cooldown
	rateCD    *Cooldown
	bitrateCD *Cooldown

	timer      loop.Timer
	preparing  bool
	recovering bool
	lastFlush  time.Time
	telemetry  model.BufferTelemetry
}

// NewRegulator creates a stopped regulator.
func NewRegulator(cfg Config, sched loop.Scheduler, bus *events.Bus, media Media, state StateHolder, hooks Hooks, log logging.Logger) *Regulator {
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.MeterSize <= 0 {
		cfg.MeterSize = 60
	}
	if cfg.OverloadLimit <= 0 {
		cfg.OverloadLimit = 2
	}
	now := sched.Now
	return &Regulator{
		cfg:       cfg,
		sched:     sched,
		bus:       bus,
		media:     media,
		state:     state,
		hooks:     hooks,
		log:       logging.OrGlobal(log).Named("regulator"),
		analyser:  analyse.NewBufferAnalyser(),
		bandwidth: NewBandwidthMeter(now, cfg.MeterSize),
		overload:  NewOverloadMeter(now, cfg.OverloadWindow),
		seekCD:    NewCooldown(now, cfg.SeekCooldown),
		rateCD:    NewCooldown(now, cfg.RateCooldown),
		bitrateCD: NewCooldown(now, cfg.BitrateCooldown),
	}
}

// SetObserver attaches a telemetry observer.
func (r *Regulator) SetObserver(o Observer) { r.observer = o }

// SetThresholds swaps thresholds at runtime. Invalid values are ignored.
func (r *Regulator) SetThresholds(t Thresholds) bool {
	if !t.Valid() {
		r.log.Warn("ignoring invalid buffer thresholds", logging.Any("thresholds", t))
		return false
	}
	r.cfg.Thresholds = t
	return true
}

func (r *Regulator) Thresholds() Thresholds { return r.cfg.Thresholds }

// Start begins ticking. Calling Start on a running regulator is a no-op.
func (r *Regulator) Start() {
	if r.timer != nil {
		return
	}
	r.lastFlush = r.sched.Now()
	r.timer = r.sched.Every(r.cfg.Tick, r.Tick)
}

// Stop halts ticking.
func (r *Regulator) Stop() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Running reports whether the tick timer is active.
func (r *Regulator) Running() bool { return r.timer != nil }

// Reset clears meters, cooldowns and latches.
func (r *Regulator) Reset() {
	r.preparing = false
	r.seekCD.Reset()
	r.rateCD.Reset()
	r.bitrateCD.Reset()
	r.analyser.Reset()
	r.bandwidth.Reset()
	r.overload.Reset()
	r.telemetry = model.BufferTelemetry{}
}

// SetRecovering suspends ticks while the owning sink rebuilds its pipeline.
func (r *Regulator) SetRecovering(v bool) { r.recovering = v }

// Bandwidth exposes the throughput meter so the sink can feed it.
func (r *Regulator) Bandwidth() *BandwidthMeter { return r.bandwidth }

// Analyser exposes buffer statistics.
func (r *Regulator) Analyser() *analyse.BufferAnalyser { return r.analyser }

// Overload exposes the underrun counter.
func (r *Regulator) Overload() *OverloadMeter { return r.overload }

// Telemetry returns the most recent tick's telemetry.
func (r *Regulator) Telemetry() model.BufferTelemetry { return r.telemetry }

// BufferedSeconds is the media available ahead of the playhead.
func (r *Regulator) BufferedSeconds() float64 {
	ranges := r.media.Buffered()
	if len(ranges) == 0 {
		return 0
	}
	cur := r.media.CurrentTime()
	if cur < ranges[0].Start {
		return ranges[0].End - ranges[0].Start
	}
	for _, rg := range ranges {
		if rg.Start <= cur && cur <= rg.End {
			return rg.End - cur
		}
	}
	return 0
}

// Tick runs one iteration of the control loop.
func (r *Regulator) Tick() {
	if r.recovering {
		return
	}
	if err := r.media.Err(); err != nil {
		if r.hooks.Fatal != nil {
			r.hooks.Fatal(err)
		}
		return
	}

	r.overload.Mark()
	r.bandwidth.Mark()
	size := r.BufferedSeconds()
	r.analyser.AddEntry(size)

	if r.cfg.Mode == ModeRegulate {
		r.regulate(size)
		r.checkOverload()
		r.maybeFlush()
	}
	r.publishTelemetry(size)
}

func (r *Regulator) regulate(size float64) {
	th := r.cfg.Thresholds
	switch r.state.PlaybackState() {
	case model.PlaybackBuffering:
		if size < th.Start || r.preparing {
			return
		}
		r.startPlayback(th)

	case model.PlaybackPlaying:
		near := isNear(size, th.Target, r.cfg.TargetMargin)
		switch {
		case size < th.Min:
			r.state.SetPlaybackState(model.PlaybackBuffering)
			r.bus.Publish(events.BufferingStart{})
			r.overload.AddEntry()
			r.media.Pause()

		case size > th.Max && !r.seekCD.Cooling() && !r.rateCD.Cooling():
			r.jumpToLiveEdge(th.Target)

		case size > th.Target && !near:
			if !r.cfg.RateControl {
				return
			}
			if r.media.PlaybackRate() == 0.9 {
				r.setRate(1.0)
			}
			if r.media.PlaybackRate() == 1.0 && !r.rateCD.Cooling() {
				r.setRate(1.1)
			}

		case size < th.Target && !near:
			if !r.cfg.RateControl {
				return
			}
			if r.media.PlaybackRate() == 1.1 {
				r.setRate(1.0)
			}
			if r.media.PlaybackRate() == 1.0 && !r.rateCD.Cooling() {
				r.setRate(0.9)
			}

		case near:
			if r.cfg.RateControl && r.media.PlaybackRate() != 1.0 {
				r.setRate(1.0)
			}
		}
	}
}

func (r *Regulator) startPlayback(th Thresholds) {
	r.preparing = true
	r.bus.Publish(events.BufferingComplete{})

	if ranges := r.media.Buffered(); len(ranges) > 0 {
		edge := ranges[len(ranges)-1].End - th.Target
		r.media.Seek(math.Max(ranges[0].Start, edge))
	}

	r.media.Play(func(err error) {
		r.preparing = false
		switch {
		case err == nil:
			if r.state.PlaybackState() == model.PlaybackBuffering {
				r.state.SetPlaybackState(model.PlaybackPlaying)
			}
		case errors.Is(err, ErrNotAllowed):
			r.log.Warn("autoplay refused, retrying muted")
			r.state.SetPlaybackState(model.PlaybackBuffering)
			r.media.SetMuted(true)
			r.bus.Publish(events.PlaybackForceMute{})
		default:
			r.log.Warn("play failed", logging.Error(err))
		}
	})
}

func (r *Regulator) jumpToLiveEdge(target float64) {
	ranges := r.media.Buffered()
	if len(ranges) == 0 {
		return
	}
	end := ranges[len(ranges)-1].End
	pos := end - target
	inside := false
	for _, rg := range ranges {
		if rg.Start <= pos && pos <= rg.End {
			inside = true
			break
		}
	}
	if !inside {
		pos = math.Max(ranges[0].Start, pos)
	}
	r.log.Debug("buffer overflow, seeking to live edge", logging.Float64("position", pos))
	r.media.Seek(pos)
	r.media.SetPlaybackRate(1.0)
	r.seekCD.Trigger()
	r.rateCD.Trigger()
}

func (r *Regulator) setRate(rate float64) {
	r.media.SetPlaybackRate(rate)
	r.rateCD.Trigger()
	r.log.Debug("playback rate changed", logging.Float64("rate", rate))
}

func (r *Regulator) checkOverload() {
	if r.overload.Count() < r.cfg.OverloadLimit || r.bitrateCD.Cooling() {
		return
	}
	r.overload.Reset()
	r.bitrateCD.Trigger()
	capKbps := int(math.Round((r.bandwidth.Max() + r.bandwidth.Current()) / 2 / 1024))
	r.log.Info("sustained underrun, requesting downgrade", logging.Int("capKbps", capKbps))
	r.bus.Publish(events.SourceDowngrade{CapKbps: capKbps})
}

func (r *Regulator) maybeFlush() {
	now := r.sched.Now()
	if now.Sub(r.lastFlush) < r.cfg.FlushInterval {
		return
	}
	r.lastFlush = now
	if len(r.media.Buffered()) > 0 && r.hooks.Flush != nil {
		r.hooks.Flush()
	}
}

func (r *Regulator) publishTelemetry(size float64) {
	th := r.cfg.Thresholds
	r.telemetry = model.BufferTelemetry{
		Seconds:      size,
		Min:          th.Min,
		Start:        th.Start,
		Target:       th.Target,
		Max:          th.Max,
		Deviation:    r.analyser.Deviation(),
		Condition:    classify(size, th, r.cfg.TargetMargin),
		PlaybackRate: r.media.PlaybackRate(),
	}
	if r.observer != nil {
		r.observer.ObserveBuffer(r.telemetry)
	}
}

func classify(size float64, th Thresholds, margin float64) model.BufferCondition {
	switch {
	case size < th.Min:
		return model.ConditionUnderrun
	case size > th.Max:
		return model.ConditionOverflow
	case isNear(size, th.Target, margin):
		return model.ConditionTarget
	case size > th.Target:
		return model.ConditionHigh
	default:
		return model.ConditionLow
	}
}

func isNear(actual, target, margin float64) bool {
	return math.Abs(actual-target) <= margin
}
