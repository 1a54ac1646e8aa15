package sink

import (
	"errors"

	"github.com/mikeyg42/streamplayer/internal/analyse"
	"github.com/mikeyg42/streamplayer/internal/buffer"
	"github.com/mikeyg42/streamplayer/internal/events"
	"github.com/mikeyg42/streamplayer/internal/logging"
	"github.com/mikeyg42/streamplayer/internal/loop"
	"github.com/mikeyg42/streamplayer/internal/model"
)

// ProgressiveSink plays a server-provided URL. The surface handles its own
// buffering, so the regulator only samples.
type ProgressiveSink struct {
	surface   Surface
	bus       *events.Bus
	state     buffer.StateHolder
	log       logging.Logger
	reg       *buffer.Regulator
	listeners []events.ListenerID
	url       string
}

func NewProgressive(cfg buffer.Config, sched loop.Scheduler, bus *events.Bus, surface Surface, state buffer.StateHolder, log logging.Logger) *ProgressiveSink {
	p := &ProgressiveSink{
		surface: surface,
		bus:     bus,
		state:   state,
		log:     logging.OrGlobal(log).Named("progressive-sink"),
	}
	cfg.Mode = buffer.ModeSample
	p.reg = buffer.NewRegulator(cfg, sched, bus, surface, state, buffer.Hooks{}, p.log)
	p.reg.Start()

	p.listeners = append(p.listeners,
		events.MustOn(bus, "progressive-sink", func(events.StreamMetadataUpdate) {
			p.reg.Reset()
			p.state.SetPlaybackState(model.PlaybackBuffering)
		}),
		events.MustOn(bus, "progressive-sink", func(e events.StreamStateChange) {
			switch e.State {
			case model.StreamClosed, model.StreamStopped, model.StreamUnpublished:
				p.Pause(false)
				p.state.SetPlaybackState(model.PlaybackStopped)
				p.reg.Reset()
			}
		}),
		events.MustOn(bus, "progressive-sink", func(events.PlaybackForcePause) { surface.Pause() }),
		events.MustOn(bus, "progressive-sink", func(e events.LinkingPacket) { p.SetURL(e.URL) }),
	)
	return p
}

func (p *ProgressiveSink) Kind() Kind { return KindProgressive }

// SetURL loads url and starts playback, retrying muted when autoplay is
// refused.
func (p *ProgressiveSink) SetURL(url string) {
	p.url = url
	p.state.SetPlaybackState(model.PlaybackBuffering)
	p.surface.Load(url)
	p.surface.Play(func(err error) {
		if err == nil {
			p.state.SetPlaybackState(model.PlaybackPlaying)
			return
		}
		p.log.Warn("play failed", logging.Error(err))
		if errors.Is(err, buffer.ErrNotAllowed) {
			p.surface.SetMuted(true)
			p.bus.Publish(events.PlaybackForceMute{})
		}
		p.surface.Play(func(err error) {
			if err != nil {
				p.log.Error("progressive playback failed", logging.Error(err))
				p.bus.Publish(events.PlaybackError{Err: err})
				return
			}
			p.state.SetPlaybackState(model.PlaybackPlaying)
		})
	})
}

// URL is the currently loaded resource.
func (p *ProgressiveSink) URL() string { return p.url }

// Feed is a no-op: progressive media is fetched by the surface.
func (p *ProgressiveSink) Feed([]byte) {}

func (p *ProgressiveSink) Pause(stopped bool) {
	p.surface.Pause()
	if stopped {
		p.state.SetPlaybackState(model.PlaybackStopped)
	} else {
		p.state.SetPlaybackState(model.PlaybackPaused)
	}
	p.reg.Bandwidth().Reset()
}

func (p *ProgressiveSink) Block() {}

func (p *ProgressiveSink) Clear() {
	p.surface.Pause()
	p.surface.Reset()
	p.reg.Reset()
}

func (p *ProgressiveSink) Close() {
	p.Clear()
	p.reg.Stop()
	for _, id := range p.listeners {
		p.bus.Detach(id)
	}
	p.listeners = nil
}

func (p *ProgressiveSink) BufferedSeconds() float64                { return p.reg.BufferedSeconds() }
func (p *ProgressiveSink) PlaybackRate() float64                   { return p.surface.PlaybackRate() }
func (p *ProgressiveSink) Telemetry() model.BufferTelemetry        { return p.reg.Telemetry() }
func (p *ProgressiveSink) BufferAnalyser() *analyse.BufferAnalyser { return p.reg.Analyser() }
func (p *ProgressiveSink) Bandwidth() *buffer.BandwidthMeter       { return p.reg.Bandwidth() }
func (p *ProgressiveSink) SetThresholds(t buffer.Thresholds) bool  { return p.reg.SetThresholds(t) }
func (p *ProgressiveSink) SetObserver(o buffer.Observer)           { p.reg.SetObserver(o) }
