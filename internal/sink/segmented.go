package sink

import (
	"math"

	"github.com/mikeyg42/streamplayer/internal/analyse"
	"github.com/mikeyg42/streamplayer/internal/buffer"
	"github.com/mikeyg42/streamplayer/internal/events"
	"github.com/mikeyg42/streamplayer/internal/logging"
	"github.com/mikeyg42/streamplayer/internal/loop"
	"github.com/mikeyg42/streamplayer/internal/model"
)

const (
	maxAppendErrors = 3
	keepSeconds     = 120.0
)

// SegmentedSink appends segments to a surface and regulates its buffer.
type SegmentedSink struct {
	surface Surface
	bus     *events.Bus
	state   buffer.StateHolder
	log     logging.Logger
	reg     *buffer.Regulator

	queue        [][]byte
	accepting    bool
	recovering   bool
	shouldFlush  bool
	appendErrors int
	listeners    []events.ListenerID
}

// NewSegmented creates a sink bound to surface and registers its listeners.
func NewSegmented(cfg buffer.Config, sched loop.Scheduler, bus *events.Bus, surface Surface, state buffer.StateHolder, log logging.Logger) *SegmentedSink {
	s := &SegmentedSink{
		surface: surface,
		bus:     bus,
		state:   state,
		log:     logging.OrGlobal(log).Named("segmented-sink"),
	}
	cfg.Mode = buffer.ModeRegulate
	s.reg = buffer.NewRegulator(cfg, sched, bus, surface, state, buffer.Hooks{
		Fatal: s.handleMediaError,
		Flush: s.requestFlush,
	}, s.log)
	surface.OnUpdateEnd(s.appendNext)

	s.listen(events.MustOn(bus, "segmented-sink", s.onMetadata))
	s.listen(events.MustOn(bus, "segmented-sink", s.onStreamState))
	s.listen(events.MustOn(bus, "segmented-sink", func(events.PlaybackForcePause) { surface.Pause() }))
	s.listen(events.MustOn(bus, "segmented-sink", s.onDowngrade))
	return s
}

func (s *SegmentedSink) listen(id events.ListenerID) { s.listeners = append(s.listeners, id) }

func (s *SegmentedSink) Kind() Kind { return KindSegmented }

func (s *SegmentedSink) onMetadata(e events.StreamMetadataUpdate) {
	s.log.Debug("metadata arrived", logging.String("codec", e.Metadata.VideoCodec))
	s.restart()
	s.appendErrors = 0
	s.recovering = false
	s.reg.SetRecovering(false)
	s.reg.Start()
	s.accepting = true
	s.state.SetPlaybackState(model.PlaybackBuffering)
	s.bus.Publish(events.BufferingStart{})
}

func (s *SegmentedSink) onStreamState(e events.StreamStateChange) {
	switch e.State {
	case model.StreamClosed, model.StreamStopped, model.StreamUnpublished:
		s.Pause(false)
		s.state.SetPlaybackState(model.PlaybackStopped)
		s.restart()
	}
}

func (s *SegmentedSink) onDowngrade(events.SourceDowngrade) {
	s.log.Debug("source downgrade, blocking pipeline")
	s.accepting = false
	s.queue = nil
}

// Feed queues a segment when the sink is accepting data.
func (s *SegmentedSink) Feed(data []byte) {
	if !s.accepting || s.recovering {
		return
	}
	if err := s.surface.Err(); err != nil {
		s.handleMediaError(err)
		return
	}
	s.reg.Bandwidth().AddReceivedBits(float64(len(data) * 8))
	s.queue = append(s.queue, data)
	s.appendNext()
}

func (s *SegmentedSink) appendNext() {
	if s.recovering {
		return
	}
	if err := s.surface.Err(); err != nil {
		s.handleMediaError(err)
		return
	}
	if s.surface.Updating() {
		return
	}
	if s.shouldFlush {
		s.flush()
		return
	}
	if s.state.PlaybackState() == model.PlaybackBuffering {
		s.reg.Tick()
	}
	if len(s.queue) == 0 {
		return
	}

	seg := s.queue[0]
	s.queue = s.queue[1:]
	if err := s.surface.Append(seg); err != nil {
		s.appendErrors++
		s.log.Warn("append failed",
			logging.Int("consecutive", s.appendErrors),
			logging.Int("limit", maxAppendErrors),
			logging.Error(err))
		if serr := s.surface.Err(); serr != nil {
			s.handleMediaError(serr)
		} else if s.appendErrors >= maxAppendErrors {
			s.handleMediaError(err)
		}
		return
	}
	s.appendErrors = 0
}

func (s *SegmentedSink) requestFlush() {
	s.shouldFlush = true
	s.appendNext()
}

func (s *SegmentedSink) flush() {
	if s.surface.Updating() {
		return
	}
	end := math.Max(0, s.surface.CurrentTime()-keepSeconds)
	if end > 0 {
		if err := s.surface.Remove(0, end); err != nil {
			s.log.Warn("flush failed", logging.Error(err))
		}
	}
	s.shouldFlush = false
}

// handleMediaError rebuilds the pipeline after a fatal surface error or too
// many consecutive append failures.
func (s *SegmentedSink) handleMediaError(cause error) {
	if s.recovering {
		return
	}
	s.recovering = true
	s.reg.SetRecovering(true)
	s.accepting = false
	s.queue = nil

	s.log.Warn("media error, recovering", logging.Error(cause))
	s.bus.Publish(events.PlaybackError{Err: cause})

	s.restart()
	s.appendErrors = 0
	s.recovering = false
	s.reg.SetRecovering(false)
}

func (s *SegmentedSink) restart() {
	s.accepting = false
	s.queue = nil
	s.reg.Stop()
	s.surface.Reset()
	s.surface.SetPlaybackRate(1.0)
	s.shouldFlush = false
	s.reg.Reset()
	s.appendErrors = 0
}

// Pause pauses the surface and moves to PAUSED, or STOPPED when stopped.
func (s *SegmentedSink) Pause(stopped bool) {
	s.surface.Pause()
	if stopped {
		s.state.SetPlaybackState(model.PlaybackStopped)
	} else {
		s.state.SetPlaybackState(model.PlaybackPaused)
	}
	s.reg.Bandwidth().Reset()
}

func (s *SegmentedSink) Block() { s.accepting = false }

// Clear detaches the surface and stops the regulator. The sink keeps its
// listeners and resumes on the next metadata packet.
func (s *SegmentedSink) Clear() {
	s.accepting = false
	s.recovering = false
	s.queue = nil
	s.surface.Pause()
	s.surface.Reset()
	s.reg.Stop()
	s.reg.Reset()
	s.surface.SetPlaybackRate(1.0)
}

// Close clears the sink and removes its listeners.
func (s *SegmentedSink) Close() {
	s.Clear()
	for _, id := range s.listeners {
		s.bus.Detach(id)
	}
	s.listeners = nil
}

// SetURL is not used by segmented playback.
func (s *SegmentedSink) SetURL(string) {}

func (s *SegmentedSink) BufferedSeconds() float64                { return s.reg.BufferedSeconds() }
func (s *SegmentedSink) PlaybackRate() float64                   { return s.surface.PlaybackRate() }
func (s *SegmentedSink) Telemetry() model.BufferTelemetry        { return s.reg.Telemetry() }
func (s *SegmentedSink) BufferAnalyser() *analyse.BufferAnalyser { return s.reg.Analyser() }
func (s *SegmentedSink) Bandwidth() *buffer.BandwidthMeter       { return s.reg.Bandwidth() }
func (s *SegmentedSink) SetThresholds(t buffer.Thresholds) bool  { return s.reg.SetThresholds(t) }
func (s *SegmentedSink) SetObserver(o buffer.Observer)           { s.reg.SetObserver(o) }

// Accepting reports whether Feed currently queues data.
func (s *SegmentedSink) Accepting() bool { return s.accepting }

// Queued is the number of segments waiting to be appended.
func (s *SegmentedSink) Queued() int { return len(s.queue) }
