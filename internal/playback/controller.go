// Package playback serializes subscribe, play, pause and unsubscribe intents
// into a single task queue and owns the playback and stream state machines.
package playback

import (
	"math"
	"time"

	"github.com/mikeyg42/streamplayer/internal/analyse"
	"github.com/mikeyg42/streamplayer/internal/buffer"
	"github.com/mikeyg42/streamplayer/internal/events"
	"github.com/mikeyg42/streamplayer/internal/logging"
	"github.com/mikeyg42/streamplayer/internal/loop"
	"github.com/mikeyg42/streamplayer/internal/model"
	"github.com/mikeyg42/streamplayer/internal/protocol"
	"github.com/mikeyg42/streamplayer/internal/sink"
)

const (
	subscribeDebounce = 30 * time.Millisecond
	silentWindow      = 5 * time.Second
	reportEvery       = 10
)

// Network is the part of the protocol session the controller drives.
type Network interface {
	Initialize()
	Subscribe(streamKey string)
	Unsubscribe()
	PlaySignal(source model.SourceItem, packetizer string)
	PauseSignal()
	ViewerReport(r protocol.ViewerReport)
	Bandwidth() *analyse.BandwidthAnalyser
}

// SourceSelector picks renditions for Play tasks. The quality controller
// implements it.
type SourceSelector interface {
	SelectSource(withCap bool) (model.SourceItem, bool)
	UpdateAutoItem(source model.SourceItem)
	BandwidthCap() int
	TimeToNextUpgrade() time.Duration
}

// Config controls start-up behaviour.
type Config struct {
	AutoStart   bool
	AutoConnect bool
	Sink        buffer.Config
}

// Controller is the playback task queue. All methods must run on the
// scheduler.
type Controller struct {
	cfg      Config
	sched    loop.Scheduler
	bus      *events.Bus
	stream   *model.StreamData
	net      Network
	selector SourceSelector
	surface  sink.Surface
	observer buffer.Observer
	log      logging.Logger

	queue         []Task
	lastSubscribe *Subscribe
	lastCommand   Task
	recovery      Task

	playbackState model.PlaybackState
	prevPlayback  model.PlaybackState
	streamState   model.StreamState

	selected *model.SourceItem
	sink     sink.Sink

	lastKey       string
	windowActive  bool
	silent        bool
	silentTimer   loop.Timer
	debounce      loop.Timer
	reportCounter int
	absoluteTime  float64

	listeners []events.ListenerID
}

// NewController wires the controller to the bus. Call Start once the rest of
// the player is assembled.
func NewController(cfg Config, sched loop.Scheduler, bus *events.Bus, stream *model.StreamData, net Network, surface sink.Surface, log logging.Logger) *Controller {
	c := &Controller{
		cfg:           cfg,
		sched:         sched,
		bus:           bus,
		stream:        stream,
		net:           net,
		surface:       surface,
		log:           logging.OrGlobal(log).Named("playback"),
		playbackState: model.PlaybackUnknown,
		prevPlayback:  model.PlaybackUnknown,
		streamState:   model.StreamUnknown,
		windowActive:  true,
	}
	c.listen(events.MustOn(bus, "playback", func(events.ServerDisconnect) { c.onServerDisconnect() }))
	c.listen(events.MustOn(bus, "playback", func(events.AuthorizationComplete) { c.onAuthComplete() }))
	c.listen(events.MustOn(bus, "playback", func(events.SubscriptionComplete) { c.onSubscribeComplete() }))
	c.listen(events.MustOn(bus, "playback", func(events.SubscriptionFailed) { c.onSubscribeFailed() }))
	c.listen(events.MustOn(bus, "playback", c.onStreamStateChange))
	c.listen(events.MustOn(bus, "playback", func(events.PlaybackForcePause) { c.onForcePause() }))
	c.listen(events.MustOn(bus, "playback", c.onProgress))
	c.listen(events.MustOn(bus, "playback", c.onConnectionRestart))
	c.listen(events.MustOn(bus, "playback", func(events.ContainerChange) { c.recover() }))
	c.listen(events.MustOn(bus, "playback", c.onFocusChange))
	c.listen(events.MustOn(bus, "playback", func(e events.PlayRequested) {
		src := e.Source
		c.CreatePlayTask(&src)
	}))
	return c
}

func (c *Controller) listen(id events.ListenerID) { c.listeners = append(c.listeners, id) }

func (c *Controller) SetSelector(s SourceSelector) { c.selector = s }
func (c *Controller) SetNetwork(n Network)         { c.net = n }

// SetSinkObserver receives telemetry from the current and future sinks.
func (c *Controller) SetSinkObserver(o buffer.Observer) {
	c.observer = o
	if c.sink != nil {
		c.sink.SetObserver(o)
	}
}

// SetSinkThresholds changes the buffer thresholds of the current sink and
// of every sink created afterwards. Invalid thresholds are rejected.
func (c *Controller) SetSinkThresholds(t buffer.Thresholds) bool {
	if !t.Valid() {
		c.log.Warn("ignoring invalid buffer thresholds", logging.Any("thresholds", t))
		return false
	}
	c.cfg.Sink.Thresholds = t
	if c.sink != nil {
		return c.sink.SetThresholds(t)
	}
	return true
}

// Start installs the configured stream key and connects when AutoConnect is
// set.
func (c *Controller) Start() {
	if key := c.stream.StreamKey; key != "" {
		c.CreateSubscribeTask(key, c.cfg.AutoStart)
	}
	if c.cfg.AutoConnect {
		c.log.Info("initializing session (autoConnect is true)")
		c.net.Initialize()
	} else {
		c.log.Warn("autoConnect is false, switching to standby mode")
	}
}

// Stop clears the queue and resets state without closing the sink.
func (c *Controller) Stop() {
	if c.sink != nil {
		c.sink.Clear()
	}
	c.queue = nil
	c.SetPlaybackState(model.PlaybackUnknown)
	c.SetStreamState(model.StreamUnknown, c.selectedKey())
	c.selected = nil
	c.prevPlayback = model.PlaybackUnknown
	c.recovery = nil
	c.lastCommand = nil
}

// Destroy releases the sink and all bus listeners.
func (c *Controller) Destroy() {
	c.SetStreamState(model.StreamUnknown, c.selectedKey())
	c.SetPlaybackState(model.PlaybackUnknown)
	if c.debounce != nil {
		c.debounce.Stop()
	}
	if c.silentTimer != nil {
		c.silentTimer.Stop()
	}
	if c.sink != nil {
		c.sink.Close()
		c.sink = nil
	}
	c.selected = nil
	for _, id := range c.listeners {
		c.bus.Detach(id)
	}
	c.listeners = nil
}

func (c *Controller) onServerDisconnect() {
	c.lastKey = ""
	c.SetPlaybackState(model.PlaybackStopped)
	c.SetStreamState(model.StreamStopped, c.selectedKey())
}

func (c *Controller) onConnectionRestart(e events.ServerConnectionRestart) {
	if !e.Silent {
		return
	}
	c.silent = true
	if c.silentTimer != nil {
		c.silentTimer.Stop()
	}
	c.silentTimer = c.sched.AfterFunc(silentWindow, func() { c.silent = false })
}

func (c *Controller) onAuthComplete() {
	c.selected = nil
	if len(c.queue) > 0 {
		if kindOf(c.queue[0]) == TaskPlay && c.lastSubscribe != nil {
			play := c.queue[0]
			c.queue = []Task{*c.lastSubscribe, play}
		}
	} else {
		if c.lastSubscribe != nil {
			c.queue = append(c.queue, *c.lastSubscribe)
		}
		if c.lastCommand != nil {
			c.queue = append(c.queue, c.lastCommand)
		}
	}
	c.executeTask()
}

func (c *Controller) onSubscribeComplete() {
	c.log.Info("subscription complete", logging.Int("remainingTasks", len(c.queue)))
	if len(c.queue) == 0 {
		return
	}
	if sub, ok := c.queue[0].(Subscribe); ok {
		c.lastSubscribe = &sub
		c.queue = c.queue[1:]
	}
	c.selected = nil
	c.executeTask()
}

func (c *Controller) onSubscribeFailed() {
	if len(c.queue) == 0 {
		return
	}
	if sub, ok := c.queue[0].(Subscribe); ok {
		c.lastSubscribe = &sub
		c.queue = c.queue[1:]
	}
	if len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		if kindOf(next) == TaskPlay {
			c.lastCommand = next
		}
	}
	c.selected = nil
}

func (c *Controller) onStreamStateChange(e events.StreamStateChange) {
	c.streamState = e.State
	switch e.State {
	case model.StreamPublished:
		if kindOf(c.lastCommand) == TaskPlay {
			c.queue = append(c.queue, c.lastCommand)
			c.executeTask()
		}
	case model.StreamClosed:
		c.selected = nil
	case model.StreamNotFound:
		c.SetPlaybackState(model.PlaybackStopped)
	}
}

func (c *Controller) onForcePause() {
	if c.lastCommand != nil {
		c.recovery = c.lastCommand
	}
	c.CreatePauseTask()
}

func (c *Controller) onFocusChange(e events.FocusChange) {
	if !e.Focused {
		if c.windowActive {
			c.log.Warn("player window is no longer in focus")
		}
		c.windowActive = false
		return
	}
	if !c.windowActive {
		c.recover()
		c.log.Info("player window is focused again")
	}
	c.windowActive = true
}

func (c *Controller) recover() {
	if c.recovery == nil {
		return
	}
	task := c.recovery
	c.recovery = nil
	c.queue = append(c.queue, task)
	c.executeTask()
}

func (c *Controller) onProgress(e events.PlaybackProgress) {
	c.absoluteTime = e.AbsoluteStreamTime
	c.reportCounter++
	if c.reportCounter < reportEvery {
		return
	}
	c.reportCounter = 0
	c.net.ViewerReport(c.viewerReport())
}

func (c *Controller) viewerReport() protocol.ViewerReport {
	r := protocol.ViewerReport{
		BufferStability:    string(c.BufferStability()),
		BandwidthStability: string(model.TrendStable),
	}
	if c.sink != nil {
		if a := c.sink.BufferAnalyser(); a != nil {
			r.BufferSize = floor4(a.BufferSize())
			r.BufferDeviation = floor4(a.Deviation())
		}
		r.PlaybackRate = c.sink.PlaybackRate()
	}
	if bw := c.net.Bandwidth(); bw != nil {
		r.BandwidthStability = string(bw.Trend())
	}
	if c.selector != nil {
		r.BandwidthCap = c.selector.BandwidthCap()
		r.ActionTimer = c.selector.TimeToNextUpgrade().Seconds()
	}
	return r
}

func floor4(v float64) float64 { return math.Floor(v*10000) / 10000 }

// TogglePlay pauses an active playback and plays otherwise.
func (c *Controller) TogglePlay() {
	if c.playbackState.Active() {
		c.CreatePauseTask()
		return
	}
	c.CreatePlayTask(nil)
}

// CreateSubscribeTask replaces the queue with a Subscribe, optionally
// followed by a Play. A repeated request for the current key is ignored.
func (c *Controller) CreateSubscribeTask(streamKey string, autoStart bool) {
	c.log.Info("creating subscribe task",
		logging.String("streamKey", streamKey),
		logging.Bool("autoStart", autoStart),
		logging.String("lastStreamKey", c.lastKey))
	if streamKey == c.lastKey {
		c.log.Warn("already subscribed to this stream, aborting", logging.String("streamKey", streamKey))
		return
	}
	c.lastKey = streamKey
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.stream.StreamKey = streamKey
	c.queue = []Task{Subscribe{StreamKey: streamKey}}
	if autoStart {
		c.queue = append(c.queue, Play{StreamKey: streamKey})
	}
	c.debounce = c.sched.AfterFunc(subscribeDebounce, c.executeTask)
}

// CreatePauseTask replaces the queue with a single Pause.
func (c *Controller) CreatePauseTask() {
	c.queue = []Task{Pause{}}
	c.executeTask()
}

// CreatePlayTask appends a Play. A nil source plays whatever the quality
// controller picks for the last subscription.
func (c *Controller) CreatePlayTask(source *model.SourceItem) {
	switch {
	case source != nil:
		src := *source
		c.queue = append(c.queue, Play{StreamKey: src.StreamKey, Source: &src})
	case c.lastSubscribe != nil:
		c.queue = append(c.queue, Play{StreamKey: c.lastSubscribe.StreamKey})
	}
	c.executeTask()
}

// CreateUnsubscribeTask drains the queue and installs a stopping Pause
// followed by Unsubscribe.
func (c *Controller) CreateUnsubscribeTask() {
	c.log.Info("creating unsubscribe task")
	c.lastKey = ""
	c.stream.StreamKey = ""
	c.queue = []Task{Pause{Stopped: true}, Unsubscribe{}}
	c.executeTask()
}

func (c *Controller) executeTask() {
	if len(c.queue) == 0 {
		c.log.Debug("no tasks to perform, waiting for a command")
		return
	}
	task := c.queue[0]
	c.queue = c.queue[1:]

	switch t := task.(type) {
	case Subscribe:
		if c.stream.StreamKey != t.StreamKey {
			c.log.Debug("dropping stale subscribe", logging.String("streamKey", t.StreamKey))
			return
		}
		if c.sink != nil {
			c.sink.Clear()
		}
		c.net.Subscribe(t.StreamKey)
		c.lastSubscribe = &t

	case Unsubscribe:
		c.log.Info("performing unsubscribe")
		if c.sink != nil {
			c.sink.Clear()
		}
		c.net.Unsubscribe()
		c.SetPlaybackState(model.PlaybackUnknown)
		c.SetStreamState(model.StreamUnknown, c.selectedKey())
		c.selected = nil
		c.lastSubscribe = nil

	case Play:
		c.lastCommand = t
		if c.streamState != model.StreamPublished {
			return
		}
		c.play(t)

	case Pause:
		if c.sink != nil {
			if c.playbackState.Active() {
				c.lastCommand = t
				c.sink.Pause(t.Stopped)
				c.net.PauseSignal()
			} else {
				c.log.Warn("incorrect state, cannot pause", logging.String("state", string(c.playbackState)))
			}
		}
		c.executeTask()
	}
}

func (c *Controller) play(t Play) {
	if t.Source != nil {
		src := *t.Source
		c.selected = &src
	}
	if c.selected == nil && c.selector != nil {
		if src, ok := c.selector.SelectSource(true); ok {
			c.selected = &src
		}
	}
	if c.selected == nil {
		c.log.Info("no stream data to play, restoring subscription")
		if c.lastSubscribe != nil {
			c.net.Subscribe(c.lastSubscribe.StreamKey)
		}
		return
	}

	if c.sink == nil {
		c.sink = c.selectSink(*c.selected)
	} else {
		c.sink.Block()
	}
	if c.sink == nil {
		c.log.Error("no compatible sink for playback")
		return
	}
	c.net.PlaySignal(*c.selected, string(c.sink.Kind()))
	if c.selector != nil {
		c.selector.UpdateAutoItem(*c.selected)
	}
}

const incompatibleMessage = "This device does not support any available media protocol!"

func (c *Controller) selectSink(source model.SourceItem) sink.Sink {
	var s sink.Sink
	if c.surface != nil && source.Protocol == "storm" {
		caps := c.surface.Capabilities()
		switch {
		case caps.Segmented:
			c.log.Info("segmented sink was picked for this source")
			s = sink.NewSegmented(c.cfg.Sink, c.sched, c.bus, c.surface, c, c.log)
		case caps.Progressive:
			c.log.Info("progressive sink was picked for this source")
			s = sink.NewProgressive(c.cfg.Sink, c.sched, c.bus, c.surface, c, c.log)
		}
	}
	if s == nil {
		c.log.Error(incompatibleMessage)
		c.bus.Publish(events.CompatibilityError{Message: incompatibleMessage})
		return nil
	}
	if c.observer != nil {
		s.SetObserver(c.observer)
	}
	return s
}

// SetPlaybackState records the state and broadcasts it with the matching
// semantic event. STOPPED stays quiet in silent mode.
func (c *Controller) SetPlaybackState(state model.PlaybackState) {
	c.prevPlayback = c.playbackState
	c.playbackState = state
	c.log.Info("playback state change",
		logging.String("state", string(state)),
		logging.String("old", string(c.prevPlayback)))
	if c.silent && state == model.PlaybackStopped {
		return
	}
	key := c.selectedKey()
	c.bus.Publish(events.PlaybackStateChange{StreamKey: key, State: state})
	switch state {
	case model.PlaybackPlaying:
		c.bus.Publish(events.PlaybackStart{})
	case model.PlaybackPaused:
		c.bus.Publish(events.PlaybackPause{})
	case model.PlaybackStopped:
		c.bus.Publish(events.PlaybackStop{})
	}
}

// SetStreamState records the server-side stream state and broadcasts it.
// STOPPED and CLOSED stay quiet in silent mode.
func (c *Controller) SetStreamState(state model.StreamState, streamKey string) {
	c.streamState = state
	if c.silent && (state == model.StreamStopped || state == model.StreamClosed) {
		return
	}
	if state == model.StreamNotFound {
		c.playbackState = model.PlaybackUnknown
	}
	c.bus.Publish(events.StreamStateChange{StreamKey: streamKey, State: state})
}

func (c *Controller) selectedKey() string {
	if c.selected == nil {
		return ""
	}
	return c.selected.StreamKey
}

// Feed hands a binary frame from the session to the current sink.
func (c *Controller) Feed(data []byte) {
	if c.sink != nil {
		c.sink.Feed(data)
	}
}

// BufferStability grades the current sink's buffer, MEDIUM when no sink
// exists yet.
func (c *Controller) BufferStability() model.Stability {
	if c.sink == nil || c.sink.BufferAnalyser() == nil {
		return model.StabilityMedium
	}
	return c.sink.BufferAnalyser().Stability()
}

// WasPlayingLastTime reports whether the last command was a Play.
func (c *Controller) WasPlayingLastTime() bool { return kindOf(c.lastCommand) == TaskPlay }

func (c *Controller) PlaybackState() model.PlaybackState { return c.playbackState }
func (c *Controller) StreamState() model.StreamState     { return c.streamState }
func (c *Controller) AbsoluteStreamTime() float64        { return c.absoluteTime }
func (c *Controller) Sink() sink.Sink                    { return c.sink }
func (c *Controller) WindowActive() bool                 { return c.windowActive }
func (c *Controller) Silent() bool                       { return c.silent }
func (c *Controller) LastCommand() Task                  { return c.lastCommand }

// LastSubscribe returns the remembered subscribe task.
func (c *Controller) LastSubscribe() (Subscribe, bool) {
	if c.lastSubscribe == nil {
		return Subscribe{}, false
	}
	return *c.lastSubscribe, true
}

// QueueSnapshot returns a copy of the pending tasks.
func (c *Controller) QueueSnapshot() []Task {
	return append([]Task(nil), c.queue...)
}

// CurrentSource returns the source being played.
func (c *Controller) CurrentSource() (model.SourceItem, bool) {
	if c.selected == nil {
		return model.SourceItem{}, false
	}
	return *c.selected, true
}

// SetSelectedSource overrides the source the next Play uses.
func (c *Controller) SetSelectedSource(s *model.SourceItem) { c.selected = s }
