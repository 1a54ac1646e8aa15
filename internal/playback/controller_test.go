package playback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/streamplayer/internal/analyse"
	"github.com/mikeyg42/streamplayer/internal/buffer"
	"github.com/mikeyg42/streamplayer/internal/events"
	"github.com/mikeyg42/streamplayer/internal/logging"
	"github.com/mikeyg42/streamplayer/internal/loop"
	"github.com/mikeyg42/streamplayer/internal/model"
	"github.com/mikeyg42/streamplayer/internal/protocol"
	"github.com/mikeyg42/streamplayer/internal/sink"
)

type playCall struct {
	source     model.SourceItem
	packetizer string
}

type fakeNet struct {
	initialized int
	subs        []string
	unsubs      int
	plays       []playCall
	pauses      int
	reports     []protocol.ViewerReport
	bw          *analyse.BandwidthAnalyser
}

func (n *fakeNet) Initialize()                           { n.initialized++ }
func (n *fakeNet) Subscribe(key string)                  { n.subs = append(n.subs, key) }
func (n *fakeNet) Unsubscribe()                          { n.unsubs++ }
func (n *fakeNet) PauseSignal()                          { n.pauses++ }
func (n *fakeNet) ViewerReport(r protocol.ViewerReport)  { n.reports = append(n.reports, r) }
func (n *fakeNet) Bandwidth() *analyse.BandwidthAnalyser { return n.bw }
func (n *fakeNet) PlaySignal(s model.SourceItem, packetizer string) {
	n.plays = append(n.plays, playCall{s, packetizer})
}

type fakeSelector struct {
	sources []model.SourceItem
	auto    []model.SourceItem
}

func (s *fakeSelector) SelectSource(bool) (model.SourceItem, bool) {
	if len(s.sources) == 0 {
		return model.SourceItem{}, false
	}
	return s.sources[0], true
}

func (s *fakeSelector) UpdateAutoItem(src model.SourceItem) { s.auto = append(s.auto, src) }
func (s *fakeSelector) BandwidthCap() int                   { return 1200 }
func (s *fakeSelector) TimeToNextUpgrade() time.Duration    { return 15 * time.Second }

type fixture struct {
	sched    *loop.Manual
	bus      *events.Bus
	stream   *model.StreamData
	net      *fakeNet
	selector *fakeSelector
	surface  *sink.SimSurface
	c        *Controller

	stateChanges []model.PlaybackState
	streamStates []model.StreamState
	compat       int
}

func source(key, label string, h int) model.SourceItem {
	return model.SourceItem{
		Protocol:  "storm",
		StreamKey: key,
		Info:      model.NewRenditionInfo(label, h*16/9, h, 30, h*3),
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		sched:  loop.NewManual(time.Unix(1_700_000_000, 0)),
		bus:    events.NewBus(),
		stream: &model.StreamData{},
		net:    &fakeNet{},
		selector: &fakeSelector{sources: []model.SourceItem{
			source("k_720", "720p", 720),
		}},
	}
	f.net.bw = analyse.NewBandwidthAnalyser(f.sched.Now)
	f.surface = sink.NewSimSurface(f.sched, 1000)
	if cfg.Sink.Tick == 0 {
		cfg.Sink = buffer.DefaultConfig()
	}
	f.c = NewController(cfg, f.sched, f.bus, f.stream, f.net, f.surface, logging.Nop())
	f.c.SetSelector(f.selector)

	events.MustOn(f.bus, "test", func(e events.PlaybackStateChange) { f.stateChanges = append(f.stateChanges, e.State) })
	events.MustOn(f.bus, "test", func(e events.StreamStateChange) { f.streamStates = append(f.streamStates, e.State) })
	events.MustOn(f.bus, "test", func(events.CompatibilityError) { f.compat++ })
	return f
}

// playing drives a subscribe for "k" through to an active sink in BUFFERING.
func (f *fixture) playing(t *testing.T) {
	t.Helper()
	f.c.CreateSubscribeTask("k", true)
	f.sched.Advance(subscribeDebounce)
	require.Equal(t, []string{"k"}, f.net.subs)

	f.c.SetStreamState(model.StreamPublished, "k")
	f.bus.Publish(events.SubscriptionComplete{StreamKey: "k"})
	require.Len(t, f.net.plays, 1)

	f.bus.Publish(events.StreamMetadataUpdate{Metadata: model.StreamMetadata{VideoCodec: "avc1", Width: 1280, Height: 720}})
	require.Equal(t, model.PlaybackBuffering, f.c.PlaybackState())
}

func TestDuplicateSubscribeIsNoop(t *testing.T) {
	f := newFixture(t, Config{})

	f.c.CreateSubscribeTask("k", true)
	before := f.c.QueueSnapshot()
	require.Equal(t, []Task{Subscribe{StreamKey: "k"}, Play{StreamKey: "k"}}, before)

	f.c.CreateSubscribeTask("k", true)
	assert.Equal(t, before, f.c.QueueSnapshot())
	_, remembered := f.c.LastSubscribe()
	assert.False(t, remembered)

	f.sched.Advance(subscribeDebounce)
	assert.Equal(t, []string{"k"}, f.net.subs)
	last, ok := f.c.LastSubscribe()
	require.True(t, ok)
	assert.Equal(t, "k", last.StreamKey)

	f.c.CreateSubscribeTask("k", false)
	f.sched.Advance(time.Second)
	assert.Equal(t, []string{"k"}, f.net.subs)
	assert.Equal(t, []Task{Play{StreamKey: "k"}}, f.c.QueueSnapshot())
}

func TestSubscribeDebounceKeepsLatest(t *testing.T) {
	f := newFixture(t, Config{})

	f.c.CreateSubscribeTask("a", false)
	f.sched.Advance(10 * time.Millisecond)
	f.c.CreateSubscribeTask("b", false)
	f.sched.Advance(subscribeDebounce)

	assert.Equal(t, []string{"b"}, f.net.subs)
	assert.Equal(t, "b", f.stream.StreamKey)
}

func TestStaleSubscribeIsDropped(t *testing.T) {
	f := newFixture(t, Config{})

	f.c.CreateSubscribeTask("a", false)
	f.stream.StreamKey = "elsewhere"
	f.sched.Advance(subscribeDebounce)

	assert.Empty(t, f.net.subs)
}

func TestPlayDeferredUntilPublished(t *testing.T) {
	f := newFixture(t, Config{})

	f.c.CreateSubscribeTask("k", true)
	f.sched.Advance(subscribeDebounce)
	f.bus.Publish(events.SubscriptionComplete{StreamKey: "k"})
	assert.Empty(t, f.net.plays)
	assert.Equal(t, TaskPlay, kindOf(f.c.LastCommand()))
	assert.True(t, f.c.WasPlayingLastTime())

	f.c.SetStreamState(model.StreamPublished, "k")
	require.Len(t, f.net.plays, 1)
	assert.Equal(t, "k_720", f.net.plays[0].source.StreamKey)
	assert.Equal(t, string(sink.KindSegmented), f.net.plays[0].packetizer)
	assert.Len(t, f.selector.auto, 1)
	require.NotNil(t, f.c.Sink())
	assert.Equal(t, sink.KindSegmented, f.c.Sink().Kind())
}

func TestPlayWithoutSourcesResubscribes(t *testing.T) {
	f := newFixture(t, Config{})
	f.selector.sources = nil

	f.c.CreateSubscribeTask("k", true)
	f.sched.Advance(subscribeDebounce)
	f.c.SetStreamState(model.StreamPublished, "k")
	f.bus.Publish(events.SubscriptionComplete{StreamKey: "k"})

	assert.Empty(t, f.net.plays)
	assert.Equal(t, []string{"k", "k"}, f.net.subs)
}

func TestSinkIsReusedAcrossPlays(t *testing.T) {
	f := newFixture(t, Config{})
	f.playing(t)
	first := f.c.Sink()

	f.c.CreatePlayTask(nil)
	require.Len(t, f.net.plays, 2)
	assert.Same(t, first, f.c.Sink())
}

func TestProgressiveSinkWhenSegmentedUnsupported(t *testing.T) {
	f := newFixture(t, Config{})
	f.surface.SetCapabilities(sink.Capabilities{Progressive: true})

	f.c.CreateSubscribeTask("k", true)
	f.sched.Advance(subscribeDebounce)
	f.c.SetStreamState(model.StreamPublished, "k")
	f.bus.Publish(events.SubscriptionComplete{StreamKey: "k"})

	require.Len(t, f.net.plays, 1)
	assert.Equal(t, string(sink.KindProgressive), f.net.plays[0].packetizer)
}

func TestNoCompatibleSink(t *testing.T) {
	f := newFixture(t, Config{})
	f.surface.SetCapabilities(sink.Capabilities{})

	f.c.CreateSubscribeTask("k", true)
	f.sched.Advance(subscribeDebounce)
	f.c.SetStreamState(model.StreamPublished, "k")
	f.bus.Publish(events.SubscriptionComplete{StreamKey: "k"})

	assert.Empty(t, f.net.plays)
	assert.Equal(t, 1, f.compat)
	assert.Nil(t, f.c.Sink())
}

func TestAuthInsertsSubscribeAheadOfPlay(t *testing.T) {
	f := newFixture(t, Config{})

	f.c.CreateSubscribeTask("k", true)
	f.sched.Advance(subscribeDebounce)
	require.Equal(t, []Task{Play{StreamKey: "k"}}, f.c.QueueSnapshot())

	f.bus.Publish(events.AuthorizationComplete{ClientIP: "10.0.0.1"})
	assert.Equal(t, []string{"k", "k"}, f.net.subs)
	assert.Equal(t, []Task{Play{StreamKey: "k"}}, f.c.QueueSnapshot())
}

func TestAuthReplaysRememberedTasks(t *testing.T) {
	f := newFixture(t, Config{})
	f.playing(t)
	require.Empty(t, f.c.QueueSnapshot())

	f.bus.Publish(events.ServerDisconnect{Restart: true})
	assert.Equal(t, model.PlaybackStopped, f.c.PlaybackState())
	assert.Equal(t, model.StreamStopped, f.c.StreamState())

	f.bus.Publish(events.AuthorizationComplete{})
	assert.Equal(t, []string{"k", "k"}, f.net.subs)
	assert.Equal(t, []Task{Play{StreamKey: "k"}}, f.c.QueueSnapshot())

	f.c.SetStreamState(model.StreamPublished, "k")
	assert.Len(t, f.net.plays, 2)
}

func TestSubscribeFailedRemembersPlay(t *testing.T) {
	f := newFixture(t, Config{})

	f.c.CreateSubscribeTask("k", true)
	f.bus.Publish(events.SubscriptionFailed{StreamKey: "k", Reason: "Stream not found"})

	last, ok := f.c.LastSubscribe()
	require.True(t, ok)
	assert.Equal(t, "k", last.StreamKey)
	assert.Equal(t, TaskPlay, kindOf(f.c.LastCommand()))
	assert.Empty(t, f.c.QueueSnapshot())
}

func TestPauseRequiresActivePlayback(t *testing.T) {
	f := newFixture(t, Config{})
	f.playing(t)

	f.c.CreatePauseTask()
	assert.Equal(t, 1, f.net.pauses)
	assert.Equal(t, model.PlaybackPaused, f.c.PlaybackState())
	assert.Equal(t, TaskPause, kindOf(f.c.LastCommand()))

	f.c.CreatePauseTask()
	assert.Equal(t, 1, f.net.pauses)
}

func TestTogglePlay(t *testing.T) {
	f := newFixture(t, Config{})
	f.playing(t)

	f.c.TogglePlay()
	assert.Equal(t, 1, f.net.pauses)

	f.c.TogglePlay()
	assert.Len(t, f.net.plays, 2)
}

func TestUnsubscribePausesThenUnsubscribes(t *testing.T) {
	f := newFixture(t, Config{})
	f.playing(t)

	f.c.CreateUnsubscribeTask()
	assert.Equal(t, 1, f.net.pauses)
	assert.Equal(t, 1, f.net.unsubs)
	assert.Equal(t, model.PlaybackUnknown, f.c.PlaybackState())
	assert.Equal(t, model.StreamUnknown, f.c.StreamState())
	assert.Empty(t, f.stream.StreamKey)
	_, ok := f.c.LastSubscribe()
	assert.False(t, ok)
	assert.Empty(t, f.c.QueueSnapshot())

	// the same key may be subscribed again
	f.c.CreateSubscribeTask("k", false)
	f.sched.Advance(subscribeDebounce)
	assert.Equal(t, []string{"k", "k"}, f.net.subs)
}

func TestRecoveryAfterForcePause(t *testing.T) {
	for _, tc := range []struct {
		name    string
		recover func(f *fixture)
	}{
		{"focus", func(f *fixture) {
			f.bus.Publish(events.FocusChange{Focused: false})
			f.bus.Publish(events.FocusChange{Focused: true})
		}},
		{"container", func(f *fixture) {
			f.bus.Publish(events.ContainerChange{Attached: true})
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.playing(t)

			f.bus.Publish(events.PlaybackForcePause{})
			require.Equal(t, 1, f.net.pauses)
			require.Equal(t, model.PlaybackPaused, f.c.PlaybackState())

			tc.recover(f)
			assert.Len(t, f.net.plays, 2)

			// recovery runs once
			tc.recover(f)
			assert.Len(t, f.net.plays, 2)
		})
	}
}

func TestFocusWithoutRecoveryDoesNothing(t *testing.T) {
	f := newFixture(t, Config{})
	f.playing(t)

	f.bus.Publish(events.FocusChange{Focused: false})
	assert.False(t, f.c.WindowActive())
	f.bus.Publish(events.FocusChange{Focused: true})
	assert.True(t, f.c.WindowActive())
	assert.Len(t, f.net.plays, 1)
}

func TestSilentModeSuppressesStops(t *testing.T) {
	f := newFixture(t, Config{})

	f.bus.Publish(events.ServerConnectionRestart{Silent: true})
	require.True(t, f.c.Silent())
	f.c.SetPlaybackState(model.PlaybackStopped)
	f.c.SetStreamState(model.StreamClosed, "k")
	f.c.SetStreamState(model.StreamStopped, "k")
	assert.Empty(t, f.stateChanges)
	assert.Empty(t, f.streamStates)
	assert.Equal(t, model.PlaybackStopped, f.c.PlaybackState())
	assert.Equal(t, model.StreamStopped, f.c.StreamState())

	f.c.SetPlaybackState(model.PlaybackBuffering)
	assert.Equal(t, []model.PlaybackState{model.PlaybackBuffering}, f.stateChanges)

	f.sched.Advance(silentWindow)
	assert.False(t, f.c.Silent())
	f.c.SetPlaybackState(model.PlaybackStopped)
	assert.Equal(t, []model.PlaybackState{model.PlaybackBuffering, model.PlaybackStopped}, f.stateChanges)
}

func TestSemanticPlaybackEvents(t *testing.T) {
	f := newFixture(t, Config{})
	var started, paused, stopped int
	events.MustOn(f.bus, "test", func(events.PlaybackStart) { started++ })
	events.MustOn(f.bus, "test", func(events.PlaybackPause) { paused++ })
	events.MustOn(f.bus, "test", func(events.PlaybackStop) { stopped++ })

	f.c.SetPlaybackState(model.PlaybackPlaying)
	f.c.SetPlaybackState(model.PlaybackPaused)
	f.c.SetPlaybackState(model.PlaybackStopped)
	f.c.SetPlaybackState(model.PlaybackBuffering)

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, paused)
	assert.Equal(t, 1, stopped)
	assert.Len(t, f.stateChanges, 4)
}

func TestNotFoundStopsPlayback(t *testing.T) {
	f := newFixture(t, Config{})
	f.c.SetPlaybackState(model.PlaybackPlaying)

	f.c.SetStreamState(model.StreamNotFound, "k")
	assert.Equal(t, model.StreamNotFound, f.c.StreamState())
	assert.Equal(t, model.PlaybackStopped, f.c.PlaybackState())
}

func TestViewerReportEveryTenthTick(t *testing.T) {
	f := newFixture(t, Config{})
	f.playing(t)

	for i := 0; i < 9; i++ {
		f.bus.Publish(events.PlaybackProgress{AbsoluteStreamTime: float64(i)})
	}
	assert.Empty(t, f.net.reports)

	f.bus.Publish(events.PlaybackProgress{AbsoluteStreamTime: 42})
	require.Len(t, f.net.reports, 1)
	r := f.net.reports[0]
	assert.Equal(t, 1200, r.BandwidthCap)
	assert.Equal(t, 15.0, r.ActionTimer)
	assert.Equal(t, 1.0, r.PlaybackRate)
	assert.Equal(t, string(model.StabilityMedium), r.BufferStability)
	assert.Equal(t, string(model.TrendStable), r.BandwidthStability)
	assert.Equal(t, 42.0, f.c.AbsoluteStreamTime())

	for i := 0; i < 10; i++ {
		f.bus.Publish(events.PlaybackProgress{})
	}
	assert.Len(t, f.net.reports, 2)
}

func TestPlayRequestedUsesGivenSource(t *testing.T) {
	f := newFixture(t, Config{})
	f.playing(t)

	low := source("k_360", "360p", 360)
	f.bus.Publish(events.PlayRequested{Source: low})
	require.Len(t, f.net.plays, 2)
	assert.Equal(t, "k_360", f.net.plays[1].source.StreamKey)
	cur, ok := f.c.CurrentSource()
	require.True(t, ok)
	assert.Equal(t, low, cur)
	assert.False(t, f.c.Sink().(*sink.SegmentedSink).Accepting())
}

func TestFeedReachesSink(t *testing.T) {
	f := newFixture(t, Config{})
	f.c.Feed(make([]byte, 100))
	assert.Zero(t, f.surface.Appends())

	f.playing(t)
	f.c.Feed(make([]byte, 100))
	assert.Equal(t, 1, f.surface.Appends())
}

func TestStartSubscribesAndConnects(t *testing.T) {
	f := newFixture(t, Config{AutoStart: true, AutoConnect: true})
	f.stream.StreamKey = "k"

	f.c.Start()
	assert.Equal(t, 1, f.net.initialized)
	assert.Equal(t, []Task{Subscribe{StreamKey: "k"}, Play{StreamKey: "k"}}, f.c.QueueSnapshot())

	g := newFixture(t, Config{})
	g.c.Start()
	assert.Zero(t, g.net.initialized)
	assert.Empty(t, g.c.QueueSnapshot())
}

func TestDestroyDetachesListeners(t *testing.T) {
	f := newFixture(t, Config{})
	f.playing(t)
	require.Equal(t, 1, f.bus.Count(events.TagStreamMetadataUpdate))

	f.c.Destroy()
	assert.Nil(t, f.c.Sink())
	assert.Zero(t, f.bus.Count(events.TagStreamMetadataUpdate))
	assert.Equal(t, 1, f.bus.Count(events.TagPlaybackStateChange))
}

type telemetryLog struct{ last model.BufferTelemetry }

func (l *telemetryLog) ObserveBuffer(t model.BufferTelemetry) { l.last = t }

func TestSetSinkThresholds(t *testing.T) {
	f := newFixture(t, Config{})
	next := buffer.Thresholds{Min: 0.4, Start: 0.8, Target: 1.2, Max: 4}

	assert.False(t, f.c.SetSinkThresholds(buffer.Thresholds{Min: 1, Start: 0.5, Target: 2, Max: 3}))
	assert.True(t, f.c.SetSinkThresholds(next), "stored for the next sink")

	f.playing(t)
	obs := &telemetryLog{}
	f.c.SetSinkObserver(obs)
	f.sched.Advance(buffer.DefaultConfig().Tick)
	assert.Equal(t, 4.0, obs.last.Max)

	next.Max = 6
	require.True(t, f.c.SetSinkThresholds(next))
	f.sched.Advance(buffer.DefaultConfig().Tick)
	assert.Equal(t, 6.0, obs.last.Max)
}
