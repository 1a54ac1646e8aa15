package sink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/streamplayer/internal/buffer"
	"github.com/mikeyg42/streamplayer/internal/events"
	"github.com/mikeyg42/streamplayer/internal/logging"
	"github.com/mikeyg42/streamplayer/internal/loop"
	"github.com/mikeyg42/streamplayer/internal/model"
)

type stateBox struct{ s model.PlaybackState }

func (b *stateBox) PlaybackState() model.PlaybackState     { return b.s }
func (b *stateBox) SetPlaybackState(s model.PlaybackState) { b.s = s }

type rig struct {
	sched   *loop.Manual
	bus     *events.Bus
	surface *SimSurface
	state   *stateBox

	errors    []error
	buffering int
	complete  int
	muted     int
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		sched: loop.NewManual(time.Unix(1_700_000_000, 0)),
		bus:   events.NewBus(),
		state: &stateBox{s: model.PlaybackStopped},
	}
	r.surface = NewSimSurface(r.sched, 1000)
	events.MustOn(r.bus, "test", func(e events.PlaybackError) { r.errors = append(r.errors, e.Err) })
	events.MustOn(r.bus, "test", func(events.BufferingStart) { r.buffering++ })
	events.MustOn(r.bus, "test", func(events.BufferingComplete) { r.complete++ })
	events.MustOn(r.bus, "test", func(events.PlaybackForceMute) { r.muted++ })
	return r
}

func (r *rig) segmented() *SegmentedSink {
	return NewSegmented(buffer.DefaultConfig(), r.sched, r.bus, r.surface, r.state, logging.Nop())
}

func (r *rig) progressive() *ProgressiveSink {
	return NewProgressive(buffer.DefaultConfig(), r.sched, r.bus, r.surface, r.state, logging.Nop())
}

func (r *rig) metadata() {
	r.bus.Publish(events.StreamMetadataUpdate{Metadata: model.StreamMetadata{VideoCodec: "avc1.42e01e", Width: 640, Height: 360}})
}

func TestSegmentedIgnoresDataBeforeMetadata(t *testing.T) {
	r := newRig(t)
	s := r.segmented()

	s.Feed(make([]byte, 500))
	assert.Zero(t, r.surface.Appends())
	assert.False(t, s.Accepting())
}

func TestSegmentedBuffersThenPlays(t *testing.T) {
	r := newRig(t)
	s := r.segmented()

	r.metadata()
	require.True(t, s.Accepting())
	assert.Equal(t, model.PlaybackBuffering, r.state.s)
	assert.Equal(t, 1, r.buffering)

	s.Feed(make([]byte, 1000))
	assert.Equal(t, 1, r.surface.Appends())

	r.sched.Advance(200 * time.Millisecond)
	assert.Equal(t, model.PlaybackPlaying, r.state.s)
	assert.Equal(t, 1, r.complete)
	assert.False(t, r.surface.Paused())
	assert.Positive(t, s.Bandwidth().TotalBits())
}

func TestSegmentedQueuesWhileUpdating(t *testing.T) {
	r := newRig(t)
	s := r.segmented()
	r.metadata()

	s.Feed(make([]byte, 100))
	s.Feed(make([]byte, 100))
	s.Feed(make([]byte, 100))
	assert.Equal(t, 1, r.surface.Appends())
	assert.Equal(t, 2, s.Queued())

	r.sched.Advance(50 * time.Millisecond)
	assert.Equal(t, 3, r.surface.Appends())
	assert.Zero(t, s.Queued())
}

func TestThreeAppendFailuresTriggerRecovery(t *testing.T) {
	r := newRig(t)
	s := r.segmented()
	r.metadata()
	r.surface.AppendErr = assert.AnError

	s.Feed(make([]byte, 100))
	s.Feed(make([]byte, 100))
	assert.Empty(t, r.errors)
	assert.True(t, s.Accepting())

	s.Feed(make([]byte, 100))
	require.Len(t, r.errors, 1)
	assert.ErrorIs(t, r.errors[0], assert.AnError)
	assert.False(t, s.Accepting())
	assert.Zero(t, s.Queued())

	// intake resumes with the next metadata packet
	r.surface.AppendErr = nil
	r.metadata()
	s.Feed(make([]byte, 100))
	assert.Equal(t, 1, r.surface.Appends())
}

func TestSurfaceErrorRebuildsPipeline(t *testing.T) {
	r := newRig(t)
	s := r.segmented()
	r.metadata()

	r.surface.Fail(assert.AnError)
	s.Feed(make([]byte, 100))
	require.Len(t, r.errors, 1)
	assert.ErrorIs(t, r.errors[0], assert.AnError)
	assert.NoError(t, r.surface.Err())
	assert.False(t, s.Accepting())
}

func TestDowngradeBlocksIntake(t *testing.T) {
	r := newRig(t)
	s := r.segmented()
	r.metadata()
	s.Feed(make([]byte, 100))
	s.Feed(make([]byte, 100))

	r.bus.Publish(events.SourceDowngrade{CapKbps: 800})
	assert.False(t, s.Accepting())
	assert.Zero(t, s.Queued())

	s.Feed(make([]byte, 100))
	assert.Zero(t, s.Queued())
	assert.Equal(t, 1, r.surface.Appends())
}

func TestStreamCloseStopsSegmented(t *testing.T) {
	r := newRig(t)
	s := r.segmented()
	r.metadata()
	s.Feed(make([]byte, 1000))
	r.sched.Advance(200 * time.Millisecond)
	require.Equal(t, model.PlaybackPlaying, r.state.s)

	r.bus.Publish(events.StreamStateChange{StreamKey: "k", State: model.StreamClosed})
	assert.Equal(t, model.PlaybackStopped, r.state.s)
	assert.True(t, r.surface.Paused())
	assert.False(t, s.Accepting())
}

func TestCloseDetachesListeners(t *testing.T) {
	r := newRig(t)
	s := r.segmented()
	require.Equal(t, 1, r.bus.Count(events.TagStreamMetadataUpdate))

	s.Close()
	assert.Zero(t, r.bus.Count(events.TagStreamMetadataUpdate))
	assert.Zero(t, r.bus.Count(events.TagSourceDowngrade))
}

func TestFlushDropsOldMedia(t *testing.T) {
	r := newRig(t)
	s := r.segmented()
	r.metadata()
	r.surface.current = 200
	r.surface.end = 201

	s.requestFlush()
	assert.Equal(t, 80.0, r.surface.start)
}

func TestProgressiveAutoplayRetriesMuted(t *testing.T) {
	r := newRig(t)
	p := r.progressive()
	r.surface.PlayErr = buffer.ErrNotAllowed

	p.SetURL("https://edge.example.com/live/k/index.m3u8")
	assert.Equal(t, "https://edge.example.com/live/k/index.m3u8", r.surface.URL())
	assert.True(t, r.surface.Muted())
	assert.Equal(t, 1, r.muted)
	assert.Equal(t, model.PlaybackPlaying, r.state.s)
	assert.Empty(t, r.errors)
}

func TestProgressiveFollowsLinkingPacket(t *testing.T) {
	r := newRig(t)
	p := r.progressive()

	r.bus.Publish(events.LinkingPacket{URL: "https://edge.example.com/a.m3u8"})
	assert.Equal(t, "https://edge.example.com/a.m3u8", p.URL())
	assert.Equal(t, model.PlaybackPlaying, r.state.s)
	assert.False(t, r.surface.Muted())

	p.Feed(make([]byte, 100))
	assert.Zero(t, r.surface.Appends())
}

func TestProgressiveStreamStates(t *testing.T) {
	r := newRig(t)
	p := r.progressive()
	p.SetURL("u")

	r.metadata()
	assert.Equal(t, model.PlaybackBuffering, r.state.s)

	r.bus.Publish(events.StreamStateChange{State: model.StreamUnpublished})
	assert.Equal(t, model.PlaybackStopped, r.state.s)
	assert.True(t, r.surface.Paused())

	p.Pause(false)
	assert.Equal(t, model.PlaybackPaused, r.state.s)
	assert.Equal(t, KindProgressive, p.Kind())
}
