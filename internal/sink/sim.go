package sink

import (
	"errors"
	"math"
	"time"

	"github.com/mikeyg42/streamplayer/internal/buffer"
	"github.com/mikeyg42/streamplayer/internal/loop"
)

// ErrSurfaceUpdating is returned by Remove while an append is in flight.
var ErrSurfaceUpdating = errors.New("surface is updating")

// SimSurface is a headless Surface driven by a loop.Scheduler. Appended
// bytes become buffered seconds at BytesPerSecond, and the playhead advances
// with the scheduler clock while playing.
type SimSurface struct {
	sched loop.Scheduler
	caps  Capabilities

	// BytesPerSecond converts appended bytes into media duration.
	BytesPerSecond float64
	// AppendDelay is how long an append keeps Updating true.
	AppendDelay time.Duration
	// PlayErr, when set, is returned to the next Play callback.
	PlayErr error
	// AppendErr, when set, is returned by Append.
	AppendErr error

	start, end float64
	current    float64
	rate       float64
	paused     bool
	muted      bool
	updating   bool
	url        string
	err        error
	onUpdate   func()
	ticker     loop.Timer
	lastTick   time.Time
	appends    int
}

// NewSimSurface creates a surface that supports both sink kinds with common
// codecs.
func NewSimSurface(sched loop.Scheduler, bytesPerSecond float64) *SimSurface {
	return &SimSurface{
		sched: sched,
		caps: Capabilities{
			Segmented:   true,
			Progressive: true,
			VideoCodecs: []string{"avc1.42e01e", "avc1.64001f"},
			AudioCodecs: []string{"mp4a.40.2", "opus"},
		},
		BytesPerSecond: bytesPerSecond,
		AppendDelay:    10 * time.Millisecond,
		rate:           1.0,
		paused:         true,
	}
}

// SetCapabilities overrides what the surface reports.
func (s *SimSurface) SetCapabilities(c Capabilities) { s.caps = c }

// Fail puts the surface into an error state until Reset.
func (s *SimSurface) Fail(err error) { s.err = err }

func (s *SimSurface) Capabilities() Capabilities { return s.caps }
func (s *SimSurface) Updating() bool             { return s.updating }
func (s *SimSurface) OnUpdateEnd(fn func())      { s.onUpdate = fn }
func (s *SimSurface) CurrentTime() float64       { return s.current }
func (s *SimSurface) PlaybackRate() float64      { return s.rate }
func (s *SimSurface) SetPlaybackRate(r float64)  { s.rate = r }
func (s *SimSurface) SetMuted(v bool)            { s.muted = v }
func (s *SimSurface) Muted() bool                { return s.muted }
func (s *SimSurface) Paused() bool               { return s.paused }
func (s *SimSurface) Err() error                 { return s.err }
func (s *SimSurface) URL() string                { return s.url }
func (s *SimSurface) Appends() int               { return s.appends }

func (s *SimSurface) Buffered() []buffer.Range {
	if s.end <= s.start {
		return nil
	}
	return []buffer.Range{{Start: s.start, End: s.end}}
}

func (s *SimSurface) Seek(t float64) {
	s.current = math.Max(s.start, math.Min(t, s.end))
}

func (s *SimSurface) Append(data []byte) error {
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.appends++
	s.updating = true
	s.end += float64(len(data)) / s.BytesPerSecond
	s.sched.AfterFunc(s.AppendDelay, func() {
		s.updating = false
		if s.onUpdate != nil {
			s.onUpdate()
		}
	})
	return nil
}

func (s *SimSurface) Remove(start, end float64) error {
	if s.updating {
		return ErrSurfaceUpdating
	}
	if start <= s.start && end > s.start {
		s.start = math.Min(end, s.end)
	}
	return nil
}

func (s *SimSurface) Load(url string) {
	s.url = url
	s.start, s.end, s.current = 0, 0, 0
}

func (s *SimSurface) Play(done func(error)) {
	err := s.PlayErr
	s.PlayErr = nil
	if err == nil && s.paused {
		s.paused = false
		s.lastTick = s.sched.Now()
		s.ticker = s.sched.Every(100*time.Millisecond, s.advance)
	}
	s.sched.Post(func() { done(err) })
}

func (s *SimSurface) Pause() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	s.paused = true
}

// Reset detaches all media and clears the error state. The next append
// starts a fresh timeline.
func (s *SimSurface) Reset() {
	s.Pause()
	s.start, s.end, s.current = 0, 0, 0
	s.updating = false
	s.err = nil
}

func (s *SimSurface) advance() {
	now := s.sched.Now()
	elapsed := now.Sub(s.lastTick).Seconds() * s.rate
	s.lastTick = now
	s.current = math.Min(s.current+elapsed, s.end)
}
