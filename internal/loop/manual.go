package loop

import (
	"sort"
	"time"
)

// Manual is a deterministic Scheduler for tests. Posted functions run
// immediately unless another posted function is already running, in which
// case they run after it returns. Timers only fire from Advance.
type Manual struct {
	now      time.Time
	pending  []func()
	draining bool
	timers   []*manualTimer
	seq      int
}

// NewManual returns a Manual scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time { return m.now }

func (m *Manual) Post(fn func()) {
	m.pending = append(m.pending, fn)
	m.drain()
}

func (m *Manual) drain() {
	if m.draining {
		return
	}
	m.draining = true
	defer func() { m.draining = false }()
	for len(m.pending) > 0 {
		fn := m.pending[0]
		m.pending = m.pending[1:]
		fn()
	}
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	return m.add(d, 0, fn)
}

func (m *Manual) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	return m.add(d, d, fn)
}

func (m *Manual) add(d, period time.Duration, fn func()) *manualTimer {
	m.seq++
	t := &manualTimer{m: m, at: m.now.Add(d), period: period, fn: fn, seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that comes due in
// deadline order. Work posted by a timer runs before the next timer fires.
func (m *Manual) Advance(d time.Duration) {
	end := m.now.Add(d)
	for {
		t := m.next(end)
		if t == nil {
			break
		}
		m.now = t.at
		if t.period > 0 {
			t.at = t.at.Add(t.period)
		} else {
			m.remove(t)
		}
		m.Post(t.fn)
	}
	m.now = end
}

// Pending reports the number of live timers.
func (m *Manual) Pending() int { return len(m.timers) }

func (m *Manual) next(end time.Time) *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at.Equal(m.timers[j].at) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].at.Before(m.timers[j].at)
	})
	if m.timers[0].at.After(end) {
		return nil
	}
	return m.timers[0]
}

func (m *Manual) remove(t *manualTimer) bool {
	for i, x := range m.timers {
		if x == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}

type manualTimer struct {
	m      *Manual
	at     time.Time
	period time.Duration
	fn     func()
	seq    int
}

func (t *manualTimer) Stop() bool { return t.m.remove(t) }
