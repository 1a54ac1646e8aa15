package loop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestManualRunsPostedWorkInOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var got []int
	m.Post(func() {
		got = append(got, 1)
		m.Post(func() { got = append(got, 3) })
		got = append(got, 2)
	})
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestManualAdvanceFiresInDeadlineOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var got []string
	m.AfterFunc(300*time.Millisecond, func() { got = append(got, "late") })
	m.AfterFunc(100*time.Millisecond, func() { got = append(got, "early") })
	stop := m.AfterFunc(200*time.Millisecond, func() { got = append(got, "stopped") })
	require.True(t, stop.Stop())
	require.False(t, stop.Stop())

	m.Advance(250 * time.Millisecond)
	assert.Equal(t, []string{"early"}, got)

	m.Advance(50 * time.Millisecond)
	assert.Equal(t, []string{"early", "late"}, got)
	assert.Equal(t, time.Unix(0, 0).Add(300*time.Millisecond), m.Now())
}

func TestManualEvery(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	n := 0
	tk := m.Every(100*time.Millisecond, func() { n++ })
	m.Advance(time.Second)
	assert.Equal(t, 10, n)
	tk.Stop()
	m.Advance(time.Second)
	assert.Equal(t, 10, n)
	assert.Zero(t, m.Pending())
}

func TestLoopRunAndCall(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := New(8)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	var counter int
	for i := 0; i < 5; i++ {
		l.Post(func() { counter++ })
	}
	v, err := Call(ctx, l, func() int { return counter })
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	var fired atomic.Int32
	tk := l.Every(5*time.Millisecond, func() { fired.Add(1) })
	done := make(chan struct{})
	l.AfterFunc(20*time.Millisecond, func() { close(done) })
	<-done
	tk.Stop()
	assert.Positive(t, fired.Load())

	cancel()
	require.NoError(t, <-errc)
	<-l.Done()

	_, err = Call(context.Background(), l, func() int { return 1 })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestLoopSelfPostDoesNotBlock(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	// keep outside producers busy so the queue is never empty
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				l.Post(func() {})
			}
		}
	}()

	var got []int
	done := make(chan struct{})
	l.Post(func() {
		for i := 0; i < 100; i++ {
			l.Post(func() { got = append(got, i) })
		}
		l.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not run its own posts")
	}
	n, err := Call(ctx, l, func() int { return len(got) })
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	v, _ := Call(ctx, l, func() []int { return append([]int(nil), got...) })
	assert.IsIncreasing(t, v)

	cancel()
	require.NoError(t, <-errc)
}

func TestLoopPostAfterStopIsDropped(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.Run(ctx))

	ran := false
	for i := 0; i < 10; i++ {
		l.Post(func() { ran = true })
	}
	assert.False(t, ran)
}
