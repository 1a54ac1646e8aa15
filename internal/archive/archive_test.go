package archive

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mikeyg42/streamplayer/internal/logging"
)

type object struct {
	key  string
	data []byte
	meta map[string]string
}

type memStore struct {
	mu       sync.Mutex
	objects  []object
	calls    int
	failures int
}

func (s *memStore) Put(_ context.Context, key string, r io.Reader, _ int64, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return errors.New("connection reset")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.objects = append(s.objects, object{key: key, data: data, meta: meta})
	return nil
}

func (s *memStore) HealthCheck(context.Context) error { return nil }

func (s *memStore) snapshot() ([]object, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]object(nil), s.objects...), s.calls
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SegmentBytes = 10
	cfg.FlushInterval = time.Hour
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxRetries = 3
	return cfg
}

func run(t *testing.T, a *Archiver) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("archiver did not stop")
		}
	}
}

func TestSegmentCutAtSize(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := &memStore{}
	a := New(testConfig(), store, logging.Nop())
	stop := run(t, a)

	a.Write("cam1", []byte("abcdef"))
	a.Write("cam1", []byte("ghijkl"))

	require.Eventually(t, func() bool {
		objs, _ := store.snapshot()
		return len(objs) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	objs, _ := store.snapshot()
	assert.Equal(t, "abcdefghijkl", string(objs[0].data))
	assert.True(t, strings.HasPrefix(objs[0].key, "segments/cam1/"), objs[0].key)
	assert.True(t, strings.HasSuffix(objs[0].key, ".bin"))
	assert.Equal(t, "cam1", objs[0].meta["stream-key"])
	assert.Equal(t, "1", objs[0].meta["sequence"])
	assert.Equal(t, uint64(12), a.Stats().Bytes)
}

func TestStreamChangeClosesSegment(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := &memStore{}
	a := New(testConfig(), store, logging.Nop())
	stop := run(t, a)

	a.Write("a", []byte("123"))
	a.Write("b", []byte("456"))
	stop()

	objs, _ := store.snapshot()
	require.Len(t, objs, 2)
	assert.Equal(t, "123", string(objs[0].data))
	assert.Equal(t, "a", objs[0].meta["stream-key"])
	assert.Equal(t, "456", string(objs[1].data), "the partial segment is flushed on shutdown")
	assert.NotEqual(t, objs[0].key, objs[1].key)
}

func TestUploadRetries(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := &memStore{failures: 2}
	a := New(testConfig(), store, logging.Nop())
	stop := run(t, a)

	a.Write("k", []byte("0123456789"))
	require.Eventually(t, func() bool { return a.Stats().Segments == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	_, calls := store.snapshot()
	assert.Equal(t, 3, calls)
	assert.Equal(t, uint64(2), a.Stats().Retries)
	assert.Zero(t, a.Stats().Errors)
}

func TestUploadGivesUp(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := &memStore{failures: -1}
	cfg := testConfig()
	cfg.MaxRetries = 2
	a := New(cfg, store, logging.Nop())
	stop := run(t, a)

	a.Write("k", []byte("0123456789"))
	require.Eventually(t, func() bool { return a.Stats().Errors == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	_, calls := store.snapshot()
	assert.Equal(t, 3, calls)
	assert.Zero(t, a.Stats().Segments)
}

func TestFullQueueDrops(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	a := New(cfg, &memStore{}, logging.Nop())

	a.Write("k", []byte("0123456789"))
	a.Write("k", []byte("0123456789"))

	assert.Equal(t, uint64(1), a.Stats().Dropped)
}

func TestWriteAfterShutdownIsIgnored(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := &memStore{}
	a := New(testConfig(), store, logging.Nop())
	stop := run(t, a)
	stop()

	a.Write("k", []byte("0123456789"))
	a.Flush()
	objs, _ := store.snapshot()
	assert.Empty(t, objs)
}
