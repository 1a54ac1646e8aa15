// Package archive copies the raw media frames a player receives into an
// object store, grouped into fixed-size segments.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/mikeyg42/streamplayer/internal/logging"
)

// ObjectStore is where finished segments go.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, meta map[string]string) error
	HealthCheck(ctx context.Context) error
}

// Config controls segmenting and upload retries.
type Config struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Prefix        string        `yaml:"prefix" json:"prefix"`
	SegmentBytes  int           `yaml:"segment_bytes" json:"segment_bytes"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
	QueueSize     int           `yaml:"queue_size" json:"queue_size"`
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
	UploadTimeout time.Duration `yaml:"upload_timeout" json:"upload_timeout"`
	MinIO         MinIOConfig   `yaml:"minio" json:"minio"`
}

func DefaultConfig() Config {
	return Config{
		Prefix:        "segments",
		SegmentBytes:  4 << 20,
		FlushInterval: 10 * time.Second,
		QueueSize:     16,
		MaxRetries:    5,
		RetryBackoff:  500 * time.Millisecond,
		UploadTimeout: time.Minute,
		MinIO: MinIOConfig{
			Endpoint: "localhost:9000",
			Bucket:   "streamplayer",
		},
	}
}

// Stats are running counters.
type Stats struct {
	Segments uint64 `json:"segments"`
	Bytes    uint64 `json:"bytes"`
	Errors   uint64 `json:"errors"`
	Dropped  uint64 `json:"dropped"`
	Retries  uint64 `json:"retries"`
}

type segment struct {
	key       string
	streamKey string
	seq       uint64
	data      []byte
}

// Archiver buffers frames and uploads segments from its own goroutine.
// Write is safe to call from any goroutine and never blocks on the network.
type Archiver struct {
	cfg   Config
	store ObjectStore
	log   logging.Logger
	now   func() time.Time

	mu        sync.Mutex
	buf       bytes.Buffer
	streamKey string
	started   time.Time
	seq       uint64
	closed    bool

	queue chan segment

	segments atomic.Uint64
	bytes    atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	retries  atomic.Uint64
}

func New(cfg Config, store ObjectStore, log logging.Logger) *Archiver {
	def := DefaultConfig()
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = def.SegmentBytes
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = def.UploadTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Archiver{
		cfg:   cfg,
		store: store,
		log:   logging.OrGlobal(log).Named("archive"),
		now:   time.Now,
		queue: make(chan segment, cfg.QueueSize),
	}
}

// Write appends one frame. A change of stream key closes the current
// segment first.
func (a *Archiver) Write(streamKey string, data []byte) {
	if len(data) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.streamKey != streamKey && a.buf.Len() > 0 {
		a.cutLocked()
	}
	if a.buf.Len() == 0 {
		a.started = a.now()
	}
	a.streamKey = streamKey
	a.buf.Write(data)
	if a.buf.Len() >= a.cfg.SegmentBytes {
		a.cutLocked()
	}
}

// Flush closes the current segment early.
func (a *Archiver) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf.Len() > 0 && !a.closed {
		a.cutLocked()
	}
}

func (a *Archiver) cutLocked() {
	a.seq++
	seg := segment{
		key:       a.objectKey(a.streamKey, a.started, a.seq),
		streamKey: a.streamKey,
		seq:       a.seq,
		data:      bytes.Clone(a.buf.Bytes()),
	}
	a.buf.Reset()
	select {
	case a.queue <- seg:
	default:
		a.dropped.Add(1)
		a.log.Warn("upload queue full, dropping segment", logging.String("key", seg.key))
	}
}

func (a *Archiver) objectKey(streamKey string, at time.Time, seq uint64) string {
	if streamKey == "" {
		streamKey = "unknown"
	}
	name := fmt.Sprintf("%s-%06d-%s.bin", at.UTC().Format("20060102T150405Z"), seq, uuid.NewString())
	return path.Join(a.cfg.Prefix, streamKey, name)
}

// Run uploads queued segments until ctx is cancelled, then drains what is
// left with a fresh deadline.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case <-ticker.C:
			a.Flush()
		case seg := <-a.queue:
			if ctx.Err() != nil {
				a.shutdown(seg)
				return nil
			}
			a.upload(ctx, seg)
		}
	}
}

func (a *Archiver) shutdown(pending ...segment) {
	a.mu.Lock()
	if a.buf.Len() > 0 && !a.closed {
		a.cutLocked()
	}
	a.closed = true
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.UploadTimeout)
	defer cancel()
	for _, seg := range pending {
		a.upload(ctx, seg)
	}
	for {
		select {
		case seg := <-a.queue:
			a.upload(ctx, seg)
		default:
			return
		}
	}
}

func (a *Archiver) upload(ctx context.Context, seg segment) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.UploadTimeout)
	defer cancel()

	meta := map[string]string{
		"stream-key": seg.streamKey,
		"sequence":   strconv.FormatUint(seg.seq, 10),
	}
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			a.retries.Add(1)
		}
		return a.store.Put(ctx, seg.key, bytes.NewReader(seg.data), int64(len(seg.data)), meta)
	}

	ebo := backoff.NewExponentialBackOff()
	if a.cfg.RetryBackoff > 0 {
		ebo.InitialInterval = a.cfg.RetryBackoff
	}
	ebo.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(a.cfg.MaxRetries)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		a.failed.Add(1)
		a.log.Error("segment upload failed",
			logging.String("key", seg.key),
			logging.Int("attempts", attempt),
			logging.Error(err))
		return
	}
	a.segments.Add(1)
	a.bytes.Add(uint64(len(seg.data)))
}

func (a *Archiver) Stats() Stats {
	return Stats{
		Segments: a.segments.Load(),
		Bytes:    a.bytes.Load(),
		Errors:   a.failed.Load(),
		Dropped:  a.dropped.Load(),
		Retries:  a.retries.Load(),
	}
}

// HealthCheck probes the object store.
func (a *Archiver) HealthCheck(ctx context.Context) error { return a.store.HealthCheck(ctx) }
