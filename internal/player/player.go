// Package player assembles the session, playback, quality and buffer
// components around one event loop and runs them with their supporting
// services.
package player

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/streamplayer/internal/api"
	"github.com/mikeyg42/streamplayer/internal/archive"
	"github.com/mikeyg42/streamplayer/internal/config"
	"github.com/mikeyg42/streamplayer/internal/events"
	"github.com/mikeyg42/streamplayer/internal/logging"
	"github.com/mikeyg42/streamplayer/internal/loop"
	"github.com/mikeyg42/streamplayer/internal/metrics"
	"github.com/mikeyg42/streamplayer/internal/model"
	"github.com/mikeyg42/streamplayer/internal/playback"
	"github.com/mikeyg42/streamplayer/internal/protocol"
	"github.com/mikeyg42/streamplayer/internal/quality"
	"github.com/mikeyg42/streamplayer/internal/sink"
	"github.com/mikeyg42/streamplayer/internal/storage"
)

const (
	loopQueueSize   = 1024
	teardownTimeout = 5 * time.Second
)

// Options replace the production collaborators. Zero values select the
// defaults built from the configuration.
type Options struct {
	// ConfigPath enables hot reload of the file the config was loaded from.
	ConfigPath string
	EnvFiles   []string
	Version    string
	Branch     string

	Dialer  protocol.Dialer
	Surface sink.Surface
	Store   storage.Store
	Objects archive.ObjectStore
}

// Player owns every component of one stream client.
type Player struct {
	id  string
	cfg *config.Config
	log logging.Logger

	loop    *loop.Loop
	bus     *events.Bus
	stream  *model.StreamData
	store   storage.Store
	session *protocol.Session
	control *playback.Controller
	quality *quality.Controller
	metrics *metrics.Metrics
	archive *archive.Archiver
	api     *api.Server
	watcher *config.Watcher
}

// New validates cfg and builds the player. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts Options, log logging.Logger) (*Player, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	qcfg, err := cfg.QualityConfig()
	if err != nil {
		return nil, err
	}

	p := &Player{
		id:     uuid.NewString(),
		cfg:    cfg,
		loop:   loop.New(loopQueueSize),
		bus:    events.NewBus(),
		stream: cfg.StreamData(),
	}
	p.log = logging.OrGlobal(log).Named("player").With(logging.String("player", p.id))

	p.store = opts.Store
	if p.store == nil {
		if p.store, err = storage.Open(ctx, cfg.Storage, log); err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	surface := opts.Surface
	if surface == nil {
		sim := sink.NewSimSurface(p.loop, cfg.Surface.BytesPerSecond)
		sim.SetCapabilities(cfg.SurfaceCapabilities(sim.Capabilities()))
		surface = sim
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = protocol.NewWSDialer()
	}

	p.control = playback.NewController(cfg.PlaybackConfig(), p.loop, p.bus, p.stream, nil, surface, log)
	p.session = protocol.NewSession(cfg.SessionConfig(opts.Version, opts.Branch, surface.Capabilities()),
		p.loop, p.bus, p.stream, dialer, p.control, log)
	p.control.SetNetwork(p.session)
	p.quality = quality.NewController(qcfg, p.loop, p.bus, p.stream, p.store, p.control, p.session.Bandwidth(), log)
	p.control.SetSelector(p.quality)

	p.metrics = metrics.New()
	if _, err := p.metrics.Attach(p.bus); err != nil {
		p.closeStore()
		return nil, fmt.Errorf("attach metrics: %w", err)
	}
	p.control.SetSinkObserver(p.metrics)

	if cfg.Archive.Enabled {
		objects := opts.Objects
		if objects == nil {
			mstore, err := archive.NewMinIOStore(ctx, cfg.Archive.MinIO, log)
			if err != nil {
				p.closeStore()
				return nil, fmt.Errorf("open archive: %w", err)
			}
			objects = mstore
		}
		p.archive = archive.New(cfg.Archive, objects, log)
	}
	p.session.SetBinaryHandler(p.onBinary)

	if cfg.API.Enabled {
		p.api = api.NewServer(api.Config{
			ListenAddr: cfg.API.ListenAddr,
			RateLimit:  cfg.API.RateLimit,
			Burst:      cfg.API.Burst,
		}, p.apiDeps(), log)
	}
	if opts.ConfigPath != "" {
		p.watcher = config.NewWatcher(opts.ConfigPath, cfg, p.onConfigChange, log, opts.EnvFiles...)
	}
	return p, nil
}

func (p *Player) ID() string { return p.id }

// Bus is the event bus. Listeners must only be registered on the loop, for
// example through Do.
func (p *Player) Bus() *events.Bus { return p.bus }

// API is the HTTP control server, or nil when it is disabled.
func (p *Player) API() *api.Server { return p.api }

// Run starts the loop and the enabled services and blocks until ctx is done
// or one of them fails.
func (p *Player) Run(ctx context.Context) error {
	defer p.closeStore()

	g, gctx := errgroup.WithContext(ctx)

	// The loop outlives gctx so that teardown can still run on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	g.Go(func() error { return p.loop.Run(loopCtx) })

	p.loop.Post(p.start)

	if p.archive != nil {
		g.Go(func() error { return p.archive.Run(gctx) })
	}
	if p.api != nil {
		g.Go(func() error { return p.api.Run(gctx) })
	}
	if p.watcher != nil {
		g.Go(func() error { return p.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		_, err := loop.Call(tctx, p.loop, func() struct{} {
			p.teardown()
			return struct{}{}
		})
		stopLoop()
		if err != nil && !errors.Is(err, loop.ErrStopped) {
			return fmt.Errorf("teardown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Do runs fn on the loop and waits for it.
func (p *Player) Do(ctx context.Context, fn func()) error {
	_, err := loop.Call(ctx, p.loop, func() struct{} {
		fn()
		return struct{}{}
	})
	return err
}

// Subscribe switches to another stream key.
func (p *Player) Subscribe(ctx context.Context, streamKey string, autoStart bool) error {
	return p.Do(ctx, func() { p.control.CreateSubscribeTask(streamKey, autoStart) })
}

func (p *Player) Unsubscribe(ctx context.Context) error {
	return p.Do(ctx, p.control.CreateUnsubscribeTask)
}

// Resize reports a new viewport size to the quality controller.
func (p *Player) Resize(ctx context.Context, width, height int) error {
	return p.Do(ctx, func() { p.bus.Publish(events.ResizeUpdate{Width: width, Height: height}) })
}

// SetFocus reports a window focus change to the playback controller.
func (p *Player) SetFocus(ctx context.Context, focused bool) error {
	return p.Do(ctx, func() {
		p.bus.Publish(events.FocusChange{Focused: focused, At: p.loop.Now()})
	})
}

// Status reads the playback state.
func (p *Player) Status(ctx context.Context) (api.PlaybackStatus, error) {
	return loop.Call(ctx, p.loop, func() api.PlaybackStatus { return api.ReadStatus(p.control) })
}

func (p *Player) start() {
	p.log.Info("player starting",
		logging.String("streamKey", p.stream.StreamKey),
		logging.Int("servers", len(p.stream.Servers)))
	p.bus.Publish(events.PlayerReady{ID: p.id})
	p.control.Start()
}

func (p *Player) teardown() {
	p.log.Info("player stopping")
	p.session.Disconnect()
	p.quality.Destroy()
	p.control.Destroy()
	if p.archive != nil {
		p.archive.Flush()
	}
}

// onBinary runs on the loop for every media frame.
func (p *Player) onBinary(data []byte) {
	p.control.Feed(data)
	if p.archive == nil {
		return
	}
	key := p.stream.StreamKey
	if src, ok := p.control.CurrentSource(); ok {
		key = src.StreamKey
	}
	p.archive.Write(key, data)
}

// onConfigChange is called by the watcher goroutine.
func (p *Player) onConfigChange(c config.Change) {
	if len(c.Restart) > 0 {
		p.log.Warn("configuration changes require a restart", logging.Any("sections", c.Restart))
	}
	if !c.Buffer && !c.Quality {
		return
	}
	next := c.Config
	p.loop.Post(func() {
		if c.Buffer {
			p.control.SetSinkThresholds(next.Buffer.Thresholds)
		}
		if c.Quality {
			qcfg, err := next.QualityConfig()
			if err != nil {
				p.log.Warn("ignoring quality settings", logging.Error(err))
				return
			}
			p.quality.SetThresholds(qcfg.Thresholds)
			if qcfg.Mode != p.quality.Mode() {
				p.quality.SetMode(qcfg.Mode, true)
			}
		}
	})
}

func (p *Player) apiDeps() api.Deps {
	deps := api.Deps{
		Sched:    p.loop,
		Playback: p.control,
		Quality:  p.quality,
		Checks: map[string]api.HealthCheck{
			"storage": p.store.HealthCheck,
		},
	}
	if p.cfg.API.Metrics {
		deps.Metrics = p.metrics
		deps.Refresh = p.refreshMetrics
	}
	if p.archive != nil {
		deps.Checks["archive"] = p.archive.HealthCheck
	}
	return deps
}

// refreshMetrics samples the quality gauges before a scrape.
func (p *Player) refreshMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = p.Do(ctx, func() {
		p.metrics.SetQuality(p.quality.BandwidthCap(), p.quality.TimeToNextUpgrade().Seconds())
	})
}

func (p *Player) closeStore() {
	if p.store == nil {
		return
	}
	if err := p.store.Close(); err != nil {
		p.log.Warn("closing storage failed", logging.Error(err))
	}
	p.store = nil
}
