// Package quality chooses which rendition of a stream to play. It caps
// bandwidth after sustained underruns and backs off exponentially before
// trying to climb again.
package quality

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/mikeyg42/streamplayer/internal/events"
	"github.com/mikeyg42/streamplayer/internal/logging"
	"github.com/mikeyg42/streamplayer/internal/loop"
	"github.com/mikeyg42/streamplayer/internal/model"
	"github.com/mikeyg42/streamplayer/internal/storage"
)

const (
	burstTolerance  = 5
	upgradeHeadroom = 1.2
	autoLabel       = "Auto"
)

// Playback is the view of the playback controller the quality controller
// reads and steers.
type Playback interface {
	PlaybackState() model.PlaybackState
	StreamState() model.StreamState
	CurrentSource() (model.SourceItem, bool)
	SetSelectedSource(source *model.SourceItem)
	WasPlayingLastTime() bool
	BufferStability() model.Stability
}

// TrendReader reports the bandwidth direction.
type TrendReader interface {
	Trend() model.Trend
}

// Config controls selection policy and backoff limits.
type Config struct {
	Mode                  model.QualityControlMode
	Device                DeviceClass
	Thresholds            Thresholds
	InitialUpgradeTimeout time.Duration
	MaxUpgradeTimeout     time.Duration
	ResizeDebounce        time.Duration
	StoreTimeout          time.Duration

	// Width and Height are the viewport until the first resize.
	Width, Height int
}

func DefaultConfig() Config {
	return Config{
		Mode:                  model.ModeResolutionAware,
		Device:                DeviceDesktop,
		Thresholds:            DefaultThresholds(),
		InitialUpgradeTimeout: 30 * time.Second,
		MaxUpgradeTimeout:     time.Hour,
		ResizeDebounce:        2 * time.Second,
		StoreTimeout:          2 * time.Second,
	}
}

// Controller is the ABR policy. All methods must run on the scheduler.
type Controller struct {
	cfg      Config
	sched    loop.Scheduler
	bus      *events.Bus
	stream   *model.StreamData
	kv       storage.KV
	playback Playback
	trend    TrendReader
	log      logging.Logger

	state       State
	preselected int

	liveW, liveH   int
	savedW, savedH int
	resizeTimer    loop.Timer

	auto       model.QualityItem
	renditions []model.QualityItem
	listSize   int

	listeners []events.ListenerID
}

// NewController loads persisted state from kv and registers on the bus.
func NewController(cfg Config, sched loop.Scheduler, bus *events.Bus, stream *model.StreamData, kv storage.KV, playback Playback, trend TrendReader, log logging.Logger) *Controller {
	if cfg.InitialUpgradeTimeout <= 0 {
		cfg.InitialUpgradeTimeout = DefaultConfig().InitialUpgradeTimeout
	}
	if cfg.MaxUpgradeTimeout < cfg.InitialUpgradeTimeout {
		cfg.MaxUpgradeTimeout = cfg.InitialUpgradeTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultConfig().StoreTimeout
	}
	if cfg.Mode == "" {
		cfg.Mode = model.ModeResolutionAware
	}
	cfg.Thresholds = cfg.Thresholds.clamped()

	c := &Controller{
		cfg:      cfg,
		sched:    sched,
		bus:      bus,
		stream:   stream,
		kv:       kv,
		playback: playback,
		trend:    trend,
		log:      logging.OrGlobal(log).Named("quality"),
		liveW:    cfg.Width,
		liveH:    cfg.Height,
		savedW:   cfg.Width,
		savedH:   cfg.Height,
		auto:     model.QualityItem{ID: 0, Label: autoLabel, Selected: true, Auto: true},
	}
	c.state.UpgradeTimeout = c.initial()
	c.loadState()
	c.loadViewState()

	c.listeners = append(c.listeners,
		events.MustOn(bus, "quality", func(events.SourceListUpdate) { c.createQualityList() }),
		events.MustOn(bus, "quality", c.onDowngrade),
		events.MustOn(bus, "quality", func(events.PlaybackProgress) { c.onProgress() }),
		events.MustOn(bus, "quality", c.onAuthorization),
		events.MustOn(bus, "quality", func(events.SubscriptionComplete) { c.onSubscribeComplete() }),
		events.MustOn(bus, "quality", c.onResize),
	)
	return c
}

// SetPlayback replaces the playback view.
func (c *Controller) SetPlayback(p Playback) { c.playback = p }

// SetTrend replaces the bandwidth trend source.
func (c *Controller) SetTrend(t TrendReader) { c.trend = t }

// Destroy detaches the controller from the bus.
func (c *Controller) Destroy() {
	if c.resizeTimer != nil {
		c.resizeTimer.Stop()
		c.resizeTimer = nil
	}
	for _, id := range c.listeners {
		c.bus.Detach(id)
	}
	c.listeners = nil
}

func (c *Controller) initial() int64 { return int64(c.cfg.InitialUpgradeTimeout / time.Second) }
func (c *Controller) maximum() int64 { return int64(c.cfg.MaxUpgradeTimeout / time.Second) }
func (c *Controller) now() int64     { return c.sched.Now().Unix() }

func (c *Controller) active() bool {
	return c.playback != nil && c.playback.PlaybackState().Active()
}

func (c *Controller) current() (model.SourceItem, bool) {
	if c.playback == nil {
		return model.SourceItem{}, false
	}
	return c.playback.CurrentSource()
}

func (c *Controller) band() Band {
	return c.cfg.Thresholds.BandFor(c.cfg.Device, c.liveW, c.liveH)
}

// SelectSource picks a rendition for the next Play. A manual preselection
// picks the closest height and clears the cap. Otherwise the mode decides,
// and withCap filters by the learned bandwidth cap first.
func (c *Controller) SelectSource(withCap bool) (model.SourceItem, bool) {
	sources := c.stream.Sources
	if len(sources) == 0 {
		return model.SourceItem{}, false
	}
	if c.preselected != 0 {
		return c.selectManual(sources), true
	}
	return c.selectAuto(sources, withCap)
}

func (c *Controller) selectManual(sources []model.SourceItem) model.SourceItem {
	chosen := slices.MinFunc(sources, func(a, b model.SourceItem) int {
		return abs(a.Info.Height-c.preselected) - abs(b.Info.Height-c.preselected)
	})
	if c.state.BandwidthCap != 0 {
		c.state.BandwidthCap = 0
		c.persist()
	}
	c.auto.Label = autoLabel
	c.auto.Monogram = ""
	c.auto.Selected = false
	for i := range c.renditions {
		c.renditions[i].Selected = c.renditions[i].Label == chosen.Info.Label
	}
	c.publishList()
	return chosen
}

func (c *Controller) selectAuto(sources []model.SourceItem, withCap bool) (model.SourceItem, bool) {
	filtered := sources
	if withCap {
		if capped := underCap(sources, c.state.BandwidthCap); len(capped) > 0 {
			filtered = capped
		}
	}

	var chosen model.SourceItem
	switch c.cfg.Mode {
	case model.ModePassive:
		chosen, _ = SelectByFit(filtered, c.savedW, c.savedH, c.cfg.Thresholds.BandFor(c.cfg.Device, c.savedW, c.savedH))
	case model.ModeLowestQuality:
		chosen = lowestByHeight(sources)
	case model.ModeHighestQuality:
		chosen = highestByHeight(filtered)
	default:
		chosen, _ = SelectByFit(filtered, c.liveW, c.liveH, c.band())
	}
	if withCap {
		c.UpdateAutoItem(chosen)
	}
	return chosen, true
}

// UpdateAutoItem shows the rendition Auto resolved to. It only relabels the
// Auto entry while no manual preselection is active.
func (c *Controller) UpdateAutoItem(source model.SourceItem) {
	if c.preselected == 0 {
		c.auto.Selected = true
		c.auto.Label = fmt.Sprintf("%s (%s)", autoLabel, source.Info.Label)
		c.auto.Monogram = source.Info.Monogram
		for i := range c.renditions {
			c.renditions[i].Selected = false
		}
	}
	c.publishList()
}

// BandwidthCap is the current cap in kbps, 0 when none.
func (c *Controller) BandwidthCap() int { return c.state.BandwidthCap }

// TimeToNextUpgrade is how long the current cooldown still runs.
func (c *Controller) TimeToNextUpgrade() time.Duration {
	if c.state.LastDowngradeTime == 0 {
		return 0
	}
	left := c.state.UpgradeTimeout - (c.now() - c.state.LastDowngradeTime)
	return time.Duration(max(0, left)) * time.Second
}

// ReduceUpgradeTimeout shortens the cooldown by d, never below one second.
func (c *Controller) ReduceUpgradeTimeout(d time.Duration) {
	c.state.UpgradeTimeout = max(1, c.state.UpgradeTimeout-int64(d/time.Second))
	c.persist()
}

// Mode returns the selection policy.
func (c *Controller) Mode() model.QualityControlMode { return c.cfg.Mode }

// SetMode switches the selection policy. With reload, a changed selection is
// played straight away.
func (c *Controller) SetMode(mode model.QualityControlMode, reload bool) {
	c.log.Info("quality mode changed", logging.String("from", string(c.cfg.Mode)), logging.String("to", string(mode)))
	c.cfg.Mode = mode
	if !reload {
		return
	}
	next, ok := c.SelectSource(true)
	if !ok {
		return
	}
	if cur, has := c.current(); has && sameSource(cur, next) {
		return
	}
	c.UpdateAutoItem(next)
	c.requestPlay(next)
}

// SetThresholds replaces the fit bands after clamping them.
func (c *Controller) SetThresholds(t Thresholds) {
	c.cfg.Thresholds = Thresholds{
		Desktop:         t.Desktop.clamped(),
		MobilePortrait:  t.MobilePortrait.clamped(),
		MobileLandscape: t.MobileLandscape.clamped(),
	}
}

func (c *Controller) Thresholds() Thresholds { return c.cfg.Thresholds }

// State returns a copy of the backoff bookkeeping.
func (c *Controller) State() State { return c.state }

// Viewport is the live player size.
func (c *Controller) Viewport() (int, int) { return c.liveW, c.liveH }

// Metrics is a snapshot of the controller for the HTTP API.
type Metrics struct {
	Mode                  string  `json:"mode"`
	Device                string  `json:"device"`
	Band                  Band    `json:"band"`
	ViewportWidth         int     `json:"viewportWidth"`
	ViewportHeight        int     `json:"viewportHeight"`
	PreselectedResolution int     `json:"preselectedResolution"` // 0 = auto
	BandwidthCapKbps      int     `json:"bandwidthCapKbps"`
	UpgradeTimeout        int64   `json:"upgradeTimeout"`    // seconds
	TimeToNextUpgrade     float64 `json:"timeToNextUpgrade"` // seconds
	UpgradeAttempts       int     `json:"upgradeAttempts"`
	FailedUpgradeAttempts int     `json:"failedUpgradeAttempts"`
	LastDowngrade         int64   `json:"lastDowngradeTime"`
	LastUpgrade           int64   `json:"lastUpgradeTime"`
}

func (c *Controller) Metrics() Metrics {
	return Metrics{
		Mode:                  string(c.cfg.Mode),
		Device:                c.cfg.Device.String(),
		Band:                  c.band(),
		ViewportWidth:         c.liveW,
		ViewportHeight:        c.liveH,
		PreselectedResolution: c.preselected,
		BandwidthCapKbps:      c.state.BandwidthCap,
		UpgradeTimeout:        c.state.UpgradeTimeout,
		TimeToNextUpgrade:     c.TimeToNextUpgrade().Seconds(),
		UpgradeAttempts:       c.state.UpgradeAttempts,
		FailedUpgradeAttempts: c.state.FailedUpgradeAttempts,
		LastDowngrade:         c.state.LastDowngradeTime,
		LastUpgrade:           c.state.LastUpgradeTime,
	}
}

// QualityItems is Auto followed by the renditions, tallest first.
func (c *Controller) QualityItems() []model.QualityItem {
	items := make([]model.QualityItem, 0, len(c.renditions)+1)
	items = append(items, c.auto)
	return append(items, c.renditions...)
}

// PlayQualityItem selects Auto (id 0) or a specific rendition and plays it.
// It reports false for an unknown id.
func (c *Controller) PlayQualityItem(id int) bool {
	if id == c.auto.ID {
		c.preselected = 0
		c.saveField(keyPreselected, "0")
		c.auto.Selected = true
		for i := range c.renditions {
			c.renditions[i].Selected = false
		}
		if next, ok := c.SelectSource(true); ok {
			c.requestPlay(next)
		}
		c.publishList()
		return true
	}

	idx := slices.IndexFunc(c.renditions, func(q model.QualityItem) bool { return q.ID == id })
	if idx < 0 {
		return false
	}
	label := c.renditions[idx].Label
	src, ok := c.sourceByLabel(label)
	if !ok {
		return false
	}
	c.auto.Selected = false
	c.auto.Label = autoLabel
	c.auto.Monogram = ""
	for i := range c.renditions {
		c.renditions[i].Selected = i == idx
	}
	c.preselected = src.Info.Height
	c.saveField(keyPreselected, strconv.Itoa(c.preselected))
	c.requestPlay(src)
	c.publishList()
	return true
}

func (c *Controller) sourceByLabel(label string) (model.SourceItem, bool) {
	for _, s := range c.stream.Sources {
		if s.Info.Label == label {
			return s, true
		}
	}
	return model.SourceItem{}, false
}

func (c *Controller) createQualityList() {
	sources := slices.Clone(c.stream.Sources)
	slices.SortStableFunc(sources, func(a, b model.SourceItem) int { return b.Info.Height - a.Info.Height })

	cur, hasCur := c.current()
	found := false
	seen := make(map[string]bool, len(sources))
	c.renditions = c.renditions[:0]
	for _, s := range sources {
		if hasCur && sameSource(s, cur) {
			found = true
		}
		if seen[s.Info.Label] {
			continue
		}
		seen[s.Info.Label] = true
		c.renditions = append(c.renditions, model.QualityItem{
			ID:       len(c.renditions) + 1,
			Label:    s.Info.Label,
			Monogram: s.Info.Monogram,
		})
	}

	resume := c.playback != nil && c.playback.StreamState() == model.StreamPublished && c.playback.WasPlayingLastTime()
	selected, hasSel := cur, hasCur
	switch {
	case hasCur && !found:
		if next, ok := c.SelectSource(true); ok {
			selected, hasSel = next, true
			c.setSelected(next)
			c.log.Info("current source left the list", logging.String("next", next.Info.Label))
			if resume {
				c.requestPlay(next)
			}
		}
	case len(sources) > c.listSize && c.listSize > 0:
		if next, ok := c.SelectSource(true); ok && (!hasCur || !sameSource(next, cur)) {
			selected, hasSel = next, true
			c.setSelected(next)
			if resume {
				c.requestPlay(next)
			}
		}
	}
	c.listSize = len(sources)

	if hasSel && c.preselected != 0 {
		for i := range c.renditions {
			c.renditions[i].Selected = c.renditions[i].Label == selected.Info.Label
		}
	}
	c.publishList()
}

func (c *Controller) setSelected(s model.SourceItem) {
	if c.playback != nil {
		c.playback.SetSelectedSource(&s)
	}
}

func (c *Controller) publishList() {
	c.bus.Publish(events.QualityListUpdate{Items: c.QualityItems()})
}

func (c *Controller) requestPlay(s model.SourceItem) {
	c.bus.Publish(events.PlayRequested{Source: s})
}

func (c *Controller) onDowngrade(e events.SourceDowngrade) {
	now := c.now()
	c.state.BandwidthCap = e.CapKbps
	c.state.BandwidthCapTime = now
	c.nextUpgradeTimeout(now)
	c.state.LastDowngradeTime = now
	c.persist()
	c.log.Info("bandwidth capped",
		logging.Int("capKbps", e.CapKbps),
		logging.Int64("upgradeTimeout", c.state.UpgradeTimeout),
		logging.Int("failedUpgrades", c.state.FailedUpgradeAttempts))
	c.executeDowngrade()
}

// nextUpgradeTimeout advances the backoff schedule for a downgrade at now.
func (c *Controller) nextUpgradeTimeout(now int64) {
	s := &c.state
	initial := c.initial()
	switch {
	case s.LastDowngradeTime == 0, now-s.LastDowngradeTime > s.UpgradeTimeout:
		s.UpgradeTimeout = initial
		s.UpgradeAttempts = 0
		s.FailedUpgradeAttempts = 0
		s.rapidDowngrades = 0
	case s.LastUpgradeTime != 0 && now-s.LastUpgradeTime < s.UpgradeTimeout:
		s.FailedUpgradeAttempts++
		s.rapidDowngrades = 0
		s.UpgradeTimeout = c.escalated()
		s.LastUpgradeTime = 0
	case s.rapidDowngrades < burstTolerance:
		s.rapidDowngrades++
	default:
		s.rapidDowngrades = 0
		s.FailedUpgradeAttempts++
		s.UpgradeTimeout = c.escalated()
	}
	s.UpgradeTimeout = min(s.UpgradeTimeout, c.maximum())
}

func (c *Controller) escalated() int64 {
	exp := c.state.FailedUpgradeAttempts + 3
	if exp > 62 {
		return c.maximum()
	}
	factor := math.Pow(2, float64(exp))
	v := factor * float64(c.initial())
	if v > float64(c.maximum()) {
		return c.maximum()
	}
	return int64(v)
}

func (c *Controller) executeDowngrade() {
	sources := c.stream.Sources
	if len(sources) == 0 {
		return
	}
	lowest := lowestByBitrate(sources)
	if cur, ok := c.current(); ok && cur.Info.Bitrate <= lowest.Info.Bitrate {
		return
	}
	if !c.active() {
		return
	}
	capped := underCap(sources, c.state.BandwidthCap)
	target := lowest
	if len(capped) > 0 {
		target = slices.MaxFunc(capped, func(a, b model.SourceItem) int { return a.Info.Bitrate - b.Info.Bitrate })
	}
	c.log.Info("downgrading", logging.String("to", target.Info.Label), logging.Int("bitrate", target.Info.Bitrate))
	c.requestPlay(target)
	if len(capped) > 0 {
		c.bus.Publish(events.RestartRequested{Silent: true})
	}
}

func (c *Controller) onProgress() {
	s := &c.state
	if s.BandwidthCap <= 0 || c.preselected != 0 || s.LastDowngradeTime <= 0 {
		return
	}
	now := c.now()
	if now-s.LastDowngradeTime < s.UpgradeTimeout {
		return
	}
	if c.trend == nil || c.trend.Trend() != model.TrendStable {
		return
	}
	if c.playback == nil {
		return
	}
	if st := c.playback.BufferStability(); st != model.StabilityGood && st != model.StabilityMedium {
		return
	}
	c.attemptUpgrade(now)
}

func (c *Controller) attemptUpgrade(now int64) {
	cur, ok := c.current()
	if !ok || len(c.stream.Sources) == 0 {
		return
	}
	sorted := slices.Clone(c.stream.Sources)
	slices.SortStableFunc(sorted, func(a, b model.SourceItem) int { return a.Info.Bitrate - b.Info.Bitrate })
	idx := slices.IndexFunc(sorted, func(s model.SourceItem) bool { return s.Info.Bitrate == cur.Info.Bitrate })
	if idx < 0 || idx+1 >= len(sorted) {
		return
	}
	next := sorted[idx+1]
	target, ok := c.SelectSource(false)
	if !ok || next.Info.Bitrate == 0 {
		return
	}
	if next.Info.Height > target.Info.Height {
		c.state.LastDowngradeTime = 0
		c.state.UpgradeTimeout = 0
		return
	}

	s := &c.state
	s.BandwidthCap = int(math.Round(float64(next.Info.Bitrate) * upgradeHeadroom))
	s.LastDowngradeTime = now
	s.UpgradeTimeout = c.initial()
	s.UpgradeAttempts++
	s.LastUpgradeTime = now
	c.persist()
	c.log.Info("upgrading", logging.String("to", next.Info.Label), logging.Int("capKbps", s.BandwidthCap))

	if c.active() {
		c.UpdateAutoItem(next)
		c.requestPlay(next)
	}
}

func (c *Controller) onAuthorization(e events.AuthorizationComplete) {
	if e.ClientIP == "" {
		return
	}
	saved, ok := c.getField(keySavedIP)
	if ok && saved != "" && saved != e.ClientIP {
		c.log.Info("client address changed, resetting bandwidth state", logging.String("from", saved), logging.String("to", e.ClientIP))
		c.state.reset(c.initial())
		c.withStore(func(ctx context.Context) error { return c.state.Save(ctx, c.kv) })
	}
	c.saveField(keySavedIP, e.ClientIP)
}

func (c *Controller) onSubscribeComplete() {
	c.loadState()
	if c.resizeTimer != nil {
		c.resizeTimer.Stop()
		c.resizeTimer = nil
	}
}

func (c *Controller) onResize(e events.ResizeUpdate) {
	c.liveW, c.liveH = e.Width, e.Height
	if c.resizeTimer != nil {
		c.resizeTimer.Stop()
	}
	c.resizeTimer = c.sched.AfterFunc(c.cfg.ResizeDebounce, func() {
		c.resizeTimer = nil
		c.applyResize()
	})
}

func (c *Controller) applyResize() {
	c.savedW, c.savedH = c.liveW, c.liveH
	c.saveField(keyResolutionWidth, strconv.Itoa(c.savedW))
	c.saveField(keyResolutionHeight, strconv.Itoa(c.savedH))

	if c.cfg.Mode != model.ModeResolutionAware || !c.active() || c.preselected != 0 {
		return
	}
	next, ok := c.SelectSource(true)
	if !ok {
		return
	}
	if uncapped, _ := c.SelectSource(false); !sameSource(next, uncapped) && c.TimeToNextUpgrade() == 0 {
		c.state.LastDowngradeTime = c.now()
		c.state.UpgradeTimeout = c.initial()
		c.persist()
	}
	if cur, has := c.current(); has && sameSource(cur, next) {
		return
	}
	c.UpdateAutoItem(next)
	c.requestPlay(next)
}

// persist saves the backoff state unless the mode is PASSIVE.
func (c *Controller) persist() {
	if c.cfg.Mode == model.ModePassive || c.kv == nil {
		return
	}
	c.withStore(func(ctx context.Context) error { return c.state.Save(ctx, c.kv) })
}

func (c *Controller) loadState() {
	if c.kv == nil {
		return
	}
	c.withStore(func(ctx context.Context) error { return c.state.Load(ctx, c.kv) })
}

func (c *Controller) loadViewState() {
	if v, ok := c.intField(keyPreselected); ok {
		c.preselected = v
	}
	w, okW := c.intField(keyResolutionWidth)
	h, okH := c.intField(keyResolutionHeight)
	if okW && okH && w > 0 && h > 0 {
		c.savedW, c.savedH = w, h
	}
}

func (c *Controller) intField(name string) (int, bool) {
	raw, ok := c.getField(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.log.Warn("ignoring malformed field", logging.String("field", name), logging.Error(err))
		return 0, false
	}
	return v, true
}

func (c *Controller) getField(name string) (string, bool) {
	if c.kv == nil {
		return "", false
	}
	var (
		val string
		ok  bool
	)
	c.withStore(func(ctx context.Context) error {
		var err error
		val, ok, err = c.kv.Get(ctx, name)
		return err
	})
	return val, ok
}

func (c *Controller) saveField(name, value string) {
	if c.kv == nil {
		return
	}
	c.withStore(func(ctx context.Context) error { return c.kv.Set(ctx, name, value) })
}

func (c *Controller) withStore(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StoreTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.log.Warn("quality storage failed", logging.Error(err))
	}
}

func sameSource(a, b model.SourceItem) bool {
	return a.StreamKey == b.StreamKey && a.Info.Label == b.Info.Label
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
