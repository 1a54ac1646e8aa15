// Package metrics exposes player telemetry on a private prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mikeyg42/streamplayer/internal/events"
	"github.com/mikeyg42/streamplayer/internal/model"
)

const namespace = "streamplayer"

// countedTags are the bus events tallied in events_total.
var countedTags = []events.Tag{
	events.TagServerConnect,
	events.TagServerDisconnect,
	events.TagServerConnectionRestart,
	events.TagServerConnectionError,
	events.TagAllConnectionsFailed,
	events.TagAuthorizationComplete,
	events.TagAuthorizationError,
	events.TagSubscriptionComplete,
	events.TagSubscriptionFailed,
	events.TagStreamNotFound,
	events.TagBufferingStart,
	events.TagBufferingComplete,
	events.TagPlaybackStart,
	events.TagPlaybackPause,
	events.TagPlaybackStop,
	events.TagPlaybackForcePause,
	events.TagPlaybackForceMute,
	events.TagPlaybackError,
	events.TagSourceDowngrade,
	events.TagPlayRequested,
	events.TagRestartRequested,
	events.TagViewerLimitReached,
	events.TagCompatibilityError,
}

var playbackStates = []model.PlaybackState{
	model.PlaybackUnknown, model.PlaybackBuffering, model.PlaybackPlaying,
	model.PlaybackPaused, model.PlaybackStopped,
}

// Metrics holds the collectors of one player.
type Metrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	requests      *prometheus.CounterVec
	bufferSeconds prometheus.Gauge
	deviation     prometheus.Gauge
	playbackRate  prometheus.Gauge
	condition     *prometheus.GaugeVec
	playbackState *prometheus.GaugeVec
	bandwidthCap  prometheus.Gauge
	upgradeWait   prometheus.Gauge
	downgrades    prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Player events published on the bus, by tag",
		}, []string{"tag"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Control API requests, by status class",
		}, []string{"class"}),
		bufferSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_seconds",
			Help:      "Buffered media ahead of the playhead",
		}),
		deviation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_deviation",
			Help:      "Standard deviation of the buffer level over the analysis window",
		}),
		playbackRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_rate",
			Help:      "Current playback rate",
		}),
		condition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_condition",
			Help:      "1 for the current buffer classification",
		}, []string{"condition"}),
		playbackState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_state",
			Help:      "1 for the current playback state",
		}, []string{"state"}),
		bandwidthCap: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bandwidth_cap_kbps",
			Help:      "Bandwidth cap learned from downgrades, 0 when none",
		}),
		upgradeWait: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upgrade_wait_seconds",
			Help:      "Time until the next quality upgrade may be attempted",
		}),
		downgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downgrades_total",
			Help:      "Quality downgrades requested by the buffer regulator",
		}),
	}

	registry.MustRegister(
		m.events,
		m.requests,
		m.bufferSeconds,
		m.deviation,
		m.playbackRate,
		m.condition,
		m.playbackState,
		m.bandwidthCap,
		m.upgradeWait,
		m.downgrades,
	)
	return m
}

// ObserveBuffer records one regulator tick.
func (m *Metrics) ObserveBuffer(t model.BufferTelemetry) {
	m.bufferSeconds.Set(t.Seconds)
	m.deviation.Set(t.Deviation)
	m.playbackRate.Set(t.PlaybackRate)
	for _, c := range []model.BufferCondition{
		model.ConditionUnderrun, model.ConditionLow, model.ConditionTarget,
		model.ConditionHigh, model.ConditionOverflow,
	} {
		m.condition.WithLabelValues(string(c)).Set(boolGauge(c == t.Condition))
	}
}

// SetQuality records the ABR cap and cooldown.
func (m *Metrics) SetQuality(capKbps int, upgradeWaitSeconds float64) {
	m.bandwidthCap.Set(float64(capKbps))
	m.upgradeWait.Set(upgradeWaitSeconds)
}

// Attach counts bus events and tracks the playback state. It must run on
// the goroutine that owns the bus.
func (m *Metrics) Attach(bus *events.Bus) ([]events.ListenerID, error) {
	var ids []events.ListenerID
	for _, tag := range countedTags {
		counter := m.events.WithLabelValues(string(tag))
		id, err := bus.Subscribe(tag, "metrics", func(events.Event) { counter.Inc() }, true)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	id, err := events.On(bus, "metrics", func(e events.PlaybackStateChange) { m.setPlaybackState(e.State) }, true)
	if err != nil {
		return ids, err
	}
	ids = append(ids, id)
	id, err = events.On(bus, "metrics-downgrade", func(events.SourceDowngrade) { m.downgrades.Inc() }, true)
	if err != nil {
		return ids, err
	}
	return append(ids, id), nil
}

func (m *Metrics) setPlaybackState(state model.PlaybackState) {
	for _, s := range playbackStates {
		m.playbackState.WithLabelValues(string(s)).Set(boolGauge(s == state))
	}
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry. refresh runs before each scrape to update
// gauges that are sampled rather than pushed.
func (m *Metrics) Handler(refresh func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refresh != nil {
			refresh()
		}
		inner.ServeHTTP(w, r)
	})
}

// RequestMiddleware counts API requests by status class.
func (m *Metrics) RequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrap := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrap, r)
		m.requests.WithLabelValues(statusClass(wrap.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
