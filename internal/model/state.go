package model

import (
	"fmt"
	"math"
	"strings"
)

// PlaybackState is the local playback state.
type PlaybackState string

const (
	PlaybackUnknown   PlaybackState = "UNKNOWN"
	PlaybackBuffering PlaybackState = "BUFFERING"
	PlaybackPlaying   PlaybackState = "PLAYING"
	PlaybackPaused    PlaybackState = "PAUSED"
	PlaybackStopped   PlaybackState = "STOPPED"
)

// Active reports whether media is being consumed or prepared.
func (s PlaybackState) Active() bool {
	return s == PlaybackPlaying || s == PlaybackBuffering
}

// StreamState is the server-side publish status of the subscribed stream.
type StreamState string

const (
	StreamUnknown      StreamState = "UNKNOWN"
	StreamInitialized  StreamState = "INITIALIZED"
	StreamAwaiting     StreamState = "AWAITING"
	StreamNotPublished StreamState = "NOT_PUBLISHED"
	StreamUnpublished  StreamState = "UNPUBLISHED"
	StreamPublished    StreamState = "PUBLISHED"
	StreamClosing      StreamState = "CLOSING"
	StreamClosed       StreamState = "CLOSED"
	StreamNotFound     StreamState = "NOT_FOUND"
	StreamStopped      StreamState = "STOPPED"
)

// ConnectionState is the transport state owned by the session.
type ConnectionState string

const (
	ConnNotInitialized ConnectionState = "NOT_INITIALIZED"
	ConnConnecting     ConnectionState = "CONNECTING"
	ConnConnected      ConnectionState = "CONNECTED"
	ConnClosed         ConnectionState = "CLOSED"
	ConnFailed         ConnectionState = "FAILED"
)

// QualityControlMode selects the ABR policy.
type QualityControlMode string

const (
	ModePassive         QualityControlMode = "PASSIVE"
	ModeResolutionAware QualityControlMode = "RESOLUTION_AWARE"
	ModeLowestQuality   QualityControlMode = "LOWEST_QUALITY"
	ModeHighestQuality  QualityControlMode = "HIGHEST_QUALITY"
)

// ParseQualityMode accepts a mode name in any case.
func ParseQualityMode(s string) (QualityControlMode, error) {
	m := QualityControlMode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case ModePassive, ModeResolutionAware, ModeLowestQuality, ModeHighestQuality:
		return m, nil
	}
	return "", fmt.Errorf("unknown quality control mode %q", s)
}

// Trend is a bandwidth direction.
type Trend string

const (
	TrendStable  Trend = "STABLE"
	TrendRising  Trend = "RISING"
	TrendFalling Trend = "FALLING"
)

// Stability grades buffer deviation.
type Stability string

const (
	StabilityGood   Stability = "GOOD"
	StabilityMedium Stability = "MEDIUM"
	StabilityBad    Stability = "BAD"
)

// BufferCondition is the regulator's classification of buffered seconds.
type BufferCondition string

const (
	ConditionUnderrun BufferCondition = "UNDERRUN"
	ConditionLow      BufferCondition = "LOW"
	ConditionTarget   BufferCondition = "TARGET"
	ConditionHigh     BufferCondition = "HIGH"
	ConditionOverflow BufferCondition = "OVERFLOW"
)

// BufferTelemetry is recomputed on every regulator tick.
type BufferTelemetry struct {
	Seconds      float64         `json:"bufferSize"`
	Min          float64         `json:"minValue"`
	Start        float64         `json:"startValue"`
	Target       float64         `json:"targetValue"`
	Max          float64         `json:"maxValue"`
	Deviation    float64         `json:"deviation"`
	Condition    BufferCondition `json:"condition"`
	PlaybackRate float64         `json:"playbackRate"`
}

const barWidth = 40

// String renders the buffer level against its thresholds as a text bar.
func (t BufferTelemetry) String() string {
	scale := t.Max * 1.25
	if scale <= 0 {
		scale = 1
	}
	pos := func(v float64) int {
		p := int(math.Round(v / scale * barWidth))
		return max(0, min(barWidth-1, p))
	}
	bar := []byte(strings.Repeat(" ", barWidth))
	for i := 0; i < pos(t.Seconds); i++ {
		bar[i] = '='
	}
	bar[pos(t.Min)] = 'm'
	bar[pos(t.Target)] = 'T'
	bar[pos(t.Max)] = 'M'
	return fmt.Sprintf("[%s] %.2fs %s x%.1f dev=%.4f", bar, t.Seconds, t.Condition, t.PlaybackRate, t.Deviation)
}
