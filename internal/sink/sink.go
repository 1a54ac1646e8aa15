// Package sink adapts a presentation surface into the media sink the
// playback controller drives. Two variants exist: SegmentedSink appends raw
// segments received over the session, ProgressiveSink points the surface at
// a server-provided URL.
package sink

import (
	"github.com/mikeyg42/streamplayer/internal/analyse"
	"github.com/mikeyg42/streamplayer/internal/buffer"
	"github.com/mikeyg42/streamplayer/internal/model"
)

// Kind identifies a sink variant. The value doubles as the packetizer tag in
// play requests.
type Kind string

const (
	KindSegmented   Kind = "MSE"
	KindProgressive Kind = "HLS"
)

// Capabilities describe what a surface can present.
type Capabilities struct {
	Segmented   bool     `json:"mse"`
	Progressive bool     `json:"hls"`
	VideoCodecs []string `json:"videoCodecs"`
	AudioCodecs []string `json:"audioCodecs"`
}

// Surface is the presentation collaborator. Callbacks it issues (play
// completion, update end) must arrive on the player loop.
type Surface interface {
	buffer.Media
	Capabilities() Capabilities
	// Append queues one media segment. Updating is true until the append
	// completes, at which point the OnUpdateEnd handler runs.
	Append(data []byte) error
	Updating() bool
	OnUpdateEnd(fn func())
	// Remove drops buffered media in [start, end].
	Remove(start, end float64) error
	// Load points the surface at a progressive resource.
	Load(url string)
	// Reset detaches all media and clears the error state.
	Reset()
}

// Sink is the interface the playback controller and quality controller use.
type Sink interface {
	Kind() Kind
	// Feed hands raw media bytes received from the server to the sink.
	Feed(data []byte)
	Pause(stopped bool)
	// Block stops data intake until the next metadata packet.
	Block()
	Clear()
	// Close detaches the sink from the bus and stops its regulator.
	Close()
	SetURL(url string)
	BufferedSeconds() float64
	PlaybackRate() float64
	Telemetry() model.BufferTelemetry
	BufferAnalyser() *analyse.BufferAnalyser
	Bandwidth() *buffer.BandwidthMeter
	SetThresholds(t buffer.Thresholds) bool
	SetObserver(o buffer.Observer)
}
