// Package config loads player settings from YAML, .env files and the
// environment, and maps them onto the component configs.
package config

import (
	"time"

	"github.com/mikeyg42/streamplayer/internal/archive"
	"github.com/mikeyg42/streamplayer/internal/buffer"
	"github.com/mikeyg42/streamplayer/internal/model"
	"github.com/mikeyg42/streamplayer/internal/playback"
	"github.com/mikeyg42/streamplayer/internal/protocol"
	"github.com/mikeyg42/streamplayer/internal/quality"
	"github.com/mikeyg42/streamplayer/internal/sink"
	"github.com/mikeyg42/streamplayer/internal/storage"
)

// Config holds all application configuration
type Config struct {
	Servers []model.ServerEndpoint `yaml:"servers" json:"servers"`
	Stream  StreamConfig           `yaml:"stream" json:"stream"`
	Session SessionConfig          `yaml:"session" json:"session"`
	Video   VideoConfig            `yaml:"video" json:"video"`
	Buffer  BufferConfig           `yaml:"buffer" json:"buffer"`
	Quality QualityConfig          `yaml:"quality" json:"quality"`
	Surface SurfaceConfig          `yaml:"surface" json:"surface"`
	Storage storage.Config         `yaml:"storage" json:"storage"`
	Archive archive.Config         `yaml:"archive" json:"archive"`
	API     APIConfig              `yaml:"api" json:"api"`
	Log     LogConfig              `yaml:"log" json:"log"`
}

type StreamConfig struct {
	StreamKey   string `yaml:"stream_key" json:"stream_key"`
	AutoStart   bool   `yaml:"auto_start" json:"auto_start"`
	AutoConnect bool   `yaml:"auto_connect" json:"auto_connect"`
}

type SessionConfig struct {
	Token                string        `yaml:"token" json:"-"`
	Secret               string        `yaml:"secret" json:"-"`
	RestartOnError       bool          `yaml:"restart_on_error" json:"restart_on_error"`
	ReconnectTime        time.Duration `yaml:"reconnect_time" json:"reconnect_time"`
	ExponentialReconnect bool          `yaml:"exponential_reconnect" json:"exponential_reconnect"`
	MaxReconnectTime     time.Duration `yaml:"max_reconnect_time" json:"max_reconnect_time"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// VideoConfig is the initial viewport size.
type VideoConfig struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

type BufferConfig struct {
	Thresholds  buffer.Thresholds `yaml:"thresholds" json:"thresholds"`
	Mobile      bool              `yaml:"mobile" json:"mobile"`
	RateControl bool              `yaml:"rate_control" json:"rate_control"`
}

type QualityConfig struct {
	Mode                  string             `yaml:"mode" json:"mode"`
	Device                string             `yaml:"device" json:"device"`
	Thresholds            quality.Thresholds `yaml:"thresholds" json:"thresholds"`
	InitialUpgradeTimeout time.Duration      `yaml:"initial_upgrade_timeout" json:"initial_upgrade_timeout"`
	MaxUpgradeTimeout     time.Duration      `yaml:"max_upgrade_timeout" json:"max_upgrade_timeout"`
	ResizeDebounce        time.Duration      `yaml:"resize_debounce" json:"resize_debounce"`
}

// SurfaceConfig describes the simulated media surface used by the headless
// player.
type SurfaceConfig struct {
	BytesPerSecond float64 `yaml:"bytes_per_second" json:"bytes_per_second"`
	Segmented      bool    `yaml:"segmented" json:"segmented"`
	Progressive    bool    `yaml:"progressive" json:"progressive"`
}

type APIConfig struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	ListenAddr string  `yaml:"listen_addr" json:"listen_addr"`
	RateLimit  float64 `yaml:"rate_limit" json:"rate_limit"`
	Burst      int     `yaml:"burst" json:"burst"`
	Metrics    bool    `yaml:"metrics" json:"metrics"`
}

type LogConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	bufferDefaults := buffer.DefaultConfig()
	qualityDefaults := quality.DefaultConfig()
	return &Config{
		Servers: []model.ServerEndpoint{
			{Host: "localhost", Application: "live", Port: 8443, Secure: true},
		},
		Stream: StreamConfig{
			AutoStart:   true,
			AutoConnect: true,
		},
		Session: SessionConfig{
			RestartOnError:       true,
			ReconnectTime:        2 * time.Second,
			ExponentialReconnect: true,
			MaxReconnectTime:     30 * time.Second,
			ConnectTimeout:       5 * time.Second,
		},
		Video: VideoConfig{
			Width:  1280,
			Height: 720,
		},
		Buffer: BufferConfig{
			Thresholds:  bufferDefaults.Thresholds,
			RateControl: bufferDefaults.RateControl,
		},
		Quality: QualityConfig{
			Mode:                  string(qualityDefaults.Mode),
			Device:                qualityDefaults.Device.String(),
			Thresholds:            qualityDefaults.Thresholds,
			InitialUpgradeTimeout: qualityDefaults.InitialUpgradeTimeout,
			MaxUpgradeTimeout:     qualityDefaults.MaxUpgradeTimeout,
			ResizeDebounce:        qualityDefaults.ResizeDebounce,
		},
		Surface: SurfaceConfig{
			BytesPerSecond: 250_000,
			Segmented:      true,
			Progressive:    true,
		},
		Storage: storage.DefaultConfig(),
		Archive: archive.DefaultConfig(),
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "localhost:7070",
			RateLimit:  10,
			Burst:      20,
			Metrics:    true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// StreamData builds the shared stream descriptor.
func (c *Config) StreamData() *model.StreamData {
	return &model.StreamData{
		Servers:   append([]model.ServerEndpoint(nil), c.Servers...),
		StreamKey: c.Stream.StreamKey,
	}
}

// SessionConfig maps the session section. caps are the surface capabilities
// announced to the server.
func (c *Config) SessionConfig(version, branch string, caps sink.Capabilities) protocol.Config {
	return protocol.Config{
		Token:                c.Session.Token,
		Secret:               c.Session.Secret,
		RestartOnError:       c.Session.RestartOnError,
		ReconnectTime:        c.Session.ReconnectTime,
		ExponentialReconnect: c.Session.ExponentialReconnect,
		MaxReconnectTime:     c.Session.MaxReconnectTime,
		ConnectTimeout:       c.Session.ConnectTimeout,
		Version:              version,
		Branch:               branch,
		Capabilities:         caps,
	}
}

func (c *Config) BufferConfig() buffer.Config {
	cfg := buffer.DefaultConfig()
	if c.Buffer.Mobile {
		cfg = buffer.MobileConfig()
	}
	cfg.Thresholds = c.Buffer.Thresholds
	cfg.RateControl = c.Buffer.RateControl
	return cfg
}

func (c *Config) PlaybackConfig() playback.Config {
	return playback.Config{
		AutoStart:   c.Stream.AutoStart,
		AutoConnect: c.Stream.AutoConnect,
		Sink:        c.BufferConfig(),
	}
}

// QualityConfig maps the quality section. Validate has already rejected
// unknown mode and device names, so parse errors are returned unchanged.
func (c *Config) QualityConfig() (quality.Config, error) {
	cfg := quality.DefaultConfig()
	mode, err := model.ParseQualityMode(c.Quality.Mode)
	if err != nil {
		return cfg, err
	}
	device, err := quality.ParseDeviceClass(c.Quality.Device)
	if err != nil {
		return cfg, err
	}
	cfg.Mode = mode
	cfg.Device = device
	cfg.Thresholds = c.Quality.Thresholds
	cfg.InitialUpgradeTimeout = c.Quality.InitialUpgradeTimeout
	cfg.MaxUpgradeTimeout = c.Quality.MaxUpgradeTimeout
	cfg.ResizeDebounce = c.Quality.ResizeDebounce
	cfg.Width = c.Video.Width
	cfg.Height = c.Video.Height
	return cfg, nil
}

// SurfaceCapabilities returns what the simulated surface advertises.
func (c *Config) SurfaceCapabilities(base sink.Capabilities) sink.Capabilities {
	base.Segmented = c.Surface.Segmented
	base.Progressive = c.Surface.Progressive
	return base
}
