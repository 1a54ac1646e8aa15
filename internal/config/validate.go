package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mikeyg42/streamplayer/internal/model"
	"github.com/mikeyg42/streamplayer/internal/quality"
	"github.com/mikeyg42/streamplayer/internal/storage"
	"github.com/mikeyg42/streamplayer/internal/validate"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	v := &validate.Validator{}

	validateServers(v, cfg.Servers)
	validateSession(v, &cfg.Session)
	validateQuality(v, &cfg.Quality)
	validateStorage(v, &cfg.Storage)
	validateArchive(v, cfg)

	v.Check(cfg.Video.Width > 0 && cfg.Video.Height > 0,
		"video size must be positive, got %dx%d", cfg.Video.Width, cfg.Video.Height)
	v.Check(cfg.Buffer.Thresholds.Valid(),
		"buffer thresholds must satisfy 0 <= min < start <= target <= max, got %+v", cfg.Buffer.Thresholds)
	v.Check(cfg.Surface.BytesPerSecond > 0, "surface.bytes_per_second must be positive")
	v.Check(cfg.Surface.Segmented || cfg.Surface.Progressive,
		"surface must support segmented or progressive playback")

	if cfg.API.Enabled {
		v.ListenAddr("api.listen_addr", cfg.API.ListenAddr)
		v.Check(cfg.API.RateLimit > 0, "api.rate_limit must be positive")
		v.Check(cfg.API.Burst >= 1, "api.burst must be at least 1")
	}
	v.Check(logLevels[strings.ToLower(cfg.Log.Level)], "unknown log level %q", cfg.Log.Level)

	return v.Err(ErrInvalid)
}

func validateServers(v *validate.Validator, servers []model.ServerEndpoint) {
	if len(servers) == 0 {
		v.AddError("at least one server is required")
		return
	}
	for i, s := range servers {
		field := fmt.Sprintf("servers[%d]", i)
		v.Host(field+".host", s.Host)
		v.Check(validate.IsValidPort(s.Port), "invalid port in %s: %d", field, s.Port)
	}
}

func validateSession(v *validate.Validator, s *SessionConfig) {
	v.Check(s.ReconnectTime > 0, "session.reconnect_time must be positive")
	v.Check(s.ConnectTimeout > 0, "session.connect_timeout must be positive")
	if s.ExponentialReconnect {
		v.Check(s.MaxReconnectTime >= s.ReconnectTime,
			"session.max_reconnect_time (%s) must not be below reconnect_time (%s)", s.MaxReconnectTime, s.ReconnectTime)
	}
}

func validateQuality(v *validate.Validator, q *QualityConfig) {
	if _, err := model.ParseQualityMode(q.Mode); err != nil {
		v.AddError("quality.mode: %v", err)
	}
	if _, err := quality.ParseDeviceClass(q.Device); err != nil {
		v.AddError("quality.device: %v", err)
	}
	v.Check(q.InitialUpgradeTimeout > 0, "quality.initial_upgrade_timeout must be positive")
	v.Check(q.MaxUpgradeTimeout >= q.InitialUpgradeTimeout,
		"quality.max_upgrade_timeout must not be below initial_upgrade_timeout")
	v.Check(q.ResizeDebounce >= 0, "quality.resize_debounce cannot be negative")
	bands := []struct {
		name string
		band quality.Band
	}{
		{"desktop", q.Thresholds.Desktop},
		{"mobilePortrait", q.Thresholds.MobilePortrait},
		{"mobileLandscape", q.Thresholds.MobileLandscape},
	}
	for _, b := range bands {
		v.Check(b.band.Min < b.band.Max, "quality.thresholds.%s: min %.2f must be below max %.2f", b.name, b.band.Min, b.band.Max)
	}
}

func validateStorage(v *validate.Validator, s *storage.Config) {
	v.Check(validate.IsAlphanumericWithDashes(s.Prefix), "storage.prefix must be alphanumeric, got %q", s.Prefix)
	switch s.Backend {
	case storage.BackendMemory:
	case storage.BackendRedis:
		v.Check(s.Redis.Addr != "", "storage.redis.addr is required")
	case storage.BackendSQLite:
		v.Check(validate.IsValidFilePath(s.SQLite.Path), "storage.sqlite.path is invalid: %q", s.SQLite.Path)
	case storage.BackendPostgres:
		v.Host("storage.postgres.host", s.Postgres.Host)
		v.Check(s.Postgres.Database != "", "storage.postgres.database is required")
	default:
		v.AddError("%v: %q", storage.ErrUnknownBackend, s.Backend)
	}
}

func validateArchive(v *validate.Validator, cfg *Config) {
	a := &cfg.Archive
	if !a.Enabled {
		return
	}
	v.Check(a.MinIO.Endpoint != "", "archive.minio.endpoint is required")
	v.Check(a.MinIO.Bucket != "", "archive.minio.bucket is required")
	v.Check(validate.IsAlphanumericWithDashes(a.Prefix), "archive.prefix must be alphanumeric, got %q", a.Prefix)
	v.Check(a.SegmentBytes > 0, "archive.segment_bytes must be positive")
	v.Check(a.QueueSize > 0, "archive.queue_size must be positive")
	v.Check(a.MaxRetries >= 0, "archive.max_retries cannot be negative")
	v.Check(a.FlushInterval > 0, "archive.flush_interval must be positive")
}
