package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mikeyg42/streamplayer/internal/model"
	"github.com/mikeyg42/streamplayer/internal/secret"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STREAMPLAYER_"

// MasterKeyEnv names the variable holding the key for sealed credentials.
const MasterKeyEnv = EnvPrefix + "MASTER_KEY"

// Load builds a Config from defaults, the YAML file at path (optional), the
// given .env files and STREAMPLAYER_* variables, in that order of precedence,
// and validates the result. With no envFiles a missing ./.env is ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	cfg := NewDefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := openSecrets(cfg, os.Getenv(MasterKeyEnv)); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// decode overlays YAML onto cfg. Unknown keys are rejected so that typos do
// not silently fall back to defaults.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type envOverride struct {
	name  string
	apply func(c *Config, v string) error
}

var envOverrides = []envOverride{
	{"STREAM_KEY", stringEnv(func(c *Config) *string { return &c.Stream.StreamKey })},
	{"AUTO_START", boolEnv(func(c *Config) *bool { return &c.Stream.AutoStart })},
	{"TOKEN", stringEnv(func(c *Config) *string { return &c.Session.Token })},
	{"SECRET", stringEnv(func(c *Config) *string { return &c.Session.Secret })},
	{"SERVERS", parseServers},
	{"QUALITY_MODE", stringEnv(func(c *Config) *string { return &c.Quality.Mode })},
	{"DEVICE", stringEnv(func(c *Config) *string { return &c.Quality.Device })},
	{"API_ADDR", stringEnv(func(c *Config) *string { return &c.API.ListenAddr })},
	{"LOG_LEVEL", stringEnv(func(c *Config) *string { return &c.Log.Level })},
	{"STORAGE_BACKEND", stringEnv(func(c *Config) *string { return &c.Storage.Backend })},
	{"REDIS_ADDR", stringEnv(func(c *Config) *string { return &c.Storage.Redis.Addr })},
	{"REDIS_PASSWORD", stringEnv(func(c *Config) *string { return &c.Storage.Redis.Password })},
	{"SQLITE_PATH", stringEnv(func(c *Config) *string { return &c.Storage.SQLite.Path })},
	{"POSTGRES_HOST", stringEnv(func(c *Config) *string { return &c.Storage.Postgres.Host })},
	{"POSTGRES_PASSWORD", stringEnv(func(c *Config) *string { return &c.Storage.Postgres.Password })},
	{"ARCHIVE_ENABLED", boolEnv(func(c *Config) *bool { return &c.Archive.Enabled })},
	{"MINIO_ENDPOINT", stringEnv(func(c *Config) *string { return &c.Archive.MinIO.Endpoint })},
	{"MINIO_ACCESS_KEY", stringEnv(func(c *Config) *string { return &c.Archive.MinIO.AccessKeyID })},
	{"MINIO_SECRET_KEY", stringEnv(func(c *Config) *string { return &c.Archive.MinIO.SecretAccessKey })},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, o.name, err)
		}
	}
	return nil
}

func stringEnv(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func boolEnv(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

// openSecrets replaces sealed credentials with their plaintext.
func openSecrets(cfg *Config, masterKey string) error {
	fields := []struct {
		name  string
		value *string
	}{
		{"session.token", &cfg.Session.Token},
		{"session.secret", &cfg.Session.Secret},
		{"storage.redis.password", &cfg.Storage.Redis.Password},
		{"storage.postgres.password", &cfg.Storage.Postgres.Password},
		{"archive.minio.secret_access_key", &cfg.Archive.MinIO.SecretAccessKey},
	}
	for _, f := range fields {
		if !secret.IsSealed(*f.value) {
			continue
		}
		if masterKey == "" {
			return fmt.Errorf("%s is sealed but %s is not set", f.name, MasterKeyEnv)
		}
		v, err := secret.Open(*f.value, masterKey)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.value = v
	}
	return nil
}

// parseServers reads a comma separated list of host:port/application
// entries. A "ws://" scheme disables TLS for that entry.
func parseServers(c *Config, v string) error {
	var servers []model.ServerEndpoint
	for _, raw := range strings.Split(v, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		s := model.ServerEndpoint{Secure: true}
		switch {
		case strings.HasPrefix(raw, "ws://"):
			s.Secure = false
			raw = strings.TrimPrefix(raw, "ws://")
		case strings.HasPrefix(raw, "wss://"):
			raw = strings.TrimPrefix(raw, "wss://")
		}
		hostPort, app, _ := strings.Cut(raw, "/")
		s.Application = app
		host, port, found := strings.Cut(hostPort, ":")
		s.Host = host
		if found {
			p, err := strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("invalid port in %q", raw)
			}
			s.Port = p
		} else if s.Secure {
			s.Port = 443
		} else {
			s.Port = 80
		}
		servers = append(servers, s)
	}
	if len(servers) == 0 {
		return errors.New("no servers listed")
	}
	c.Servers = servers
	return nil
}
