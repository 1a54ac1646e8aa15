// Package storage persists the small string fields the player remembers
// between sessions: quality backoff state, the last viewport size and the
// client IP. Backends are interchangeable behind KV.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mikeyg42/streamplayer/internal/logging"
)

// KV is a flat string key/value store. Get reports ok=false for a missing
// field.
type KV interface {
	Get(ctx context.Context, name string) (value string, ok bool, err error)
	Set(ctx context.Context, name, value string) error
}

// Store is a KV that owns a connection.
type Store interface {
	KV
	HealthCheck(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

var ErrUnknownBackend = errors.New("unknown storage backend")

// Config selects and configures a backend.
type Config struct {
	Backend  string         `yaml:"backend"`
	Prefix   string         `yaml:"prefix"`
	Redis    RedisConfig    `yaml:"redis"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// DefaultConfig keeps state in memory.
func DefaultConfig() Config {
	return Config{
		Backend: BackendMemory,
		Prefix:  "streamplayer",
		SQLite:  SQLiteConfig{Path: "streamplayer.db", BusyTimeout: 5 * time.Second},
	}
}

// Open connects to the configured backend.
func Open(ctx context.Context, cfg Config, log logging.Logger) (Store, error) {
	log = logging.OrGlobal(log).Named("storage")
	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendRedis:
		return NewRedis(ctx, cfg.Redis, cfg.Prefix, log)
	case BackendSQLite:
		return NewSQLite(ctx, cfg.SQLite, log)
	case BackendPostgres:
		return NewPostgres(ctx, cfg.Postgres, log)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
}

// Memory is an in-process KV.
type Memory struct {
	mu     sync.RWMutex
	fields map[string]string
}

func NewMemory() *Memory {
	return &Memory{fields: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.fields[name]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields[name] = value
	return nil
}

// Keys lists stored field names, sorted.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.fields))
	for k := range m.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) HealthCheck(context.Context) error { return nil }
func (m *Memory) Close() error                      { return nil }
