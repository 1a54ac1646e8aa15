package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/streamplayer/internal/logging"
)

func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "upgradeTimeout")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "upgradeTimeout", "30"))
	require.NoError(t, kv.Set(ctx, "savedLocalIP", "10.0.0.7"))
	v, ok, err := kv.Get(ctx, "upgradeTimeout")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "30", v)

	require.NoError(t, kv.Set(ctx, "upgradeTimeout", "240"))
	v, _, err = kv.Get(ctx, "upgradeTimeout")
	require.NoError(t, err)
	assert.Equal(t, "240", v)

	require.NoError(t, kv.Set(ctx, "bandwidthCapValue", ""))
	v, ok, err = kv.Get(ctx, "bandwidthCapValue")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, v)
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exerciseKV(t, m)
	assert.Equal(t, []string{"bandwidthCapValue", "savedLocalIP", "upgradeTimeout"}, m.Keys())
	assert.NoError(t, m.HealthCheck(context.Background()))
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", logging.Nop())
	t.Cleanup(func() { _ = r.Close() })

	exerciseKV(t, r)
	assert.Equal(t, "240", mr.HGet("test:fields", "upgradeTimeout"))
	assert.NoError(t, r.HealthCheck(context.Background()))
}

func TestRedisConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedis(context.Background(), RedisConfig{Addr: addr}, "", logging.Nop())
	assert.ErrorContains(t, err, "redis connection failed")
}

func TestSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fields.db")
	ctx := context.Background()

	s, err := NewSQLite(ctx, SQLiteConfig{Path: path}, logging.Nop())
	require.NoError(t, err)
	exerciseKV(t, s)
	require.NoError(t, s.Close())

	// values survive a reopen
	s, err = NewSQLite(ctx, SQLiteConfig{Path: path}, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	v, ok, err := s.Get(ctx, "savedLocalIP")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.7", v)
}

func TestSQLiteRequiresPath(t *testing.T) {
	_, err := NewSQLite(context.Background(), SQLiteConfig{}, logging.Nop())
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, DefaultConfig(), logging.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	mr := miniredis.RunT(t)
	s, err = Open(ctx, Config{Backend: "Redis", Redis: RedisConfig{Addr: mr.Addr()}}, logging.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Backend: BackendSQLite, SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "x.db")}}, logging.Nop())
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Backend: "etcd"}, logging.Nop())
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestPostgresDSN(t *testing.T) {
	dsn := PostgresConfig{Host: "db", Database: "player", Username: "u", Password: "p"}.DSN()
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=player sslmode=require", dsn)
}

func TestDescribePostgresError(t *testing.T) {
	err := describe(&pq.Error{Code: "42P01", Message: "relation does not exist"})
	assert.ErrorContains(t, err, "undefined_table")
	assert.ErrorContains(t, err, "42P01")
	var pqErr *pq.Error
	assert.ErrorAs(t, err, &pqErr)
}
