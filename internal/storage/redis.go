package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mikeyg42/streamplayer/internal/logging"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Redis keeps every field in one hash named after the prefix.
type Redis struct {
	client *redis.Client
	key    string
	log    logging.Logger
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig, prefix string, log logging.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	r := newRedisWithClient(client, prefix, log)
	r.log.Info("connected to redis", logging.String("addr", cfg.Addr), logging.Int("db", cfg.DB))
	return r, nil
}

func newRedisWithClient(client *redis.Client, prefix string, log logging.Logger) *Redis {
	if prefix == "" {
		prefix = "streamplayer"
	}
	return &Redis{
		client: client,
		key:    prefix + ":fields",
		log:    logging.OrGlobal(log).Named("redis"),
	}
}

func (r *Redis) Get(ctx context.Context, name string) (string, bool, error) {
	v, err := r.client.HGet(ctx, r.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s: %w", name, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, name, value string) error {
	if err := r.client.HSet(ctx, r.key, name, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", name, err)
	}
	return nil
}

func (r *Redis) HealthCheck(ctx context.Context) error { return r.client.Ping(ctx).Err() }
func (r *Redis) Close() error                          { return r.client.Close() }
