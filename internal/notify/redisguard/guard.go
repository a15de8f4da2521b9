// Package redisguard implements a NotifyGuard shared across processes through Redis.
package redisguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPeriod is how long a granted key stays taken.
const DefaultPeriod = 24 * time.Hour

// Config holds the Redis connection and key settings.
type Config struct {
	Addr     string        `mapstructure:"redis_addr"`
	Password string        `mapstructure:"redis_password"`
	DB       int           `mapstructure:"redis_db"`
	Prefix   string        `mapstructure:"prefix"`
	Period   time.Duration `mapstructure:"period"`
}

// Guard grants each key once per period using SET NX EX.
type Guard struct {
	client redis.Cmdable
	prefix string
	period time.Duration
}

// New builds a Guard on an existing client.
func New(client redis.Cmdable, prefix string, period time.Duration) (*Guard, error) {
	if client == nil {
		return nil, errors.New("redis guard: client is required")
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	if prefix == "" {
		prefix = "convograph:notify:"
	}
	return &Guard{client: client, prefix: prefix, period: period}, nil
}

// Dial connects to Redis from cfg and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*Guard, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	g, err := New(client, cfg.Prefix, cfg.Period)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return g, client, nil
}

// Acquire implements crawler.NotifyGuard.
func (g *Guard) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, time.Now().UTC().Format(time.RFC3339), g.period).Result()
	if err != nil {
		return false, fmt.Errorf("acquire notify key %s: %w", key, err)
	}
	return ok, nil
}
