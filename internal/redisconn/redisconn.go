// Package redisconn opens the go-redis clients used by the Redis-backed
// modules.
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultURL is used when neither url nor addr is configured.
	DefaultURL = "redis://localhost:6379/0"

	defaultDialTimeout = 5 * time.Second
)

// Config is the connection block shared by every Redis module.
type Config struct {
	// URL is a redis:// or rediss:// URL. It takes precedence over Addr.
	URL string `yaml:"url"`

	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	if c.URL == "" && c.Addr == "" {
		c.URL = DefaultURL
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// Validate checks the block without connecting.
func (c *Config) Validate() error {
	if c.DB < 0 {
		return errors.New("redis: db must not be negative")
	}
	if c.DialTimeout < 0 {
		return errors.New("redis: dial_timeout must not be negative")
	}
	_, err := c.Options()
	return err
}

// Options converts the block into client options.
func (c *Config) Options() (*redis.Options, error) {
	if c.URL != "" {
		opt, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		if c.DialTimeout > 0 {
			opt.DialTimeout = c.DialTimeout
		}
		return opt, nil
	}
	return &redis.Options{
		Addr:        c.Addr,
		Username:    c.Username,
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: c.DialTimeout,
	}, nil
}

// Open creates a client and pings the server.
func Open(ctx context.Context, cfg Config) (*redis.Client, error) {
	cfg.Defaults()
	opt, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opt.Addr, err)
	}
	return rdb, nil
}

// TestAddrEnv names the variable that enables tests against a live server.
const TestAddrEnv = "SBEAT_TEST_REDIS_ADDR"
