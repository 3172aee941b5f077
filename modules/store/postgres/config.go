package postgres

import (
	"errors"
	"time"
)

const (
	defaultMaxConns       = 4
	defaultConnectTimeout = 10 * time.Second
)

// Config holds the PostgreSQL store module configuration.
type Config struct {
	// DSN is a libpq connection string or URL. Environment references are
	// expanded by the config loader.
	DSN string `yaml:"dsn"`

	// MaxConns caps the pool size. Defaults to 4.
	MaxConns int32 `yaml:"max_conns"`

	// ConnectTimeout bounds the initial connection and ping.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Migrate applies pending schema migrations at startup. Defaults to true.
	Migrate *bool `yaml:"migrate"`
}

func (c *Config) defaults() {
	if c.MaxConns == 0 {
		c.MaxConns = defaultMaxConns
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.Migrate == nil {
		t := true
		c.Migrate = &t
	}
}

func (c *Config) migrateEnabled() bool {
	return c.Migrate == nil || *c.Migrate
}

func (c *Config) validate() error {
	if c.DSN == "" {
		return errors.New("postgres: dsn is required")
	}
	if c.MaxConns < 1 {
		return errors.New("postgres: max_conns must be at least 1")
	}
	return nil
}
