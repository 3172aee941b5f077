package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/flemzord/sbeat/internal/beat"
	"github.com/flemzord/sbeat/internal/security"
)

// Config holds HTTP gateway configuration.
type Config struct {
	Bind            string                   `yaml:"bind"`
	Auth            AuthConfig               `yaml:"auth"`
	RateLimit       security.RateLimitConfig `yaml:"rate_limit"`
	AuditLog        string                   `yaml:"audit_log"`
	Hooks           map[string]HookConfig    `yaml:"hooks"`
	Tasks           []string                 `yaml:"tasks"`
	DispatchTimeout time.Duration            `yaml:"dispatch_timeout"`
	ReadTimeout     time.Duration            `yaml:"read_timeout"`
	WriteTimeout    time.Duration            `yaml:"write_timeout"`
	ShutdownTimeout time.Duration            `yaml:"shutdown_timeout"`
}

// defaults fills zero values with sensible defaults.
func (c *Config) defaults() {
	if c.Bind == "" {
		c.Bind = "127.0.0.1:8080"
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = beat.DefaultDispatchTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Auth.BasicUser != "" && c.Auth.BasicPass == "" {
		errs = append(errs, errors.New("gateway: auth.basic_pass is required with basic_user"))
	}
	for name, h := range c.Hooks {
		if h.Entry == "" {
			errs = append(errs, fmt.Errorf("gateway: hook %q: entry is required", name))
		}
	}
	return errors.Join(errs...)
}

// AuthConfig configures authentication for admin endpoints.
type AuthConfig struct {
	BearerToken string `yaml:"bearer_token"`
	BasicUser   string `yaml:"basic_user"`
	BasicPass   string `yaml:"basic_pass"`
}

// IsConfigured returns true if any auth method is configured.
func (a AuthConfig) IsConfigured() bool {
	return a.BearerToken != "" || (a.BasicUser != "" && a.BasicPass != "")
}

// HookConfig binds an inbound hook to the entry it runs.
type HookConfig struct {
	Entry  string `yaml:"entry"`
	Secret string `yaml:"secret"`
}
