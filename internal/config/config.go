// Package config holds the server configuration. Values are loaded by
// the CLI through viper (file, env, flags) and validated here.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"path/filepath"
	"time"
)

// Config is intentionally small and mapstructure-friendly.
// If Auth.Username is empty, attic runs without authentication (and
// CSRF checks are moot: there is no session to forge).
type Config struct {
	// ListenAddr is the host:port the HTTP server binds.
	ListenAddr string `mapstructure:"listen"`

	// Root is the single directory served by attic. Every resolved
	// path must canonicalize inside it.
	Root string `mapstructure:"root"`

	// StateDir stores thumbnails and upload staging.
	// Default: <root>/.attic
	StateDir string `mapstructure:"stateDir"`

	Auth   AuthConfig   `mapstructure:"auth"`
	Search SearchConfig `mapstructure:"search"`
	Share  ShareConfig  `mapstructure:"share"`
	Log    LogConfig    `mapstructure:"log"`
}

type AuthConfig struct {
	// Username of the single account. Empty disables auth.
	Username string `mapstructure:"username"`

	// Password is the stored secret: "scrypt:<salt>:<digest>" as
	// printed by `attic passwd`, or a legacy plaintext value
	// (accepted for migration, never produced).
	Password string `mapstructure:"password"`

	// SessionSecret signs session tokens. Empty means a random
	// secret per process: restarts log everyone out.
	SessionSecret string `mapstructure:"sessionSecret"`

	// SessionTTL bounds token lifetime. Default 12h.
	SessionTTL time.Duration `mapstructure:"sessionTTL"`
}

type SearchConfig struct {
	// MaxResults is the hard cap on hits per search; client limits
	// are clamped to it. Default 500.
	MaxResults int `mapstructure:"maxResults"`

	// MaxTimeout is the hard cap on search wall time. Default 10s.
	MaxTimeout time.Duration `mapstructure:"maxTimeout"`
}

type ShareConfig struct {
	// SweepInterval is how often expired shares are swept. Expired
	// records are also evicted lazily on lookup. Default 1m.
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type LogConfig struct {
	// Level is a logrus level name. Default "info".
	Level string `mapstructure:"level"`
	// Format is "text" or "json". Default "text".
	Format string `mapstructure:"format"`
}

func Default() Config {
	return Config{
		ListenAddr: "0.0.0.0:3923",
		Auth: AuthConfig{
			SessionTTL: 12 * time.Hour,
		},
		Search: SearchConfig{
			MaxResults: 500,
			MaxTimeout: 10 * time.Second,
		},
		Share: ShareConfig{
			SweepInterval: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// HasAuth reports whether authentication (and with it CSRF protection)
// is enabled.
func (c Config) HasAuth() bool { return c.Auth.Username != "" }

// Normalize fills derived defaults and validates the result. Root is
// made absolute; the session secret is generated when absent.
func (c *Config) Normalize() error {
	if c.Root == "" {
		return errors.New("config: root is required")
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return err
	}
	c.Root = abs
	if c.StateDir == "" {
		c.StateDir = filepath.Join(c.Root, ".attic")
	}
	if c.HasAuth() && c.Auth.Password == "" {
		return errors.New("config: auth.password is required when auth.username is set")
	}
	if c.Auth.SessionSecret == "" {
		var b [32]byte
		if _, err := rand.Read(b[:]); err != nil {
			return err
		}
		c.Auth.SessionSecret = hex.EncodeToString(b[:])
	}
	if c.Auth.SessionTTL <= 0 {
		c.Auth.SessionTTL = 12 * time.Hour
	}
	if c.Search.MaxResults <= 0 {
		c.Search.MaxResults = 500
	}
	if c.Search.MaxTimeout <= 0 {
		c.Search.MaxTimeout = 10 * time.Second
	}
	if c.Share.SweepInterval <= 0 {
		c.Share.SweepInterval = time.Minute
	}
	return nil
}
