// Package config loads client settings from YAML or TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/nggorpc/formrpc/internal/logging"
	"github.com/nggorpc/formrpc/pool"
	"github.com/nggorpc/formrpc/session"
)

// EnvCookie overrides the configured auth cookie.
const EnvCookie = "FORMRPC_COOKIE"

// Duration decodes "30s" style strings from both file formats.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler (TOML)
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d Duration) String() string { return time.Duration(d).String() }

// Config is the on-disk client configuration.
type Config struct {
	URL       string `yaml:"url" toml:"url"`
	Cookie    string `yaml:"cookie" toml:"cookie"`
	TenantID  string `yaml:"tenant" toml:"tenant"`
	Company   string `yaml:"company" toml:"company"`
	StartPage string `yaml:"start_page" toml:"start_page"`
	Culture   string `yaml:"culture" toml:"culture"`
	TimeZone  string `yaml:"time_zone" toml:"time_zone"`

	Session SessionConfig  `yaml:"session" toml:"session"`
	Pool    PoolConfig     `yaml:"pool" toml:"pool"`
	Log     logging.Config `yaml:"log" toml:"log"`
}

type SessionConfig struct {
	ClientVersion  string   `yaml:"client_version" toml:"client_version"`
	ApplicationID  string   `yaml:"application_id" toml:"application_id"`
	Extensions     []string `yaml:"extensions" toml:"extensions"`
	CallTimeout    Duration `yaml:"call_timeout" toml:"call_timeout"`
	OpenTimeout    Duration `yaml:"open_timeout" toml:"open_timeout"`
	CloseTimeout   Duration `yaml:"close_timeout" toml:"close_timeout"`
	WriteTimeout   Duration `yaml:"write_timeout" toml:"write_timeout"`
	MaxMessageSize int64    `yaml:"max_message_size" toml:"max_message_size"`
}

type PoolConfig struct {
	Min                 int      `yaml:"min" toml:"min"`
	Max                 int      `yaml:"max" toml:"max"`
	IdleTimeout         Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	HealthCheckInterval Duration `yaml:"health_check_interval" toml:"health_check_interval"`
	AcquireTimeout      Duration `yaml:"acquire_timeout" toml:"acquire_timeout"`
	CreateDelay         Duration `yaml:"create_delay" toml:"create_delay"`
	MaxAcquireAttempts  int      `yaml:"max_acquire_attempts" toml:"max_acquire_attempts"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	s := session.DefaultConfig()
	p := pool.DefaultConfig()
	return Config{
		TenantID: "default",
		Culture:  "en-US",
		TimeZone: "UTC",
		Session: SessionConfig{
			ClientVersion:  s.ClientVersion,
			ApplicationID:  s.ApplicationID,
			Extensions:     s.SupportedExtensions,
			CallTimeout:    Duration(s.CallTimeout),
			OpenTimeout:    Duration(s.OpenTimeout),
			CloseTimeout:   Duration(s.CloseTimeout),
			WriteTimeout:   Duration(s.WriteTimeout),
			MaxMessageSize: s.MaxMessageSize,
		},
		Pool: PoolConfig{
			Min:                 p.MinConnections,
			Max:                 p.MaxConnections,
			IdleTimeout:         Duration(p.IdleTimeout),
			HealthCheckInterval: Duration(p.HealthCheckInterval),
			AcquireTimeout:      Duration(p.AcquireTimeout),
			CreateDelay:         Duration(p.CreateDelay),
			MaxAcquireAttempts:  p.MaxAcquireAttempts,
		},
		Log: logging.Config{Level: "info"},
	}
}

// Load reads path as YAML (.yaml, .yml) or TOML (.toml), fills defaults,
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	case ".toml":
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config parse failed (%s): unknown key %s", path, undecoded[0])
		}
	default:
		return Config{}, fmt.Errorf("config: unsupported file type %q", ext)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvCookie); ok {
		c.Cookie = v
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	url := strings.TrimSpace(c.URL)
	switch {
	case url == "":
		return errors.New("config: url is required")
	case !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://"):
		return fmt.Errorf("config: url %q must use ws:// or wss://", url)
	case strings.TrimSpace(c.TenantID) == "":
		return errors.New("config: tenant is required")
	case c.Pool.Max <= 0:
		return fmt.Errorf("config: pool.max must be positive, got %d", c.Pool.Max)
	case c.Pool.Min < 0 || c.Pool.Min > c.Pool.Max:
		return fmt.Errorf("config: pool.min %d outside [0, %d]", c.Pool.Min, c.Pool.Max)
	}

	durations := map[string]Duration{
		"session.call_timeout":       c.Session.CallTimeout,
		"session.open_timeout":       c.Session.OpenTimeout,
		"session.close_timeout":      c.Session.CloseTimeout,
		"session.write_timeout":      c.Session.WriteTimeout,
		"pool.idle_timeout":          c.Pool.IdleTimeout,
		"pool.health_check_interval": c.Pool.HealthCheckInterval,
		"pool.acquire_timeout":       c.Pool.AcquireTimeout,
		"pool.create_delay":          c.Pool.CreateDelay,
	}
	for key, d := range durations {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative", key)
		}
	}
	return nil
}

// Credentials returns the cookie credentials for the WebSocket upgrade.
func (c Config) Credentials() session.CredentialsProvider {
	return session.CookieCredentials(c.Cookie)
}

// OpenRequest returns the OpenSession parameters.
func (c Config) OpenRequest() session.OpenRequest {
	return session.OpenRequest{
		TenantID:  c.TenantID,
		Company:   c.Company,
		StartPage: c.StartPage,
		Culture:   c.Culture,
		TimeZone:  c.TimeZone,
	}
}

// SessionConfig converts to session.Config.
func (c Config) SessionConfig(logger *zap.Logger) session.Config {
	return session.Config{
		CallTimeout:         time.Duration(c.Session.CallTimeout),
		OpenTimeout:         time.Duration(c.Session.OpenTimeout),
		CloseTimeout:        time.Duration(c.Session.CloseTimeout),
		WriteTimeout:        time.Duration(c.Session.WriteTimeout),
		MaxMessageSize:      c.Session.MaxMessageSize,
		ClientVersion:       c.Session.ClientVersion,
		ApplicationID:       c.Session.ApplicationID,
		SupportedExtensions: c.Session.Extensions,
		Logger:              logger,
	}
}

// PoolConfig converts to pool.Config.
func (c Config) PoolConfig(logger *zap.Logger) pool.Config {
	return pool.Config{
		MinConnections:      c.Pool.Min,
		MaxConnections:      c.Pool.Max,
		IdleTimeout:         time.Duration(c.Pool.IdleTimeout),
		HealthCheckInterval: time.Duration(c.Pool.HealthCheckInterval),
		AcquireTimeout:      time.Duration(c.Pool.AcquireTimeout),
		CreateDelay:         time.Duration(c.Pool.CreateDelay),
		MaxAcquireAttempts:  c.Pool.MaxAcquireAttempts,
		Logger:              logger,
	}
}
