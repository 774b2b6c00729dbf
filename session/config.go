package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/nggorpc/formrpc/controls"
)

// Config defines session and transport behavior.
type Config struct {
	// CallTimeout bounds one Invoke round trip (default 30 seconds)
	CallTimeout time.Duration
	// OpenTimeout bounds the OpenSession handshake (default 60 seconds)
	OpenTimeout time.Duration
	// CloseTimeout bounds the best-effort CloseSession call (default 5 seconds)
	CloseTimeout time.Duration
	// WriteTimeout bounds a single WebSocket write (default 15 seconds)
	WriteTimeout time.Duration
	// MaxMessageSize sets the maximum inbound message size (default 16MB)
	MaxMessageSize int64
	// SendQueueSize sets the writer queue depth (default 64)
	SendQueueSize int

	ClientVersion       string
	ApplicationID       string
	SupportedExtensions []string

	// LoadFormPolicy decides child-form loading; nil uses the default heuristic
	LoadFormPolicy controls.LoadFormPolicy

	Logger *zap.Logger
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		CallTimeout:    30 * time.Second,
		OpenTimeout:    60 * time.Second,
		CloseTimeout:   5 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxMessageSize: 16 * 1024 * 1024,
		SendQueueSize:  64,
		ClientVersion:  "26.0.0.0",
		ApplicationID:  "FIN",
		SupportedExtensions: []string{
			"Microsoft.Dynamics.Nav.Client.PageNotifier",
			"Microsoft.Dynamics.Nav.Client.FormNotifier",
		},
	}
}

// withDefaults fills zero fields from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.ClientVersion == "" {
		c.ClientVersion = d.ClientVersion
	}
	if c.ApplicationID == "" {
		c.ApplicationID = d.ApplicationID
	}
	if c.SupportedExtensions == nil {
		c.SupportedExtensions = d.SupportedExtensions
	}
	if c.LoadFormPolicy == nil {
		c.LoadFormPolicy = controls.DefaultLoadFormPolicy
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
