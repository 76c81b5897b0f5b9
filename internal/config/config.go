// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/toolsystem/pkg/commsutil"
	"github.com/morezero/toolsystem/pkg/semver"
)

const logPrefix = "config:LoadConfig"

// Transport modes.
const (
	TransportAuto     = "auto"
	TransportNATS     = "nats"
	TransportPostgres = "postgres"
	TransportMemory   = "memory"
)

// Config holds toolsystem configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"toolsystem"`
	// EmbeddedNATS starts an in-process NATS server and ignores COMMSURL.
	EmbeddedNATS bool `envconfig:"TOOL_EMBEDDED_NATS" default:"false"`

	// Channel
	ChannelName    string `envconfig:"TOOL_CHANNEL_NAME" default:"app-tool-system"`
	StorageKey     string `envconfig:"TOOL_STORAGE_KEY" default:"app-tool-events"`
	Transport      string `envconfig:"TOOL_TRANSPORT" default:"auto"`
	Codec          string `envconfig:"TOOL_CODEC" default:"json"`
	AllowedOrigins string `envconfig:"TOOL_ALLOWED_ORIGINS" default:"*"`
	// Origin identifies this context to peers; empty uses SERVICE_NAME.
	Origin   string `envconfig:"TOOL_ORIGIN"`
	Parent   string `envconfig:"TOOL_PARENT"`
	Children string `envconfig:"TOOL_CHILDREN"`
	SourceID string `envconfig:"TOOL_SOURCE_ID"`

	// Dispatcher
	LogSize        int           `envconfig:"TOOL_LOG_SIZE" default:"100"`
	DefaultTimeout time.Duration `envconfig:"TOOL_DEFAULT_TIMEOUT" default:"30s"`
	Debug          bool          `envconfig:"TOOL_DEBUG" default:"false"`
	RateLimit      float64       `envconfig:"TOOL_RATE_LIMIT" default:"0"`

	// Liveness
	PingInterval       time.Duration `envconfig:"TOOL_PING_INTERVAL" default:"10s"`
	StaleAfter         time.Duration `envconfig:"TOOL_STALE_AFTER" default:"30s"`
	ProtocolConstraint string        `envconfig:"TOOL_PROTOCOL_CONSTRAINT" default:"^1.0.0"`

	// Manifest and lifecycle export
	ManifestFile  string `envconfig:"TOOL_MANIFEST_FILE"`
	EventsSubject string `envconfig:"TOOL_EVENTS_SUBJECT" default:"toolsystem.events"`

	// Database (relay storage)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP surface
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the tool server.
func (c *Config) ValidateForServe() error {
	switch c.Transport {
	case TransportAuto, TransportNATS, TransportMemory:
	case TransportPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%s - DATABASE_URL is required for the postgres transport", logPrefix)
		}
	default:
		return fmt.Errorf("%s - TOOL_TRANSPORT must be one of auto|nats|postgres|memory, got %q", logPrefix, c.Transport)
	}
	if _, err := commsutil.CodecByName(c.Codec); err != nil {
		return fmt.Errorf("%s - TOOL_CODEC: %w", logPrefix, err)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("%s - TOOL_DEFAULT_TIMEOUT must be positive", logPrefix)
	}
	if c.LogSize <= 0 {
		return fmt.Errorf("%s - TOOL_LOG_SIZE must be positive", logPrefix)
	}
	if c.PingInterval <= 0 || c.StaleAfter <= 0 {
		return fmt.Errorf("%s - TOOL_PING_INTERVAL and TOOL_STALE_AFTER must be positive", logPrefix)
	}
	if c.StaleAfter < c.PingInterval {
		return fmt.Errorf("%s - TOOL_STALE_AFTER (%s) must not be shorter than TOOL_PING_INTERVAL (%s)", logPrefix, c.StaleAfter, c.PingInterval)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%s - TOOL_RATE_LIMIT must not be negative", logPrefix)
	}
	if err := semver.ValidateConstraint(c.ProtocolConstraint); err != nil {
		return fmt.Errorf("%s - TOOL_PROTOCOL_CONSTRAINT: %w", logPrefix, err)
	}
	for _, p := range c.AllowedOriginList() {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%s - TOOL_ALLOWED_ORIGINS has invalid pattern %q", logPrefix, p)
		}
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// AllowedOriginList splits TOOL_ALLOWED_ORIGINS.
func (c *Config) AllowedOriginList() []string {
	return splitList(c.AllowedOrigins)
}

// ChildList splits TOOL_CHILDREN.
func (c *Config) ChildList() []string {
	return splitList(c.Children)
}

// Peers returns the parent followed by the children.
func (c *Config) Peers() []string {
	var out []string
	if c.Parent != "" {
		out = append(out, c.Parent)
	}
	return append(out, c.ChildList()...)
}

// OriginOrDefault returns TOOL_ORIGIN, falling back to SERVICE_NAME.
func (c *Config) OriginOrDefault() string {
	if c.Origin != "" {
		return c.Origin
	}
	return c.COMMSName
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
