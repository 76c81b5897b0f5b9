// Package dispatcher is the tool dispatch core: it builds envelopes with
// correlation ids, runs middleware, invokes providers and settles each
// request exactly once.
package dispatcher

import "time"

const (
	defaultLogSize  = 100
	defaultTimeout  = 30 * time.Second
	defaultProvider = "app"
)

// Config holds dispatcher configuration.
type Config struct {
	// LogSize caps the debug event log.
	LogSize int `json:"logSize"`
	// DefaultTimeout applies to async requests without a per-call timeout.
	DefaultTimeout time.Duration `json:"defaultTimeout"`
	// Debug enables the event log and stack traces in error results.
	Debug bool `json:"debug"`
	// DefaultProvider is used when a call names no provider.
	DefaultProvider string `json:"defaultProvider"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		LogSize:         defaultLogSize,
		DefaultTimeout:  defaultTimeout,
		DefaultProvider: defaultProvider,
	}
}

func (c Config) withDefaults() Config {
	if c.LogSize <= 0 {
		c.LogSize = defaultLogSize
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultTimeout
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = defaultProvider
	}
	return c
}
