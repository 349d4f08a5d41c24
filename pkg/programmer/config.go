package programmer

import (
	"time"

	"github.com/pic18boot/netboot/pkg/log"
	"github.com/pic18boot/netboot/pkg/protocol"
)

// Config holds the tunables of a Programmer. Use Option functions with New
// rather than constructing a Config directly.
type Config struct {
	Port    int
	Retries int
	Timeout time.Duration
	Logger  log.Logger
}

func defaultConfig() Config {
	return Config{
		Port:    protocol.Port,
		Retries: 3,
		Timeout: 1000 * time.Millisecond,
		Logger:  log.DefaultLogger,
	}
}

// Option configures a Programmer at construction time.
type Option func(*Config)

// WithPort sets Config.Port, which defaults to protocol.Port.
// DiscoverDevice, ConfigureDevice and ConnectDevice take the port as an
// argument and do not read Config.Port.
func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// WithRetries overrides the number of send attempts per operation before
// giving up with a Timeout error.
func WithRetries(n int) Option {
	return func(c *Config) { c.Retries = n }
}

// WithTimeout overrides how long a Programmer waits for a reply to a
// single send attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithLogger overrides the logger used for progress and diagnostic
// messages; the default is log.DefaultLogger.
func WithLogger(l log.Logger) Option {
	return func(c *Config) { c.Logger = l }
}
