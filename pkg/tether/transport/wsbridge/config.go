package wsbridge

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/tether/pkg/tether/o11y"
)

const (
	// DefaultQueueSize bounds the envelopes buffered per client and the
	// envelopes waiting to be received from all clients.
	DefaultQueueSize = 100

	// DefaultPingInterval is how often idle clients are pinged.
	DefaultPingInterval = 30 * time.Second

	// DefaultWriteTimeout bounds a single write to a client.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultReadLimit is the largest message accepted from a client.
	DefaultReadLimit = 32768

	DefaultPath = "/ws"
)

// Config holds the settings for a bridge. Use NewConfig and the With methods,
// then Build.
type Config struct {
	name         string
	listen       string
	path         string
	logger       *zap.Logger
	metrics      o11y.MetricsProvider
	queueSize    int
	pingInterval time.Duration
	writeTimeout time.Duration
	readLimit    int64
}

// NewConfig starts a configuration for the bridge transport called name.
//
// Example:
//
//	bridge, err := wsbridge.NewConfig("dash").
//	    WithListen(":8080").
//	    WithLogger(logger).
//	    Build()
func NewConfig(name string) *Config {
	return &Config{
		name:         name,
		path:         DefaultPath,
		queueSize:    DefaultQueueSize,
		pingInterval: DefaultPingInterval,
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
	}
}

// WithListen makes Open start an HTTP server on addr. Without it the bridge
// only serves requests routed to it by the caller's own server.
func (c *Config) WithListen(addr string) *Config {
	c.listen = addr
	return c
}

func (c *Config) WithPath(path string) *Config {
	if path != "" {
		c.path = path
	}
	return c
}

func (c *Config) WithLogger(logger *zap.Logger) *Config {
	c.logger = logger
	return c
}

func (c *Config) WithMetrics(provider o11y.MetricsProvider) *Config {
	c.metrics = provider
	return c
}

func (c *Config) WithQueueSize(size int) *Config {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithPingInterval sets the keepalive period; 0 disables pings.
func (c *Config) WithPingInterval(interval time.Duration) *Config {
	if interval >= 0 {
		c.pingInterval = interval
	}
	return c
}

func (c *Config) WithWriteTimeout(timeout time.Duration) *Config {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithReadLimit sets the largest message accepted from a client, which is
// also the transport MTU.
func (c *Config) WithReadLimit(limit int64) *Config {
	if limit > 0 {
		c.readLimit = limit
	}
	return c
}

func (c *Config) Build() (*Transport, error) {
	if c.name == "" {
		return nil, fmt.Errorf("wsbridge: name is required")
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = o11y.Nop()
	}
	return newTransport(c), nil
}
