package connection

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	protolog "github.com/mash-protocol/iotsession/pkg/log"
	"github.com/mash-protocol/iotsession/pkg/metrics"
	"github.com/mash-protocol/iotsession/pkg/transport"
)

// Defaults.
const (
	DefaultKeepAlive         = 60 * time.Second
	DefaultReconnectInterval = 10 * time.Second
)

// Config configures a Manager.
type Config struct {
	// Hostname of the broker. Required.
	Hostname string

	// Port of the broker. Zero selects transport.DefaultPort for TCP and
	// transport.DefaultWebsocketPort for websockets.
	Port int

	// ClientID is the MQTT client identifier. Required.
	ClientID string

	// Transport is transport.TransportTCP (default) or
	// transport.TransportWebsockets.
	Transport     string
	WebsocketPath string

	KeepAlive time.Duration

	// AutoReconnect starts the reconnect daemon on Connect.
	AutoReconnect bool

	// ReconnectInterval is the delay between failed reconnect attempts.
	ReconnectInterval time.Duration

	// ReconnectMaxInterval, if larger than ReconnectInterval, makes the delay
	// double after each failure up to this value.
	ReconnectMaxInterval time.Duration

	TLSConfig *tls.Config
	Proxy     *transport.ProxyOptions

	// MaxQueuedPublishes bounds publishes held while disconnected.
	// Zero means unbounded.
	MaxQueuedPublishes int

	// Logger for operational messages. Defaults to slog.Default().
	Logger *slog.Logger

	// ProtocolLogger receives packet and state events. Optional.
	ProtocolLogger protolog.Logger

	// Metrics, if set, is updated by the manager.
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with default timings.
func DefaultConfig() Config {
	return Config{
		Transport:         transport.TransportTCP,
		KeepAlive:         DefaultKeepAlive,
		ReconnectInterval: DefaultReconnectInterval,
	}
}

// applyDefaults fills zero values and validates the result.
func (c *Config) applyDefaults() error {
	if c.Hostname == "" {
		return errors.New("connection: hostname is required")
	}
	if c.ClientID == "" {
		return errors.New("connection: client id is required")
	}
	switch c.Transport {
	case "":
		c.Transport = transport.TransportTCP
	case transport.TransportTCP, transport.TransportWebsockets:
	default:
		return fmt.Errorf("connection: invalid transport %q", c.Transport)
	}
	if c.Port == 0 {
		if c.Transport == transport.TransportWebsockets {
			c.Port = transport.DefaultWebsocketPort
		} else {
			c.Port = transport.DefaultPort
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("connection: invalid port %d", c.Port)
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ProtocolLogger == nil {
		c.ProtocolLogger = protolog.NoopLogger{}
	}
	return nil
}

func (c *Config) backoff() *Backoff {
	if c.ReconnectMaxInterval > c.ReconnectInterval {
		return NewBackoffWithConfig(BackoffConfig{
			Initial:    c.ReconnectInterval,
			Max:        c.ReconnectMaxInterval,
			Multiplier: 2,
			Jitter:     0.25,
		})
	}
	return NewBackoff(c.ReconnectInterval)
}

func (c *Config) engineConfig() transport.EngineConfig {
	return transport.EngineConfig{
		ClientID:           c.ClientID,
		Transport:          c.Transport,
		WebsocketPath:      c.WebsocketPath,
		TLSConfig:          c.TLSConfig,
		Proxy:              c.Proxy,
		MaxQueuedPublishes: c.MaxQueuedPublishes,
		Logger:             c.Logger,
	}
}
