package node

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/braidmesh/braid-gossip/engine/proxy"
	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/codec"
	"github.com/braidmesh/braid-gossip/network/p2p/discovery"
	"github.com/braidmesh/braid-gossip/network/p2p/p2pnode"
	"github.com/braidmesh/braid-gossip/network/p2p/subscription"
)

const (
	DefaultShutdownTimeout = 5 * time.Second
	DefaultProxyAddr       = "127.0.0.1:8080"
	DefaultMetricsAddr     = "127.0.0.1:9090"
)

// ProxyConfig configures the local Braid-over-HTTP bridge.
type ProxyConfig struct {
	Enabled bool
	// Addr is the host:port the bridge listens on. Port 0 picks a free port.
	Addr string
	// ClientBuffer is the number of updates queued per streaming client. Zero selects
	// proxy.DefaultClientBuffer.
	ClientBuffer int
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// Config configures a node. Start from DefaultConfig: only Proxy.ClientBuffer and
// CompressionThreshold accept zero, the first selecting the bridge default, the second
// disabling compression.
type Config struct {
	// Name derives the identity when no override is given.
	Name string
	// IdentityOverride is raw key material taking precedence over Name.
	IdentityOverride []byte

	// ListenAddrs are the multiaddrs the transport listens on.
	ListenAddrs []string
	Discovery   discovery.Config

	Subscription subscription.Config

	// MaxFrameSize bounds encoded frames, and decompressed payloads.
	MaxFrameSize int
	// CompressionThreshold compresses payloads of at least this many bytes. Zero disables compression.
	CompressionThreshold int

	// ShutdownTimeout bounds Shutdown.
	ShutdownTimeout time.Duration

	Proxy   ProxyConfig
	Metrics MetricsConfig

	// Transport starts the transport. Defaults to the libp2p GossipSub transport.
	Transport network.TransportFactory
	Logger    zerolog.Logger
}

// DefaultConfig returns the configuration of a node named name: libp2p transport on a random
// port, mDNS discovery, no proxy and no metrics.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		ListenAddrs:     []string{p2pnode.DefaultListenAddr},
		Discovery:       discovery.DefaultConfig(),
		Subscription:    subscription.DefaultConfig(),
		MaxFrameSize:    codec.DefaultMaxFrameSize,
		ShutdownTimeout: DefaultShutdownTimeout,
		Proxy: ProxyConfig{
			Addr:         DefaultProxyAddr,
			ClientBuffer: proxy.DefaultClientBuffer,
		},
		Metrics: MetricsConfig{
			Addr: DefaultMetricsAddr,
		},
		Transport: p2pnode.NewTransport,
		Logger:    zerolog.Nop(),
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs *multierror.Error
	if c.Name == "" && len(c.IdentityOverride) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("either a name or an identity override is required"))
	}
	if c.MaxFrameSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("max frame size must be positive, got %d", c.MaxFrameSize))
	}
	if c.CompressionThreshold < 0 {
		errs = multierror.Append(errs, fmt.Errorf("compression threshold must not be negative, got %d", c.CompressionThreshold))
	}
	if c.ShutdownTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout))
	}
	if c.Proxy.ClientBuffer < 0 {
		errs = multierror.Append(errs, fmt.Errorf("proxy client buffer must not be negative, got %d", c.Proxy.ClientBuffer))
	}
	if c.Transport == nil {
		errs = multierror.Append(errs, fmt.Errorf("missing transport factory"))
	}
	if err := c.Subscription.Validate(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("invalid subscription config: %w", err))
	}
	if err := c.Discovery.Validate(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("invalid discovery config: %w", err))
	}
	if c.Proxy.Enabled {
		if _, _, err := net.SplitHostPort(c.Proxy.Addr); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("invalid proxy address %q: %w", c.Proxy.Addr, err))
		}
	}
	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("invalid metrics address %q: %w", c.Metrics.Addr, err))
		}
	}
	return errs.ErrorOrNil()
}
