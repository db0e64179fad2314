package config

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/channels"
	"github.com/braidmesh/braid-gossip/network/p2p/discovery"
	"github.com/braidmesh/braid-gossip/network/p2p/subscription"
	"github.com/braidmesh/braid-gossip/node"
)

const (
	// EnvPrefix prefixes the environment variables overriding config keys: proxy.port is
	// read from BRAID_PROXY_PORT.
	EnvPrefix = "BRAID"
)

//go:embed default-config.yml
var configFile string

// Config is the configuration of a braid-gossip node as read from the config file,
// the environment and the command line.
type Config struct {
	Node         NodeConfig         `mapstructure:"node"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Codec        CodecConfig        `mapstructure:"codec"`
	Discovery    discovery.Config   `mapstructure:"discovery"`
}

type NodeConfig struct {
	// Name derives the identity of the node unless Identity is set.
	Name string `mapstructure:"name"`
	// Identity is hex encoded key material taking precedence over Name.
	Identity        string        `mapstructure:"identity"`
	ListenAddrs     []string      `mapstructure:"listen-addrs"`
	Subscriptions   []string      `mapstructure:"subscriptions"`
	BootstrapPeers  []string      `mapstructure:"bootstrap-peers"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
}

type ProxyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ClientBuffer int    `mapstructure:"client-buffer"`
}

// Addr returns the host:port the proxy listens on.
func (c ProxyConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the host:port the metrics endpoint listens on.
func (c MetricsConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type SubscriptionConfig struct {
	JoinTimeout          time.Duration `mapstructure:"join-timeout"`
	DedupCacheSize       int           `mapstructure:"dedup-cache-size"`
	RateLimit            float64       `mapstructure:"rate-limit"`
	RateBurst            int           `mapstructure:"rate-burst"`
	RateLimiterCacheSize int           `mapstructure:"rate-limiter-cache-size"`
}

func (c SubscriptionConfig) toManagerConfig() subscription.Config {
	return subscription.Config{
		JoinTimeout:          c.JoinTimeout,
		DedupCacheSize:       c.DedupCacheSize,
		RateLimit:            rate.Limit(c.RateLimit),
		RateBurst:            c.RateBurst,
		RateLimiterCacheSize: c.RateLimiterCacheSize,
	}
}

type CodecConfig struct {
	MaxFrameSize         int `mapstructure:"max-frame-size"`
	CompressionThreshold int `mapstructure:"compression-threshold"`
}

// DefaultConfig returns the configuration in the embedded default config file.
func DefaultConfig() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	return unmarshal(v)
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewBufferString(configFile)); err != nil {
		return nil, fmt.Errorf("failed to read default config: %w", err)
	}
	return v, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.Node.Name == "" && c.Node.Identity == "" {
		errs = multierror.Append(errs, fmt.Errorf("node.name or node.identity is required"))
	}
	if _, err := c.identityOverride(); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, addr := range c.Node.ListenAddrs {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("invalid listen address %q: %w", addr, err))
		}
	}
	for _, path := range c.Node.Subscriptions {
		if err := channels.ValidatePath(path); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if _, err := network.ParsePeerAddresses(c.Node.BootstrapPeers); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("invalid bootstrap peers: %w", err))
	}
	if c.Node.ShutdownTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("node.shutdown-timeout must be positive, got %s", c.Node.ShutdownTimeout))
	}
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("proxy.port out of range: %d", c.Proxy.Port))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port))
	}
	if c.Proxy.Enabled && c.Metrics.Enabled && c.Proxy.Port != 0 && c.Proxy.Addr() == c.Metrics.Addr() {
		errs = multierror.Append(errs, fmt.Errorf("proxy and metrics cannot both listen on %s", c.Proxy.Addr()))
	}
	if c.Codec.MaxFrameSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("codec.max-frame-size must be positive, got %d", c.Codec.MaxFrameSize))
	}
	if c.Codec.CompressionThreshold < 0 {
		errs = multierror.Append(errs, fmt.Errorf("codec.compression-threshold must not be negative, got %d", c.Codec.CompressionThreshold))
	}
	if err := c.Subscription.toManagerConfig().Validate(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("invalid subscription config: %w", err))
	}
	if err := c.Discovery.Validate(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("invalid discovery config: %w", err))
	}

	return errs.ErrorOrNil()
}

// identityOverride decodes node.identity, or returns nil if it is empty.
func (c *Config) identityOverride() ([]byte, error) {
	if c.Node.Identity == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(c.Node.Identity, "0x"))
	if err != nil {
		return nil, fmt.Errorf("node.identity is not hex encoded: %w", err)
	}
	return raw, nil
}

// BootstrapAddrs parses the bootstrap peers of the initial subscriptions.
func (c *Config) BootstrapAddrs() ([]network.PeerAddress, error) {
	return network.ParsePeerAddresses(c.Node.BootstrapPeers)
}

// ToNodeConfig converts the configuration to the node's. The transport is the libp2p default.
func (c *Config) ToNodeConfig(log zerolog.Logger) (node.Config, error) {
	cfg := node.DefaultConfig(c.Node.Name)
	raw, err := c.identityOverride()
	if err != nil {
		return node.Config{}, err
	}
	cfg.IdentityOverride = raw
	cfg.ListenAddrs = c.Node.ListenAddrs
	cfg.Discovery = c.Discovery
	cfg.Subscription = c.Subscription.toManagerConfig()
	cfg.MaxFrameSize = c.Codec.MaxFrameSize
	cfg.CompressionThreshold = c.Codec.CompressionThreshold
	cfg.ShutdownTimeout = c.Node.ShutdownTimeout
	cfg.Proxy = node.ProxyConfig{
		Enabled:      c.Proxy.Enabled,
		Addr:         c.Proxy.Addr(),
		ClientBuffer: c.Proxy.ClientBuffer,
	}
	cfg.Metrics = node.MetricsConfig{
		Enabled: c.Metrics.Enabled,
		Addr:    c.Metrics.Addr(),
	}
	cfg.Logger = log
	return cfg, nil
}
