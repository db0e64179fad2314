package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// All constant strings are used for CLI flag names.
	nodeName        = "name"
	nodeIdentity    = "identity"
	listenAddrs     = "listen"
	subscriptions   = "subscribe"
	bootstrapPeers  = "bootstrap"
	shutdownTimeout = "shutdown-timeout"
	proxyEnabled    = "proxy"
	proxyPort       = "port"
	metricsEnabled  = "metrics"
	metricsPort     = "metrics-port"
	joinTimeout     = "join-timeout"
	rateLimit       = "rate-limit"
	maxFrameSize    = "max-frame-size"
	mdnsEnabled     = "mdns"
	dhtEnabled      = "dht"
	staticPeers     = "static-peer"
	etcdEndpoints   = "etcd-endpoint"
)

// flagKeys maps every flag to the config key it overrides.
var flagKeys = map[string]string{
	nodeName:        "node.name",
	nodeIdentity:    "node.identity",
	listenAddrs:     "node.listen-addrs",
	subscriptions:   "node.subscriptions",
	bootstrapPeers:  "node.bootstrap-peers",
	shutdownTimeout: "node.shutdown-timeout",
	proxyEnabled:    "proxy.enabled",
	proxyPort:       "proxy.port",
	metricsEnabled:  "metrics.enabled",
	metricsPort:     "metrics.port",
	joinTimeout:     "subscription.join-timeout",
	rateLimit:       "subscription.rate-limit",
	maxFrameSize:    "codec.max-frame-size",
	mdnsEnabled:     "discovery.mdns.enabled",
	dhtEnabled:      "discovery.dht.enabled",
	staticPeers:     "discovery.static-peers",
	etcdEndpoints:   "discovery.etcd.endpoints",
}

// InitializeFlags defines the flags overriding the node configuration on the flag set, with the
// values of config as defaults.
func InitializeFlags(flags *pflag.FlagSet, config *Config) {
	InitializeIdentityFlags(flags, config)
	flags.StringSlice(listenAddrs, config.Node.ListenAddrs, "multiaddrs the p2p transport listens on")
	flags.StringSlice(subscriptions, config.Node.Subscriptions, "document paths subscribed to at startup")
	flags.StringSlice(bootstrapPeers, config.Node.BootstrapPeers, "p2p multiaddrs of the bootstrap peers of the startup subscriptions")
	flags.Duration(shutdownTimeout, config.Node.ShutdownTimeout, "how long shutting down may take")
	flags.Bool(proxyEnabled, config.Proxy.Enabled, "serve documents over HTTP on the proxy port")
	flags.Int(proxyPort, config.Proxy.Port, "port of the local HTTP proxy")
	flags.Bool(metricsEnabled, config.Metrics.Enabled, "serve prometheus metrics")
	flags.Int(metricsPort, config.Metrics.Port, "port of the prometheus metrics endpoint")
	flags.Duration(joinTimeout, config.Subscription.JoinTimeout, "how long joining the topic of a document may take")
	flags.Float64(rateLimit, config.Subscription.RateLimit, "frames per second accepted from a single origin")
	flags.Int(maxFrameSize, config.Codec.MaxFrameSize, "largest update frame sent or accepted, in bytes")
	flags.Bool(mdnsEnabled, config.Discovery.MDNS.Enabled, "discover peers on the local network with mDNS")
	flags.Bool(dhtEnabled, config.Discovery.DHT.Enabled, "discover peers through a DHT rendezvous")
	flags.StringSlice(staticPeers, config.Discovery.StaticPeers, "p2p multiaddrs dialed at startup")
	flags.StringSlice(etcdEndpoints, config.Discovery.Etcd.Endpoints, "endpoints of the etcd rendezvous registry")
}

// InitializeIdentityFlags defines the flags selecting the identity of the node.
func InitializeIdentityFlags(flags *pflag.FlagSet, config *Config) {
	flags.String(nodeName, config.Node.Name, "name of the node, derives its identity")
	flags.String(nodeIdentity, config.Node.Identity, "hex encoded private key overriding the identity derived from the name")
}

// Loader layers the configuration sources: the embedded defaults, an optional config file,
// BRAID_ environment variables and command line flags, each overriding the previous ones.
type Loader struct {
	v *viper.Viper
}

func NewLoader() (*Loader, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}, nil
}

// ReadFile merges the config file at path over the defaults.
func (l *Loader) ReadFile(path string) error {
	l.v.SetConfigFile(path)
	if err := l.v.MergeInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// BindFlags makes the flags defined by InitializeFlags override their config keys when set.
func (l *Loader) BindFlags(flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := l.v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s to %s: %w", name, key, err)
		}
	}
	return nil
}

// Load returns the layered configuration, validated.
func (l *Loader) Load() (*Config, error) {
	cfg, err := unmarshal(l.v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
