package discovery

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

const (
	DefaultMDNSServiceTag  = "braid-gossip"
	DefaultRendezvous      = "/braid/1/rendezvous"
	DefaultEtcdPrefix      = "/braid/peers"
	DefaultEtcdTTL         = 30 * time.Second
	DefaultEtcdDialTimeout = 5 * time.Second
)

// DHT modes.
const (
	DHTModeAuto   = "auto"
	DHTModeClient = "client"
	DHTModeServer = "server"
)

// Config names the peer discovery mechanisms a node enables. Discovery never runs on its own;
// the transport builds the services it describes when it starts.
type Config struct {
	// StaticPeers are p2p multiaddrs dialed once at startup.
	StaticPeers []string   `mapstructure:"static-peers"`
	MDNS        MDNSConfig `mapstructure:"mdns"`
	DHT         DHTConfig  `mapstructure:"dht"`
	Etcd        EtcdConfig `mapstructure:"etcd"`
}

// MDNSConfig configures local network advertisement.
type MDNSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ServiceTag string `mapstructure:"service-tag"`
}

// DHTConfig configures rendezvous through the Kademlia DHT.
type DHTConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Rendezvous     string   `mapstructure:"rendezvous"`
	Mode           string   `mapstructure:"mode"`
	BootstrapPeers []string `mapstructure:"bootstrap-peers"`
}

// EtcdConfig configures rendezvous through an etcd cluster: every node registers its address
// under Prefix and watches the prefix for others.
type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	Prefix      string        `mapstructure:"prefix"`
	TTL         time.Duration `mapstructure:"ttl"`
	DialTimeout time.Duration `mapstructure:"dial-timeout"`
}

// DefaultConfig enables mDNS only, which is enough for nodes on the same machine or LAN.
func DefaultConfig() Config {
	return Config{
		MDNS: MDNSConfig{
			Enabled:    true,
			ServiceTag: DefaultMDNSServiceTag,
		},
		DHT: DHTConfig{
			Rendezvous: DefaultRendezvous,
			Mode:       DHTModeAuto,
		},
		Etcd: EtcdConfig{
			Prefix:      DefaultEtcdPrefix,
			TTL:         DefaultEtcdTTL,
			DialTimeout: DefaultEtcdDialTimeout,
		},
	}
}

// Disabled returns a config with every mechanism turned off.
func Disabled() Config {
	cfg := DefaultConfig()
	cfg.MDNS.Enabled = false
	return cfg
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs *multierror.Error

	if _, err := parseAddrInfos(c.StaticPeers); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("static peers: %w", err))
	}
	if c.MDNS.Enabled && c.MDNS.ServiceTag == "" {
		errs = multierror.Append(errs, fmt.Errorf("mdns: service tag must not be empty"))
	}
	if c.DHT.Enabled {
		if c.DHT.Rendezvous == "" {
			errs = multierror.Append(errs, fmt.Errorf("dht: rendezvous must not be empty"))
		}
		switch c.DHT.Mode {
		case DHTModeAuto, DHTModeClient, DHTModeServer:
		default:
			errs = multierror.Append(errs, fmt.Errorf("dht: unknown mode %q", c.DHT.Mode))
		}
		if _, err := parseAddrInfos(c.DHT.BootstrapPeers); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("dht bootstrap peers: %w", err))
		}
	}
	if c.Etcd.Enabled {
		if len(c.Etcd.Endpoints) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("etcd: at least one endpoint is required"))
		}
		if c.Etcd.Prefix == "" {
			errs = multierror.Append(errs, fmt.Errorf("etcd: prefix must not be empty"))
		}
		if c.Etcd.TTL < time.Second {
			errs = multierror.Append(errs, fmt.Errorf("etcd: ttl must be at least 1s, got %s", c.Etcd.TTL))
		}
	}

	return errs.ErrorOrNil()
}

// StaticAddrInfos parses the static peer list.
func (c Config) StaticAddrInfos() ([]peer.AddrInfo, error) {
	return parseAddrInfos(c.StaticPeers)
}

// DHTBootstrapAddrInfos parses the DHT bootstrap peer list.
func (c Config) DHTBootstrapAddrInfos() ([]peer.AddrInfo, error) {
	return parseAddrInfos(c.DHT.BootstrapPeers)
}

func parseAddrInfos(addrs []string) ([]peer.AddrInfo, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	mas := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid multiaddr %q: %w", s, err)
		}
		mas = append(mas, ma)
	}
	return peer.AddrInfosFromP2pAddrs(mas...)
}
