package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/rs/zerolog"

	"github.com/braidmesh/braid-gossip/utils/logging"
)

// ProtocolPrefix namespaces the DHT protocols so that braid nodes only route among themselves.
const ProtocolPrefix = "/braid"

const findPeersInterval = 30 * time.Second

// NewDHT creates and bootstraps a Kademlia DHT on the host.
func NewDHT(ctx context.Context, h host.Host, cfg DHTConfig, options ...dht.Option) (*dht.IpfsDHT, error) {
	bootstrap, err := parseAddrInfos(cfg.BootstrapPeers)
	if err != nil {
		return nil, fmt.Errorf("invalid dht bootstrap peers: %w", err)
	}

	allOptions := append(defaultDHTOptions(cfg.Mode), options...)
	if len(bootstrap) > 0 {
		allOptions = append(allOptions, dht.BootstrapPeers(bootstrap...))
	}

	kdht, err := dht.New(ctx, h, allOptions...)
	if err != nil {
		return nil, err
	}

	if err = kdht.Bootstrap(ctx); err != nil {
		_ = kdht.Close()
		return nil, err
	}

	return kdht, nil
}

// DHT defaults to ModeAuto which switches between server and client mode depending on whether the
// node appears publicly reachable. Local test setups are usually not, so they pick a mode explicitly.
func dhtMode(mode string) dht.ModeOpt {
	switch mode {
	case DHTModeServer:
		return dht.ModeServer
	case DHTModeClient:
		return dht.ModeClient
	default:
		return dht.ModeAuto
	}
}

func defaultDHTOptions(mode string) []dht.Option {
	return []dht.Option{
		dht.ProtocolPrefix(ProtocolPrefix),
		dht.Mode(dhtMode(mode)),
	}
}

// DHTRendezvous advertises the node under a rendezvous string in the DHT and periodically looks up
// other nodes advertising the same string.
type DHTRendezvous struct {
	log        zerolog.Logger
	host       host.Host
	discovery  *drouting.RoutingDiscovery
	rendezvous string
	handler    PeerHandler
	interval   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Service = (*DHTRendezvous)(nil)

func NewDHTRendezvous(log zerolog.Logger, h host.Host, kdht *dht.IpfsDHT, rendezvous string, handler PeerHandler) *DHTRendezvous {
	return &DHTRendezvous{
		log:        log.With().Str("component", "dht_discovery").Str("rendezvous", rendezvous).Logger(),
		host:       h,
		discovery:  drouting.NewRoutingDiscovery(kdht),
		rendezvous: rendezvous,
		handler:    handler,
		interval:   findPeersInterval,
	}
}

// Discovery returns the routing discovery, which GossipSub can use to find topic members.
func (d *DHTRendezvous) Discovery() *drouting.RoutingDiscovery {
	return d.discovery
}

func (d *DHTRendezvous) Start(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	dutil.Advertise(ctx, d.discovery, d.rendezvous)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			d.findPeers(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return nil
}

func (d *DHTRendezvous) findPeers(ctx context.Context) {
	peers, err := d.discovery.FindPeers(ctx, d.rendezvous)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Warn().Err(err).Msg("could not look up rendezvous peers")
		}
		return
	}
	for info := range peers {
		if info.ID == d.host.ID() || len(info.Addrs) == 0 {
			continue
		}
		d.log.Debug().Str("peer_id", logging.PeerID(info.ID)).Msg("found peer through dht rendezvous")
		d.handler(info)
	}
}

func (d *DHTRendezvous) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	return nil
}
