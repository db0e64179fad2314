package p2pnode

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"

	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/channels"
	"github.com/braidmesh/braid-gossip/network/p2p/discovery"
	"github.com/braidmesh/braid-gossip/utils/logging"
)

const (
	// DefaultListenAddr listens on all interfaces on a random port.
	DefaultListenAddr = "/ip4/0.0.0.0/tcp/0"

	connManagerLowWater    = 100
	connManagerHighWater   = 400
	connManagerGracePeriod = time.Minute
)

var _ network.TransportFactory = NewTransport

// NewTransport is the network.TransportFactory of libp2p transports.
func NewTransport(ctx context.Context, params network.TransportParams) (network.Transport, error) {
	return NewNode(ctx, params)
}

// NewNode starts a libp2p host with GossipSub and the discovery mechanisms named in params.
// Messages are signed by their author and verified strictly. The context bounds startup only.
func NewNode(ctx context.Context, params network.TransportParams) (*Node, error) {
	if params.Identity == nil {
		return nil, fmt.Errorf("missing identity")
	}
	if err := params.Discovery.Validate(); err != nil {
		return nil, fmt.Errorf("invalid discovery config: %w", err)
	}
	listenAddrs := params.ListenAddrs
	if len(listenAddrs) == 0 {
		listenAddrs = []string{DefaultListenAddr}
	}

	connManager, err := connmgr.NewConnManager(connManagerLowWater, connManagerHighWater, connmgr.WithGracePeriod(connManagerGracePeriod))
	if err != nil {
		return nil, fmt.Errorf("could not create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(params.Identity.PrivateKey()),
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.ConnectionManager(connManager),
	)
	if err != nil {
		return nil, fmt.Errorf("could not create libp2p host: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(context.Background())
	n := &Node{
		host:      h,
		logger:    params.Logger.With().Str("component", "libp2p_node").Str("peer_id", logging.PeerID(h.ID())).Logger(),
		topics:    make(map[channels.Topic]*topicHandle),
		validator: params.Validator,
		ctx:       nodeCtx,
		cancel:    cancel,
	}

	psOptions := []pubsub.Option{
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
	}
	if params.MaxMessageSize > 0 {
		psOptions = append(psOptions, pubsub.WithMaxMessageSize(params.MaxMessageSize))
	}

	if params.Discovery.DHT.Enabled {
		kdht, err := discovery.NewDHT(ctx, h, params.Discovery.DHT)
		if err != nil {
			return nil, n.abort(fmt.Errorf("could not start dht: %w", err))
		}
		n.dht = kdht
		rendezvous := discovery.NewDHTRendezvous(params.Logger, h, kdht, params.Discovery.DHT.Rendezvous, n.connectDiscovered)
		n.discovery = append(n.discovery, rendezvous)
		psOptions = append(psOptions, pubsub.WithDiscovery(rendezvous.Discovery()))
	}

	n.pubSub, err = pubsub.NewGossipSub(nodeCtx, h, psOptions...)
	if err != nil {
		return nil, n.abort(fmt.Errorf("could not create gossipsub: %w", err))
	}

	if params.Discovery.MDNS.Enabled {
		n.discovery = append(n.discovery, discovery.NewMDNS(params.Logger, h, params.Discovery.MDNS.ServiceTag, n.connectDiscovered))
	}
	if params.Discovery.Etcd.Enabled {
		n.discovery = append(n.discovery, discovery.NewEtcdRendezvous(params.Logger, params.Discovery.Etcd, n.LocalAddress, n.connectDiscovered))
	}

	for i, svc := range n.discovery {
		if err := svc.Start(ctx); err != nil {
			// only the services started so far are closed
			n.discovery = n.discovery[:i]
			return nil, n.abort(fmt.Errorf("could not start discovery: %w", err))
		}
	}

	static, err := params.Discovery.StaticAddrInfos()
	if err != nil {
		return nil, n.abort(err)
	}
	for _, info := range static {
		n.connectDiscovered(info)
	}

	n.logger.Info().
		Strs("addresses", logging.Multiaddrs(h.Addrs())).
		Int("discovery_services", len(n.discovery)).
		Msg("libp2p node started successfully")

	return n, nil
}

// abort releases everything NewNode acquired so far and returns err.
func (n *Node) abort(err error) error {
	result := multierror.Append(nil, err)
	if cerr := n.Close(); cerr != nil {
		result = multierror.Append(result, cerr)
	}
	return result.ErrorOrNil()
}
