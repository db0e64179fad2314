package discovery

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/rs/zerolog"

	"github.com/braidmesh/braid-gossip/utils/logging"
)

// MDNS advertises the host on the local network and reports peers found there.
type MDNS struct {
	log     zerolog.Logger
	host    host.Host
	handler PeerHandler
	service mdns.Service
}

var _ Service = (*MDNS)(nil)

func NewMDNS(log zerolog.Logger, h host.Host, serviceTag string, handler PeerHandler) *MDNS {
	m := &MDNS{
		log:     log.With().Str("component", "mdns_discovery").Logger(),
		host:    h,
		handler: handler,
	}
	m.service = mdns.NewMdnsService(h, serviceTag, m)
	return m
}

// HandlePeerFound implements mdns.Notifee.
func (m *MDNS) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == m.host.ID() {
		return
	}
	m.log.Debug().Str("peer_id", logging.PeerID(info.ID)).Msg("found peer on local network")
	m.handler(info)
}

func (m *MDNS) Start(context.Context) error {
	if err := m.service.Start(); err != nil {
		return fmt.Errorf("could not start mdns service: %w", err)
	}
	return nil
}

func (m *MDNS) Close() error {
	return m.service.Close()
}
