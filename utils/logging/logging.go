package logging

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// PeerID returns the canonical string form of a peer id for structured log fields.
func PeerID(id peer.ID) string {
	if id == "" {
		return "<none>"
	}
	return id.String()
}

// PeerIDs converts a list of peer ids into their string forms.
func PeerIDs(ids []peer.ID) []string {
	ss := make([]string, 0, len(ids))
	for _, id := range ids {
		ss = append(ss, PeerID(id))
	}
	return ss
}

// AddrInfos flattens peer address records into p2p multiaddr strings, e.g. /ip4/1.2.3.4/tcp/4001/p2p/<id>.
// Records without addresses are rendered as /p2p/<id>.
func AddrInfos(infos []peer.AddrInfo) []string {
	ss := make([]string, 0, len(infos))
	for _, info := range infos {
		addrs, err := peer.AddrInfoToP2pAddrs(&info)
		if err != nil || len(addrs) == 0 {
			ss = append(ss, "/p2p/"+PeerID(info.ID))
			continue
		}
		for _, a := range addrs {
			ss = append(ss, a.String())
		}
	}
	return ss
}

// Multiaddrs converts multiaddrs into their string forms.
func Multiaddrs(addrs []multiaddr.Multiaddr) []string {
	ss := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ss = append(ss, a.String())
	}
	return ss
}
