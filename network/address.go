package network

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// ParsePeerAddress parses a p2p multiaddr such as /ip4/127.0.0.1/tcp/4001/p2p/<peer id>.
func ParsePeerAddress(s string) (PeerAddress, error) {
	addr, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("invalid multiaddr %q: %w", s, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("multiaddr %q does not name a peer: %w", s, err)
	}
	return *info, nil
}

// ParsePeerAddresses parses every address, merging addresses that name the same peer.
func ParsePeerAddresses(addrs []string) ([]PeerAddress, error) {
	mas := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid multiaddr %q: %w", s, err)
		}
		mas = append(mas, addr)
	}
	infos, err := peer.AddrInfosFromP2pAddrs(mas...)
	if err != nil {
		return nil, fmt.Errorf("could not parse peer addresses: %w", err)
	}
	return infos, nil
}

// PeerAddressStrings renders the address as one p2p multiaddr per dial address.
func PeerAddressStrings(addr PeerAddress) []string {
	mas, err := peer.AddrInfoToP2pAddrs(&addr)
	if err != nil {
		return []string{"/p2p/" + addr.ID.String()}
	}
	out := make([]string, 0, len(mas))
	for _, ma := range mas {
		out = append(out, ma.String())
	}
	return out
}

// MergePeerAddresses returns the union of both sets, keyed by peer id. Dial addresses of a peer
// present in both sets are merged; the order of first appearance is kept.
func MergePeerAddresses(current, added []PeerAddress) []PeerAddress {
	index := make(map[peer.ID]int, len(current)+len(added))
	merged := make([]PeerAddress, 0, len(current)+len(added))
	for _, set := range [][]PeerAddress{current, added} {
		for _, info := range set {
			i, ok := index[info.ID]
			if !ok {
				index[info.ID] = len(merged)
				merged = append(merged, PeerAddress{ID: info.ID, Addrs: append([]multiaddr.Multiaddr(nil), info.Addrs...)})
				continue
			}
			for _, addr := range info.Addrs {
				if !containsAddr(merged[i].Addrs, addr) {
					merged[i].Addrs = append(merged[i].Addrs, addr)
				}
			}
		}
	}
	return merged
}

func containsAddr(addrs []multiaddr.Multiaddr, addr multiaddr.Multiaddr) bool {
	for _, a := range addrs {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}
