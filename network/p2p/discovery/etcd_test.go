package discovery_test

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidmesh/braid-gossip/network/p2p/discovery"
	"github.com/braidmesh/braid-gossip/utils/unittest"
)

func TestRecord(t *testing.T) {
	info := peer.AddrInfo{
		ID:    unittest.PeerIDFixture(t),
		Addrs: []multiaddr.Multiaddr{multiaddr.StringCast("/ip4/10.0.0.1/tcp/4001")},
	}

	data, err := discovery.EncodeRecord(info)
	require.NoError(t, err)

	decoded, err := discovery.DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, info.ID, decoded.ID)
	require.Len(t, decoded.Addrs, 1)
	assert.True(t, info.Addrs[0].Equal(decoded.Addrs[0]))

	_, err = discovery.DecodeRecord([]byte("{}"))
	assert.Error(t, err)
	_, err = discovery.DecodeRecord([]byte("garbage"))
	assert.Error(t, err)
}

func TestRecordKey(t *testing.T) {
	id := unittest.PeerIDFixture(t)
	assert.Equal(t, "/braid/peers/"+id.String(), discovery.RecordKey("/braid/peers", id))
	assert.Equal(t, "/braid/peers/"+id.String(), discovery.RecordKey("/braid/peers/", id))
}
