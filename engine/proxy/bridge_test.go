package proxy_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidmesh/braid-gossip/engine/proxy"
	"github.com/braidmesh/braid-gossip/network"
	"github.com/braidmesh/braid-gossip/network/p2p/discovery"
	"github.com/braidmesh/braid-gossip/network/stub"
	"github.com/braidmesh/braid-gossip/node"
	"github.com/braidmesh/braid-gossip/utils/unittest"
)

type update struct {
	version string
	origin  string
	body    []byte
}

func spawnProxied(t *testing.T, hub *stub.Hub, name string) *node.Node {
	cfg := node.DefaultConfig(name)
	cfg.Discovery = discovery.Disabled()
	cfg.Transport = hub.Factory()
	cfg.Logger = unittest.Logger()
	cfg.MaxFrameSize = 4096
	cfg.Proxy.Enabled = true
	cfg.Proxy.Addr = "127.0.0.1:0"

	n, err := node.Spawn(unittest.Context(t, 5*time.Second), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = n.Shutdown()
	})
	return n
}

func docURL(n *node.Node, path string) string {
	return fmt.Sprintf("http://%s/docs%s", n.ProxyAddr(), path)
}

// subscribe opens a Braid subscription and returns a reader of its update blocks.
func subscribe(t *testing.T, n *node.Node, path string, peers ...network.PeerAddress) *bufio.Reader {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL(n, path), nil)
	require.NoError(t, err)
	req.Header.Set("Subscribe", "true")
	for _, p := range peers {
		for _, addr := range network.PeerAddressStrings(p) {
			req.Header.Add("Peer", addr)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})
	require.Equal(t, proxy.StatusSubscription, resp.StatusCode)
	require.Equal(t, "true", resp.Header.Get("Subscribe"))
	return bufio.NewReader(resp.Body)
}

func readUpdate(t *testing.T, r *bufio.Reader) update {
	var u update
	unittest.RequireReturnsBefore(t, func() {
		tp := textproto.NewReader(r)
		header, err := tp.ReadMIMEHeader()
		require.NoError(t, err)
		length, err := strconv.Atoi(header.Get("Content-Length"))
		require.NoError(t, err)

		u.version = header.Get("Version")
		u.origin = header.Get("Origin")
		u.body = make([]byte, length)
		_, err = io.ReadFull(r, u.body)
		require.NoError(t, err)

		sep := make([]byte, 4)
		_, err = io.ReadFull(r, sep)
		require.NoError(t, err)
		require.Equal(t, "\r\n\r\n", string(sep))
	}, 2*time.Second, "no update block received")
	return u
}

func put(t *testing.T, n *node.Node, path string, body []byte) *http.Response {
	req, err := http.NewRequest(http.MethodPut, docURL(n, path), bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, resp.Body.Close())
	return resp
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, body
}

func TestStreamUpdates(t *testing.T) {
	hub := stub.NewNetworkHub()
	alice := spawnProxied(t, hub, "alice")
	bob := spawnProxied(t, hub, "bob")
	ctx := unittest.Context(t, 5*time.Second)

	// two clients of bob share one subscription
	first := subscribe(t, bob, "/demo-doc", alice.Address())
	second := subscribe(t, bob, "/demo-doc")
	require.Len(t, bob.Subscriptions(), 1)

	_, err := alice.Subscribe(ctx, "/demo-doc", []network.PeerAddress{bob.Address()})
	require.NoError(t, err)
	frame, err := alice.Publish(ctx, "/demo-doc", []byte("hello"))
	require.NoError(t, err)

	for _, r := range []*bufio.Reader{first, second} {
		u := readUpdate(t, r)
		assert.Equal(t, []byte("hello"), u.body)
		assert.Equal(t, alice.ID().String(), u.origin)
		assert.Equal(t, proxy.Version(frame), u.version)
	}

	_, body := get(t, fmt.Sprintf("http://%s/node", bob.ProxyAddr()))
	var info struct {
		ID            string `json:"id"`
		Subscriptions []struct {
			Path           string   `json:"path"`
			BootstrapPeers []string `json:"bootstrap_peers"`
			Clients        int      `json:"clients"`
		} `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, bob.ID().String(), info.ID)
	require.Len(t, info.Subscriptions, 1)
	assert.Equal(t, "/demo-doc", info.Subscriptions[0].Path)
	assert.Equal(t, 2, info.Subscriptions[0].Clients)
	assert.Len(t, info.Subscriptions[0].BootstrapPeers, 1)

	// a new client first receives the latest version
	third := subscribe(t, bob, "/demo-doc")
	assert.Equal(t, []byte("hello"), readUpdate(t, third).body)
}

func TestPutDocument(t *testing.T) {
	hub := stub.NewNetworkHub()
	alice := spawnProxied(t, hub, "alice")
	bob := spawnProxied(t, hub, "bob")
	ctx := unittest.Context(t, 5*time.Second)

	bobSub, err := bob.Subscribe(ctx, "/notes/today", nil)
	require.NoError(t, err)
	local := subscribe(t, alice, "/notes/today", bob.Address())

	resp := put(t, alice, "/notes/today", []byte("buy milk"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	version := resp.Header.Get("Version")
	require.NotEmpty(t, version)

	select {
	case frame := <-bobSub.Updates():
		assert.Equal(t, []byte("buy milk"), frame.Payload)
		assert.Equal(t, alice.ID(), frame.Origin)
		assert.Equal(t, version, proxy.Version(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("remote subscriber did not receive the update")
	}

	// clients of the publishing bridge see the update too
	u := readUpdate(t, local)
	assert.Equal(t, []byte("buy milk"), u.body)
	assert.Equal(t, version, u.version)

	resp, body := get(t, docURL(alice, "/notes/today"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "buy milk", string(body))
	assert.Equal(t, version, resp.Header.Get("Version"))
}

func TestPutDocument_TooLarge(t *testing.T) {
	alice := spawnProxied(t, stub.NewNetworkHub(), "alice")
	resp := put(t, alice, "/doc", unittest.PayloadFixture(8192))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestGetDocument_NotTracked(t *testing.T) {
	alice := spawnProxied(t, stub.NewNetworkHub(), "alice")
	resp, _ := get(t, docURL(alice, "/unknown"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubscribe_InvalidPeer(t *testing.T) {
	alice := spawnProxied(t, stub.NewNetworkHub(), "alice")
	req, err := http.NewRequest(http.MethodGet, docURL(alice, "/doc"), nil)
	require.NoError(t, err)
	req.Header.Set("Subscribe", "true")
	req.Header.Set("Peer", "not a multiaddr")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, alice.IsSubscribed("/doc"))
}

func TestSubscribe_UnreachablePeer(t *testing.T) {
	alice := spawnProxied(t, stub.NewNetworkHub(), "alice")
	stranger := network.PeerAddress{ID: unittest.PeerIDFixture(t)}

	req, err := http.NewRequest(http.MethodGet, docURL(alice, "/doc")+"?peer=/ip4/127.0.0.1/tcp/4001/p2p/"+stranger.ID.String(), nil)
	require.NoError(t, err)
	req.Header.Set("Subscribe", "true")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestDeleteSubscription(t *testing.T) {
	alice := spawnProxied(t, stub.NewNetworkHub(), "alice")
	stream := subscribe(t, alice, "/doc")
	require.True(t, alice.IsSubscribed("/doc"))

	req, err := http.NewRequest(http.MethodDelete, docURL(alice, "/doc")+"/subscription", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, alice.IsSubscribed("/doc"))

	// the stream ends
	unittest.RequireReturnsBefore(t, func() {
		_, err := stream.ReadByte()
		assert.ErrorIs(t, err, io.EOF)
	}, 2*time.Second, "stream did not end after unsubscribe")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShutdownEndsStreams(t *testing.T) {
	alice := spawnProxied(t, stub.NewNetworkHub(), "alice")
	stream := subscribe(t, alice, "/doc")

	unittest.RequireReturnsBefore(t, func() {
		require.NoError(t, alice.Shutdown())
	}, 5*time.Second, "shutdown blocked on an open stream")

	unittest.RequireReturnsBefore(t, func() {
		_, err := stream.ReadByte()
		assert.Error(t, err)
	}, 2*time.Second, "stream did not end after shutdown")
}
