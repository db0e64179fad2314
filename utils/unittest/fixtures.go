package unittest

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/braidmesh/braid-gossip/model/identity"
	"github.com/braidmesh/braid-gossip/network/codec"
)

var pathCounter = atomic.NewUint64(0)

// PathFixture returns a distinct document path on every call.
func PathFixture() string {
	return fmt.Sprintf("/doc/fixture-%d-%x", pathCounter.Inc(), RandomBytes(4))
}

// RandomBytes returns n random bytes.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// PayloadFixture returns a random payload of n bytes.
func PayloadFixture(n int) []byte {
	return RandomBytes(n)
}

// PeerIdentityFixture returns an identity derived from a random name.
func PeerIdentityFixture() *identity.PeerIdentity {
	return identity.Resolve(fmt.Sprintf("fixture-%x", RandomBytes(8)))
}

// PeerIDFixture returns the peer id of a random identity.
func PeerIDFixture(t testing.TB) peer.ID {
	id := PeerIdentityFixture().ID()
	require.NotEmpty(t, id)
	return id
}

// FrameFixture returns a frame with a random origin, token and payload.
func FrameFixture(opts ...func(*codec.Frame)) *codec.Frame {
	var token [1]byte
	copy(token[:], RandomBytes(1))
	frame := &codec.Frame{
		Path:    PathFixture(),
		Payload: PayloadFixture(32),
		Origin:  PeerIdentityFixture().ID(),
		Token:   uint64(token[0]) + 1,
	}
	for _, opt := range opts {
		opt(frame)
	}
	return frame
}

// WithFramePath sets the path of a FrameFixture.
func WithFramePath(path string) func(*codec.Frame) {
	return func(f *codec.Frame) {
		f.Path = path
	}
}

// WithFrameOrigin sets the origin of a FrameFixture.
func WithFrameOrigin(origin peer.ID) func(*codec.Frame) {
	return func(f *codec.Frame) {
		f.Origin = origin
	}
}

// WithFrameToken sets the ordering token of a FrameFixture.
func WithFrameToken(token uint64) func(*codec.Frame) {
	return func(f *codec.Frame) {
		f.Token = token
	}
}

// WithFramePayload sets the payload of a FrameFixture.
func WithFramePayload(payload []byte) func(*codec.Frame) {
	return func(f *codec.Frame) {
		f.Payload = payload
	}
}

// EncodedFrameFixture encodes a frame with the default codec.
func EncodedFrameFixture(t testing.TB, frame *codec.Frame) []byte {
	data, err := codec.Encode(frame)
	require.NoError(t, err)
	return data
}
