package codec

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// Magic opens every frame.
	Magic = "BRD"
	// Version is the only frame version this codec reads and writes.
	Version uint8 = 1

	// FlagSnappy marks a snappy compressed payload.
	FlagSnappy uint8 = 1 << 0
	knownFlags       = FlagSnappy

	preambleSize = len(Magic) + 2
)

// Frame is one update exchanged over a document topic.
//
// Token orders frames of the same origin; tokens of different origins are not comparable.
type Frame struct {
	Path    string
	Payload []byte
	Origin  peer.ID
	Token   uint64
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame(path=%q, origin=%s, token=%d, payload=%dB)", f.Path, f.Origin, f.Token, len(f.Payload))
}

// ID identifies a frame for duplicate suppression.
func (f *Frame) ID() FrameID {
	return FrameID{Origin: f.Origin, Token: f.Token}
}

// FrameID is the (origin, token) pair that uniquely identifies a frame.
type FrameID struct {
	Origin peer.ID
	Token  uint64
}

// header is the CBOR encoded part of a frame between the preamble and the payload.
type header struct {
	Path       string `cbor:"1,keyasint"`
	Origin     []byte `cbor:"2,keyasint"`
	Token      uint64 `cbor:"3,keyasint"`
	PayloadLen uint64 `cbor:"4,keyasint"`
}
