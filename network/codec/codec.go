package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
	"github.com/libp2p/go-libp2p/core/peer"
)

// DefaultMaxFrameSize bounds both the encoded frame and the decoded payload.
const DefaultMaxFrameSize = 1 << 20

var (
	encMode = func() cbor.EncMode {
		mode, err := cbor.CoreDetEncOptions().EncMode()
		if err != nil {
			panic(err)
		}
		return mode
	}()

	decMode = func() cbor.DecMode {
		mode, err := cbor.DecOptions{
			DupMapKey:         cbor.DupMapKeyEnforcedAPF,
			IndefLength:       cbor.IndefLengthForbidden,
			TagsMd:            cbor.TagsForbidden,
			ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
			MaxNestedLevels:   4,
		}.DecMode()
		if err != nil {
			panic(err)
		}
		return mode
	}()

	defaultCodec = NewCodec()
)

// Codec encodes frames onto and decodes frames from the wire.
// A Codec is immutable and safe for concurrent use.
type Codec struct {
	compressionThreshold int
	maxFrameSize         int
}

// Option configures a Codec.
type Option func(*Codec)

// WithCompressionThreshold compresses payloads of at least n bytes with snappy. Zero disables
// compression. A payload is only sent compressed when that makes it smaller.
func WithCompressionThreshold(n int) Option {
	return func(c *Codec) {
		c.compressionThreshold = n
	}
}

// WithMaxFrameSize sets the largest frame, and largest decompressed payload, the codec handles.
func WithMaxFrameSize(n int) Option {
	return func(c *Codec) {
		c.maxFrameSize = n
	}
}

// NewCodec returns a codec with compression disabled and DefaultMaxFrameSize.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		maxFrameSize: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxFrameSize returns the largest frame the codec accepts.
func (c *Codec) MaxFrameSize() int {
	return c.maxFrameSize
}

// Encode serializes the frame. The output is a deterministic function of the frame and the
// codec options.
//
// Expected errors:
// - ErrFrameTooLarge if the encoded frame exceeds the maximum frame size
// - generic error if the frame has no path or no origin
func (c *Codec) Encode(frame *Frame) ([]byte, error) {
	if frame.Path == "" {
		return nil, fmt.Errorf("frame has no path")
	}
	if frame.Origin == "" {
		return nil, fmt.Errorf("frame has no origin")
	}

	flags := uint8(0)
	payload := frame.Payload
	if c.compressionThreshold > 0 && len(payload) >= c.compressionThreshold {
		compressed := snappy.Encode(nil, payload)
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= FlagSnappy
		}
	}

	hdr, err := encMode.Marshal(header{
		Path:       frame.Path,
		Origin:     []byte(frame.Origin),
		Token:      frame.Token,
		PayloadLen: uint64(len(payload)),
	})
	if err != nil {
		return nil, fmt.Errorf("could not encode frame header: %w", err)
	}

	buf := make([]byte, 0, preambleSize+binary.MaxVarintLen64+len(hdr)+len(payload))
	buf = append(buf, Magic...)
	buf = append(buf, Version, flags)
	buf = binary.AppendUvarint(buf, uint64(len(hdr)))
	buf = append(buf, hdr...)
	buf = append(buf, payload...)

	if len(buf) > c.maxFrameSize {
		return nil, fmt.Errorf("could not encode frame of %d bytes: %w", len(buf), ErrFrameTooLarge)
	}
	return buf, nil
}

// Decode parses a frame. The returned frame does not alias data.
// Payload contents are not inspected.
//
// Expected errors:
// - TruncatedFrameError if the frame ends before a section it declares
// - MalformedFrameError for any other structural problem
func (c *Codec) Decode(data []byte) (*Frame, error) {
	if len(data) > c.maxFrameSize {
		return nil, NewMalformedFrameErr(fmt.Errorf("%d bytes: %w", len(data), ErrFrameTooLarge))
	}

	if len(data) < preambleSize {
		return nil, shortPreamble(data)
	}
	if !bytes.Equal(data[:len(Magic)], []byte(Magic)) {
		return nil, NewMalformedFrameErrf("bad magic %x", data[:len(Magic)])
	}
	if v := data[len(Magic)]; v != Version {
		return nil, NewMalformedFrameErrf("unsupported version %d", v)
	}
	flags := data[len(Magic)+1]
	if flags&^knownFlags != 0 {
		return nil, NewMalformedFrameErrf("unknown flags %08b", flags)
	}
	rest := data[preambleSize:]

	hdrLen, n := binary.Uvarint(rest)
	switch {
	case n == 0:
		return nil, NewTruncatedFrameErr("header length", uint64(binary.MaxVarintLen64), len(rest))
	case n < 0:
		return nil, NewMalformedFrameErrf("header length overflows")
	}
	rest = rest[n:]
	if hdrLen > uint64(len(rest)) {
		return nil, NewTruncatedFrameErr("header", hdrLen, len(rest))
	}

	var hdr header
	if err := decMode.Unmarshal(rest[:hdrLen], &hdr); err != nil {
		return nil, NewMalformedFrameErr(fmt.Errorf("could not decode header: %w", err))
	}
	rest = rest[hdrLen:]

	if hdr.Path == "" {
		return nil, NewMalformedFrameErrf("header has no path")
	}
	origin, err := peer.IDFromBytes(hdr.Origin)
	if err != nil {
		return nil, NewMalformedFrameErr(fmt.Errorf("invalid origin: %w", err))
	}

	if hdr.PayloadLen != uint64(len(rest)) {
		return nil, NewTruncatedFrameErr("payload", hdr.PayloadLen, len(rest))
	}

	var payload []byte
	if flags&FlagSnappy != 0 {
		size, err := snappy.DecodedLen(rest)
		if err != nil {
			return nil, NewMalformedFrameErr(fmt.Errorf("could not read compressed payload: %w", err))
		}
		if size > c.maxFrameSize {
			return nil, NewMalformedFrameErr(fmt.Errorf("decompressed payload of %d bytes: %w", size, ErrFrameTooLarge))
		}
		payload, err = snappy.Decode(nil, rest)
		if err != nil {
			return nil, NewMalformedFrameErr(fmt.Errorf("could not decompress payload: %w", err))
		}
	} else {
		payload = make([]byte, len(rest))
		copy(payload, rest)
	}

	return &Frame{
		Path:    hdr.Path,
		Payload: payload,
		Origin:  origin,
		Token:   hdr.Token,
	}, nil
}

// shortPreamble classifies input that ends inside the preamble: a prefix of a valid preamble is
// truncated, anything else is malformed.
func shortPreamble(data []byte) error {
	m := len(data)
	if m > len(Magic) {
		m = len(Magic)
	}
	if !bytes.Equal(data[:m], []byte(Magic)[:m]) {
		return NewMalformedFrameErrf("bad magic %x", data[:m])
	}
	if len(data) > len(Magic) && data[len(Magic)] != Version {
		return NewMalformedFrameErrf("unsupported version %d", data[len(Magic)])
	}
	return NewTruncatedFrameErr("preamble", uint64(preambleSize), len(data))
}

// Encode serializes a frame with the default codec.
func Encode(frame *Frame) ([]byte, error) {
	return defaultCodec.Encode(frame)
}

// Decode parses a frame with the default codec.
func Decode(data []byte) (*Frame, error) {
	return defaultCodec.Decode(data)
}
