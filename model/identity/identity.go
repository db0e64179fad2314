// Package identity derives the long-term libp2p keypair that a peer is addressed by.
//
// Resolution is a pure function of its input: the same human-readable name always
// yields the same keypair, in any process, without touching the network or the disk.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"lukechampine.com/blake3"
)

// SeedSize is the size in bytes of the key material a name resolves to.
const SeedSize = ed25519.SeedSize

// Reserved demo identities. Both resolve to constant keys so that test fixtures and demos
// can address them without exchanging ids first.
const (
	Alice = "alice"
	Bob   = "bob"
)

var reservedSeeds = map[string][SeedSize]byte{
	Alice: filledSeed(1),
	Bob:   filledSeed(2),
}

func filledSeed(b byte) [SeedSize]byte {
	var seed [SeedSize]byte
	for i := range seed {
		seed[i] = b
	}
	return seed
}

// PeerIdentity is an immutable libp2p keypair together with the peer id derived from it.
type PeerIdentity struct {
	privateKey crypto.PrivKey
	id         peer.ID
}

// Resolve returns the identity for the given name.
// Reserved names map to their constant keys; any other name uses the BLAKE3-256 digest of
// its bytes directly as the Ed25519 seed.
func Resolve(name string) *PeerIdentity {
	if seed, ok := reservedSeeds[name]; ok {
		return FromSeed(seed)
	}
	return FromSeed(blake3.Sum256([]byte(name)))
}

// IsReserved returns true if the name maps to a constant demo identity.
func IsReserved(name string) bool {
	_, ok := reservedSeeds[name]
	return ok
}

// FromSeed builds the Ed25519 identity for the given seed.
func FromSeed(seed [SeedSize]byte) *PeerIdentity {
	sk, err := crypto.UnmarshalEd25519PrivateKey(ed25519.NewKeyFromSeed(seed[:]))
	if err != nil {
		// a 64 byte ed25519 key is always accepted
		panic(fmt.Errorf("could not load ed25519 key from seed: %w", err))
	}
	identity, err := fromPrivateKey(sk)
	if err != nil {
		panic(err)
	}
	return identity
}

// ResolveOverride builds an identity from externally supplied key material. Accepted encodings:
//   - a 32 byte Ed25519 seed,
//   - a 64 byte Ed25519 private key (seed followed by public key),
//   - a libp2p protobuf-marshalled private key of any supported type.
//
// Any other input fails with an InvalidKeyError.
func ResolveOverride(raw []byte) (*PeerIdentity, error) {
	switch len(raw) {
	case ed25519.SeedSize:
		var seed [SeedSize]byte
		copy(seed[:], raw)
		return FromSeed(seed), nil
	case ed25519.PrivateKeySize:
		expected := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if !bytes.Equal(expected, raw) {
			return nil, NewInvalidKeyErr(len(raw), fmt.Errorf("public key half does not match the seed"))
		}
		var seed [SeedSize]byte
		copy(seed[:], raw[:ed25519.SeedSize])
		return FromSeed(seed), nil
	}

	sk, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, NewInvalidKeyErr(len(raw), err)
	}
	identity, err := fromPrivateKey(sk)
	if err != nil {
		return nil, NewInvalidKeyErr(len(raw), err)
	}
	return identity, nil
}

func fromPrivateKey(sk crypto.PrivKey) (*PeerIdentity, error) {
	id, err := peer.IDFromPrivateKey(sk)
	if err != nil {
		return nil, fmt.Errorf("could not derive peer id: %w", err)
	}
	return &PeerIdentity{privateKey: sk, id: id}, nil
}

// ID returns the peer id, i.e. the address of this identity on the network.
func (p *PeerIdentity) ID() peer.ID {
	return p.id
}

// PrivateKey returns the libp2p private key.
func (p *PeerIdentity) PrivateKey() crypto.PrivKey {
	return p.privateKey
}

// PublicKey returns the libp2p public key.
func (p *PeerIdentity) PublicKey() crypto.PubKey {
	return p.privateKey.GetPublic()
}

// MarshalPrivateKey encodes the private key in the libp2p protobuf format, which
// ResolveOverride accepts back.
func (p *PeerIdentity) MarshalPrivateKey() ([]byte, error) {
	return crypto.MarshalPrivateKey(p.privateKey)
}

// Equal returns true if both identities hold the same keypair.
func (p *PeerIdentity) Equal(other *PeerIdentity) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.privateKey.Equals(other.privateKey)
}

func (p *PeerIdentity) String() string {
	return p.id.String()
}
