// Package dht implements the core of a Kademlia distributed hash table
// node: the prefix-tree routing table, the iterative parallel lookup
// engine used for node discovery and value retrieval, and the local
// key/value cache with its replication and expiration policy.
//
// The RPC transport, wire serialization, and persistence are external
// collaborators; this package consumes them through the RPC interface
// in rpc.go and never imports a concrete transport.
package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/big"
	mrand "math/rand"
)

// IDLength is the byte length of an ID (160 bits, matching SHA-1's output).
const IDLength = 20

// idBits is the number of addressable bit positions in an ID.
const idBits = IDLength * 8

// ID is a 160-bit opaque identifier in the DHT key space. It is
// immutable after construction; every operation that would change an
// ID's value returns a new one.
type ID [IDLength]byte

// ZeroID is the all-zero identifier, used as a sentinel and in tests.
var ZeroID ID

// GenerateID produces a cryptographically random ID, suitable for a
// node's local identifier.
func GenerateID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("generate id: %w", err)
	}
	return id, nil
}

// GenerateWeakID produces a non-cryptographically random ID. It is used
// only for bucket-refresh random targets, never for identity.
func GenerateWeakID(rng *mrand.Rand) ID {
	var id ID
	rng.Read(id[:]) //nolint:errcheck // math/rand.Rand.Read never errors
	return id
}

// FromKey hashes an arbitrary byte string with SHA-1 to produce the ID
// that a value keyed by that string is addressed at.
func FromKey(key []byte) ID {
	return ID(sha1.Sum(key))
}

// FromHex decodes a 40-character hex string into an ID.
func FromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("decode id hex: %w", err)
	}
	if len(b) != IDLength {
		return ID{}, fmt.Errorf("decode id hex: expected %d bytes, got %d", IDLength, len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// Hex renders the ID as a lowercase hex string.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ID) String() string {
	return id.Hex()
}

// Equal reports whether two IDs are identical.
func (id ID) Equal(other ID) bool {
	return id == other
}

// IsZero reports whether the ID is the all-zero value.
func (id ID) IsZero() bool {
	return id == ZeroID
}

// Bit returns the bit at the given index using big-endian bit order:
// index 0 is the most significant bit of byte 0.
func (id ID) Bit(index int) bool {
	byteIdx := index / 8
	bitIdx := uint(7 - index%8)
	return (id[byteIdx]>>bitIdx)&1 == 1
}

// setBit returns a copy of id with the bit at index set to v.
func (id ID) setBit(index int, v bool) ID {
	out := id
	byteIdx := index / 8
	bitIdx := uint(7 - index%8)
	if v {
		out[byteIdx] |= 1 << bitIdx
	} else {
		out[byteIdx] &^= 1 << bitIdx
	}
	return out
}

// WithPrefix returns a copy of id whose first len(prefix) bits are set
// to the given bitstring, leaving the remaining bits unchanged. It
// errors if the prefix is as long as, or longer than, the full ID
// (there would be no room left for the random/identifying suffix).
func (id ID) WithPrefix(prefix []bool) (ID, error) {
	if len(prefix) >= idBits {
		return ID{}, fmt.Errorf("prefix length %d >= %d bits", len(prefix), idBits)
	}
	out := id
	for i, bit := range prefix {
		out = out.setBit(i, bit)
	}
	return out, nil
}

// XOR returns the XOR distance between two IDs.
func XOR(a, b ID) ID {
	var out ID
	for i := 0; i < IDLength; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// CompareDistance returns -1, 0, or +1 according to whether a is
// closer to, equidistant from, or farther from self than b is,
// comparing XOR distance as an unsigned 160-bit integer.
//
// It is total and antisymmetric: CompareDistance(x, a, b) ==
// -CompareDistance(x, b, a).
func CompareDistance(self, a, b ID) int {
	da := XOR(self, a)
	db := XOR(self, b)
	for i := 0; i < IDLength; i++ {
		if da[i] != db[i] {
			if da[i] < db[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Closer reports whether a is strictly closer to self than b.
func Closer(self, a, b ID) bool {
	return CompareDistance(self, a, b) < 0
}

// distanceInt returns the XOR distance as a big.Int, used only where a
// total numeric ordering is more convenient than byte comparison (e.g.
// logging/metrics); routing decisions always use CompareDistance.
func distanceInt(self, other ID) *big.Int {
	d := XOR(self, other)
	return new(big.Int).SetBytes(d[:])
}
