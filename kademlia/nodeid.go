// Package kademlia implements the distance metric, contact bookkeeping,
// k-bucket storage, and routing table that make up the Mainline DHT's
// Kademlia substrate (BEP-5). The package is deliberately free of any
// network or timer dependency: callers drive scheduling (bucket refresh,
// contact re-ping) from the outside, so this package never references
// the node that owns it.
package kademlia

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// IDLength is the width, in bytes, of a Mainline DHT node ID or infohash:
// 160 bits, per BEP-5.
const IDLength = 20

// ID is a 160-bit opaque identifier: a DHT node ID or a BitTorrent infohash.
// Equality and ordering are bytewise, big-endian.
type ID [IDLength]byte

// Zero is the all-zero identifier, used as a sentinel and as the low bound
// of the full 160-bit space.
var Zero ID

// Max is the all-ones identifier, the high bound of the full 160-bit space.
var Max = func() ID {
	var id ID
	for i := range id {
		id[i] = 0xff
	}
	return id
}()

// NewID generates a random 160-bit ID from 64 bytes of crypto/rand output,
// hashed through SHA-1.
//
// Mainline nodes call this exactly once at startup to choose their own ID;
// the result persists for the process lifetime.
func NewID() (ID, error) {
	var seed [64]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return ID{}, fmt.Errorf("generate node id: %w", err)
	}
	sum := sha1.Sum(seed[:])
	var id ID
	copy(id[:], sum[:])
	return id, nil
}

// IDFromBytes copies a 20-byte slice into an ID, erroring on any other
// length. This is the boundary check every inbound `id`/`target`/`info_hash`
// field in the wire protocol must pass before being trusted.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLength {
		return id, fmt.Errorf("kademlia: id must be %d bytes, got %d", IDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Bytes returns the ID as a byte slice, suitable for bencoding.
func (id ID) Bytes() []byte {
	out := make([]byte, IDLength)
	copy(out, id[:])
	return out
}

// String returns the hex encoding of the ID, for logging.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Equal reports whether two IDs are bytewise identical.
func (id ID) Equal(other ID) bool {
	return id == other
}

// Compare returns -1, 0, or 1 as id is lexicographically (big-endian,
// unsigned) less than, equal to, or greater than other.
func (id ID) Compare(other ID) int {
	for i := 0; i < IDLength; i++ {
		if id[i] < other[i] {
			return -1
		}
		if id[i] > other[i] {
			return 1
		}
	}
	return 0
}

// Less reports whether id orders strictly before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}
