package kademlia

import "math/big"

// XORDistance returns the Kademlia metric d(a,b) = a XOR b, interpreted as
// a big-endian unsigned 160-bit integer.
func XORDistance(a, b ID) ID {
	var d ID
	for i := 0; i < IDLength; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// ContainsRange reports whether lo <= id <= hi, inclusive, under big-endian
// unsigned ordering.
func ContainsRange(lo, hi, id ID) bool {
	return lo.Compare(id) <= 0 && id.Compare(hi) <= 0
}

// toBig converts an ID to a big.Int for exact 160-bit arithmetic. Using
// math/big (rather than a handwritten multi-word adder, or worse, a 53-bit
// float intermediate) is the one place in this package where the standard
// library's arbitrary-precision integer is the straightforwardly correct
// tool: it is exact by construction and there is no third-party 160-bit
// fixed-width integer type in the retrieved pack that would do this more
// idiomatically (see DESIGN.md).
func toBig(id ID) *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// fromBig converts a big.Int back to a 160-bit ID, clamping to Max if the
// value would overflow the space (only possible at the degenerate top edge,
// see Midpoint's boundary case below) and to Zero if negative.
func fromBig(v *big.Int) ID {
	if v.Sign() < 0 {
		return Zero
	}
	var buf [IDLength]byte
	if v.BitLen() > IDLength*8 {
		return Max
	}
	v.FillBytes(buf[:])
	return ID(buf)
}

// Midpoint splits the closed interval [lo, hi] into two disjoint closed
// sub-intervals by computing hiLeft = floor((lo+hi)/2) and
// loRight = hiLeft + 1, using exact 160-bit arithmetic throughout. The
// caller builds the left child as [lo, hiLeft] and the right child as
// [loRight, hi].
//
// Degenerate case: when hi == lo the interval contains a single ID and
// cannot meaningfully split; Midpoint still returns (lo+1, lo), and callers
// must treat that bucket as unsplittable in practice since
// routingtable.go never calls Split on a single-ID range.
func Midpoint(lo, hi ID) (loRight, hiLeft ID) {
	sum := new(big.Int).Add(toBig(lo), toBig(hi))
	hiLeftBig := new(big.Int).Rsh(sum, 1)
	loRightBig := new(big.Int).Add(hiLeftBig, big.NewInt(1))
	return fromBig(loRightBig), fromBig(hiLeftBig)
}
