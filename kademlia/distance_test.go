package kademlia

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXORDistanceSelf(t *testing.T) {
	id, err := NewID()
	require.NoError(t, err)
	assert.Equal(t, Zero, XORDistance(id, id))
}

func TestXORDistanceCommutative(t *testing.T) {
	a, err := NewID()
	require.NoError(t, err)
	b, err := NewID()
	require.NoError(t, err)
	assert.Equal(t, XORDistance(a, b), XORDistance(b, a))
}

func TestContainsRange(t *testing.T) {
	assert.True(t, ContainsRange(Zero, Max, Zero))
	assert.True(t, ContainsRange(Zero, Max, Max))

	mid := Max
	mid[0] = 0x7f
	assert.True(t, ContainsRange(Zero, Max, mid))

	lo := ID{0x10}
	hi := ID{0x20}
	below := ID{0x0f}
	above := ID{0x21}
	assert.False(t, ContainsRange(lo, hi, below))
	assert.False(t, ContainsRange(lo, hi, above))
}

func TestMidpointSplitsEvenly(t *testing.T) {
	loRight, hiLeft := Midpoint(Zero, Max)

	// The full space splits into [0, hiLeft] and [loRight, Max] with no gap
	// and no overlap.
	assert.True(t, hiLeft.Less(loRight))
	assert.Equal(t, 0, loRight.Compare(incID(hiLeft)))

	// hiLeft should be just under the midpoint: high bit clear, rest set.
	assert.Equal(t, byte(0x7f), hiLeft[0])
	assert.Equal(t, byte(0x80), loRight[0])
}

func TestMidpointDegenerate(t *testing.T) {
	var lo ID
	lo[IDLength-1] = 5
	hi := lo

	loRight, hiLeft := Midpoint(lo, hi)
	assert.Equal(t, lo, hiLeft)
	assert.Equal(t, incID(lo), loRight)
}

// incID returns id+1, used only by tests to phrase expectations relative to
// a known ID without duplicating Midpoint's own arithmetic.
func incID(id ID) ID {
	out := id
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}
