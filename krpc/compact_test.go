package krpc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mldht/kademlia"
)

func nodeWithPrefix(b byte, port int) CompactNode {
	var id kademlia.ID
	id[0] = b
	return CompactNode{
		ID:   id,
		Addr: kademlia.Address{IP: net.IPv4(10, 0, 0, b), Port: port},
	}
}

func TestCompactNodesRoundTrip(t *testing.T) {
	nodes := []CompactNode{
		nodeWithPrefix(1, 6881),
		nodeWithPrefix(2, 6882),
		nodeWithPrefix(3, 6883),
	}
	blob := EncodeCompactNodes(nodes)
	assert.Len(t, blob, len(nodes)*compactNodeLen)

	got, err := DecodeCompactNodes(blob)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, n := range nodes {
		assert.True(t, n.ID.Equal(got[i].ID))
		assert.True(t, n.Addr.IP.Equal(got[i].Addr.IP))
		assert.Equal(t, n.Addr.Port, got[i].Addr.Port)
	}
}

func TestDecodeCompactNodesRejectsBadLength(t *testing.T) {
	_, err := DecodeCompactNodes("short")
	assert.Error(t, err)
}

func TestCompactPeerRoundTrip(t *testing.T) {
	addr := kademlia.Address{IP: net.IPv4(203, 0, 113, 5), Port: 6881}
	blob, err := EncodeCompactPeer(addr)
	require.NoError(t, err)
	assert.Len(t, blob, compactPeerLen)

	got, err := DecodeCompactPeer(blob)
	require.NoError(t, err)
	assert.True(t, addr.IP.Equal(got.IP))
	assert.Equal(t, addr.Port, got.Port)
}

func TestEncodeCompactPeerRejectsIPv6(t *testing.T) {
	addr := kademlia.Address{IP: net.ParseIP("::1"), Port: 1}
	_, err := EncodeCompactPeer(addr)
	assert.Error(t, err)
}

func TestCompactPeersListRoundTrip(t *testing.T) {
	addrs := []kademlia.Address{
		{IP: net.IPv4(203, 0, 113, 5), Port: 6881},
		{IP: net.IPv4(203, 0, 113, 6), Port: 6882},
	}
	values := EncodeCompactPeers(addrs)
	require.Len(t, values, 2)

	got, err := DecodeCompactPeers(values)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i, a := range addrs {
		assert.True(t, a.IP.Equal(got[i].IP))
		assert.Equal(t, a.Port, got[i].Port)
	}
}
