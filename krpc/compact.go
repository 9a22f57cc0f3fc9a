package krpc

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/opd-ai/mldht/kademlia"
)

const (
	compactNodeLen = 26 // 20-byte id + 4-byte IPv4 + 2-byte port
	compactPeerLen = 6  // 4-byte IPv4 + 2-byte port
)

// CompactNode pairs a node id with the address the nodes field packs it
// alongside.
type CompactNode struct {
	ID   kademlia.ID
	Addr kademlia.Address
}

// EncodeCompactNodes packs nodes into the nodes field's concatenated
// 26-byte-per-node blob. Nodes without a usable IPv4 address are skipped.
func EncodeCompactNodes(nodes []CompactNode) string {
	buf := make([]byte, 0, len(nodes)*compactNodeLen)
	for _, n := range nodes {
		ip4 := n.Addr.IP.To4()
		if ip4 == nil {
			continue
		}
		buf = append(buf, n.ID.Bytes()...)
		buf = append(buf, ip4...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(n.Addr.Port))
	}
	return string(buf)
}

// DecodeCompactNodes unpacks a nodes field blob. A length that is not a
// multiple of 26 is rejected rather than silently truncated.
func DecodeCompactNodes(blob string) ([]CompactNode, error) {
	if len(blob)%compactNodeLen != 0 {
		return nil, fmt.Errorf("krpc: compact nodes blob length %d not a multiple of %d", len(blob), compactNodeLen)
	}
	n := len(blob) / compactNodeLen
	out := make([]CompactNode, 0, n)
	for i := 0; i < n; i++ {
		chunk := blob[i*compactNodeLen : (i+1)*compactNodeLen]
		id, err := kademlia.IDFromBytes([]byte(chunk[:20]))
		if err != nil {
			return nil, fmt.Errorf("krpc: compact node %d: %w", i, err)
		}
		ip := net.IPv4(chunk[20], chunk[21], chunk[22], chunk[23])
		port := int(binary.BigEndian.Uint16([]byte(chunk[24:26])))
		out = append(out, CompactNode{ID: id, Addr: kademlia.Address{IP: ip, Port: port}})
	}
	return out, nil
}

// EncodeCompactPeer packs a single peer address into its 6-byte blob.
func EncodeCompactPeer(addr kademlia.Address) (string, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return "", fmt.Errorf("krpc: compact peer info requires an IPv4 address, got %s", addr.IP)
	}
	buf := make([]byte, 0, compactPeerLen)
	buf = append(buf, ip4...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(addr.Port))
	return string(buf), nil
}

// EncodeCompactPeers packs each address into its own 6-byte values-list
// entry, skipping addresses without a usable IPv4 form.
func EncodeCompactPeers(addrs []kademlia.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		blob, err := EncodeCompactPeer(a)
		if err != nil {
			continue
		}
		out = append(out, blob)
	}
	return out
}

// DecodeCompactPeer unpacks a single values-list entry.
func DecodeCompactPeer(blob string) (kademlia.Address, error) {
	if len(blob) != compactPeerLen {
		return kademlia.Address{}, fmt.Errorf("krpc: compact peer info length %d, want %d", len(blob), compactPeerLen)
	}
	ip := net.IPv4(blob[0], blob[1], blob[2], blob[3])
	port := int(binary.BigEndian.Uint16([]byte(blob[4:6])))
	return kademlia.Address{IP: ip, Port: port}, nil
}

// DecodeCompactPeers unpacks every entry of a values list.
func DecodeCompactPeers(values []string) ([]kademlia.Address, error) {
	out := make([]kademlia.Address, 0, len(values))
	for i, v := range values {
		addr, err := DecodeCompactPeer(v)
		if err != nil {
			return nil, fmt.Errorf("krpc: values[%d]: %w", i, err)
		}
		out = append(out, addr)
	}
	return out, nil
}
