package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"net/netip"
)

const (
	compactIPv4Size = 26
	compactIPv6Size = 38
)

// Node is a DHT participant: an identity plus the address(es) it is
// reachable on. Addr6 is set only for dual-stack nodes discovered via a
// BEP 32 nodes6 response or an additional-address extension (BEP 45).
type Node struct {
	ID    [sha1.Size]byte
	Addr  netip.AddrPort
	Addr6 netip.AddrPort

	// Additional holds extra endpoints advertised for this node beyond
	// its primary Addr/Addr6, per BEP 45.
	Additional []netip.AddrPort
}

func NewNode(addr netip.AddrPort) *Node {
	return &Node{ID: randNodeID(), Addr: addr}
}

func NewNodeWithID(id [sha1.Size]byte, addr netip.AddrPort) *Node {
	return &Node{ID: id, Addr: addr}
}

// HasIPv6 reports whether this node has a known IPv6 endpoint.
func (n *Node) HasIPv6() bool { return n.Addr6.IsValid() }

// CompactNodeInfo encodes the node as a 26-byte IPv4 compact entry
// (20-byte id + 4-byte ip + 2-byte port), or nil if it has no IPv4 address.
func (n *Node) CompactNodeInfo() []byte {
	if !n.Addr.IsValid() || !n.Addr.Addr().Is4() {
		return nil
	}

	buf := make([]byte, compactIPv4Size)
	copy(buf[:sha1.Size], n.ID[:])
	ip4 := n.Addr.Addr().As4()
	copy(buf[sha1.Size:sha1.Size+4], ip4[:])
	binary.BigEndian.PutUint16(buf[sha1.Size+4:], n.Addr.Port())
	return buf
}

// CompactNodeInfo6 encodes the node's IPv6 endpoint (BEP 32 "nodes6") as a
// 38-byte entry, or nil if it has none.
func (n *Node) CompactNodeInfo6() []byte {
	if !n.Addr6.IsValid() {
		return nil
	}

	buf := make([]byte, compactIPv6Size)
	copy(buf[:sha1.Size], n.ID[:])
	ip6 := n.Addr6.Addr().As16()
	copy(buf[sha1.Size:sha1.Size+16], ip6[:])
	binary.BigEndian.PutUint16(buf[sha1.Size+16:], n.Addr6.Port())
	return buf
}

func DecodeCompactNodeInfo(data []byte) *Node {
	if len(data) != compactIPv4Size {
		return nil
	}

	var id [sha1.Size]byte
	copy(id[:], data[:sha1.Size])

	var ip4 [4]byte
	copy(ip4[:], data[sha1.Size:sha1.Size+4])
	port := binary.BigEndian.Uint16(data[sha1.Size+4:])

	return &Node{ID: id, Addr: netip.AddrPortFrom(netip.AddrFrom4(ip4), port)}
}

func DecodeCompactNodeInfoList(data []byte) []*Node {
	if len(data)%compactIPv4Size != 0 {
		return nil
	}

	count := len(data) / compactIPv4Size
	nodes := make([]*Node, 0, count)
	for i := 0; i < count; i++ {
		off := i * compactIPv4Size
		if node := DecodeCompactNodeInfo(data[off : off+compactIPv4Size]); node != nil {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

func DecodeCompactNodeInfo6(data []byte) *Node {
	if len(data) != compactIPv6Size {
		return nil
	}

	var id [sha1.Size]byte
	copy(id[:], data[:sha1.Size])

	var ip6 [16]byte
	copy(ip6[:], data[sha1.Size:sha1.Size+16])
	port := binary.BigEndian.Uint16(data[sha1.Size+16:])

	return &Node{ID: id, Addr6: netip.AddrPortFrom(netip.AddrFrom16(ip6), port)}
}

func DecodeCompactNodeInfo6List(data []byte) []*Node {
	if len(data)%compactIPv6Size != 0 {
		return nil
	}

	count := len(data) / compactIPv6Size
	nodes := make([]*Node, 0, count)
	for i := 0; i < count; i++ {
		off := i * compactIPv6Size
		if node := DecodeCompactNodeInfo6(data[off : off+compactIPv6Size]); node != nil {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

func (n *Node) UDPAddr() *net.UDPAddr {
	if !n.Addr.IsValid() {
		return &net.UDPAddr{IP: n.Addr6.Addr().AsSlice(), Port: int(n.Addr6.Port())}
	}
	return &net.UDPAddr{IP: n.Addr.Addr().AsSlice(), Port: int(n.Addr.Port())}
}

func (n *Node) String() string {
	if n.Addr.IsValid() {
		return n.Addr.String()
	}
	return n.Addr6.String()
}

func randNodeID() [sha1.Size]byte {
	var nodeID [sha1.Size]byte
	if _, err := rand.Read(nodeID[:]); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return nodeID
}
