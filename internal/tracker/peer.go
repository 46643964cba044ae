package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	strideV4 = 6  // 4 bytes IP + 2 bytes port
	strideV6 = 18 // 16 bytes IP + 2 bytes port

	ipBytesV4 = 4
	ipBytesV6 = 16
)

// decodePeers handles both BEP 23 compact peer strings and the older
// non-compact list-of-dicts form.
func decodePeers(v any, ipv6 bool) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return decodeCompact([]byte(t), ipv6)
	case []byte:
		return decodeCompact(t, ipv6)
	case []any:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("tracker: invalid peers type %T", v)
	}
}

func decodeCompact(data []byte, ipv6 bool) ([]netip.AddrPort, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if ipv6 {
		return decodeCompactPeers(data, strideV6, func(chunk []byte) netip.AddrPort {
			var a16 [16]byte
			copy(a16[:], chunk[:16])
			return netip.AddrPortFrom(netip.AddrFrom16(a16), binary.BigEndian.Uint16(chunk[16:18]))
		})
	}
	return decodeCompactPeers(data, strideV4, func(chunk []byte) netip.AddrPort {
		a := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
		return netip.AddrPortFrom(a, binary.BigEndian.Uint16(chunk[4:6]))
	})
}

func decodeCompactPeers(data []byte, stride int, decode func([]byte) netip.AddrPort) ([]netip.AddrPort, error) {
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("tracker: malformed compact peers, len=%d stride=%d", len(data), stride)
	}

	n := len(data) / stride
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+stride {
		out[i] = decode(data[off : off+stride])
	}
	return out, nil
}

func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tracker: peer[%d] not a dict", i)
		}

		var addr netip.Addr
		switch ip := m["ip"].(type) {
		case string:
			a, err := netip.ParseAddr(ip)
			if err != nil {
				return nil, fmt.Errorf("tracker: peer[%d]: bad ip %q: %w", i, ip, err)
			}
			addr = a
		case []byte:
			switch len(ip) {
			case ipBytesV4:
				addr = netip.AddrFrom4([4]byte{ip[0], ip[1], ip[2], ip[3]})
			case ipBytesV6:
				var a16 [16]byte
				copy(a16[:], ip)
				addr = netip.AddrFrom16(a16)
			default:
				return nil, fmt.Errorf("tracker: peer[%d]: bad ip byte length %d", i, len(ip))
			}
		default:
			return nil, fmt.Errorf("tracker: peer[%d]: unsupported ip type %T", i, m["ip"])
		}

		port, err := toInt64(m["port"])
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("tracker: peer[%d]: invalid port %v", i, m["port"])
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(port)))
	}

	return peers, nil
}
