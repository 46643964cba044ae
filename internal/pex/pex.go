// Package pex implements ut_pex, the informal BEP 10 extension (commonly
// identified as BEP 11) through which already-connected peers exchange
// compact peer lists for a torrent without going back to the tracker or
// DHT. It is, alongside ut_metadata, one of the two extensions the core is
// required to speak.
package pex

import (
	"encoding/binary"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/riptide/internal/bencode"
)

// ExtensionName is the key advertised in a BEP 10 extended handshake's "m"
// dict for this extension.
const ExtensionName = "ut_pex"

const (
	strideV4 = 6  // 4 bytes IP + 2 bytes port
	strideV6 = 18 // 16 bytes IP + 2 bytes port
)

// flag bits for the "added.f"/"added6.f" byte, per the informal spec.
const (
	flagPrefersEncryption byte = 1 << 0
	flagSeedOnly          byte = 1 << 1
)

// Manager tracks, per torrent, which peers have already been told about
// which addresses, and builds delta messages for ut_pex-capable peers:
// "added" since the last message to that peer, and "dropped" since then. It
// sends nothing itself; the caller sends what MessageFor returns. Incoming
// messages are decoded and handed to onPeers.
type Manager struct {
	log      *slog.Logger
	interval time.Duration
	onPeers  func(added []netip.AddrPort)

	mu      sync.Mutex
	current map[netip.AddrPort]struct{}
	sentTo  map[netip.AddrPort]map[netip.AddrPort]struct{}
}

// NewManager builds a Manager. onPeers is invoked (possibly concurrently,
// from whatever goroutine decodes an inbound message) with addresses learned
// from a peer's "added"/"added6" list; interval is the exchange period that
// the caller's maintenance loop reads through Interval (the manager does not
// run its own timer).
func NewManager(interval time.Duration, onPeers func(added []netip.AddrPort), log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Manager{
		log:      log.With("component", "pex"),
		interval: interval,
		onPeers:  onPeers,
		current:  make(map[netip.AddrPort]struct{}),
		sentTo:   make(map[netip.AddrPort]map[netip.AddrPort]struct{}),
	}
}

// Interval returns the configured exchange period.
func (m *Manager) Interval() time.Duration { return m.interval }

// SetSwarm replaces the manager's view of who's currently in the swarm.
// Call this before each round of MessageFor calls.
func (m *Manager) SetSwarm(peers []netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = make(map[netip.AddrPort]struct{}, len(peers))
	for _, p := range peers {
		m.current[p] = struct{}{}
	}
}

// MessageFor computes the added/dropped delta for recipient (a currently
// connected peer that supports ut_pex) relative to what it was last sent,
// and returns the bencoded ut_pex message payload to send it. Returns nil if
// there is nothing new to report.
func (m *Manager) MessageFor(recipient netip.AddrPort) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.sentTo[recipient]
	if !ok {
		prev = make(map[netip.AddrPort]struct{})
	}

	var added, dropped []netip.AddrPort
	for addr := range m.current {
		if addr == recipient {
			continue
		}
		if _, seen := prev[addr]; !seen {
			added = append(added, addr)
		}
	}
	for addr := range prev {
		if _, still := m.current[addr]; !still {
			dropped = append(dropped, addr)
		}
	}

	next := make(map[netip.AddrPort]struct{}, len(m.current))
	for addr := range m.current {
		if addr != recipient {
			next[addr] = struct{}{}
		}
	}
	m.sentTo[recipient] = next

	if len(added) == 0 && len(dropped) == 0 {
		return nil
	}

	msg := encodeMessage(added, dropped)
	b, err := bencode.Marshal(msg)
	if err != nil {
		m.log.Warn("encode ut_pex message failed", "error", err)
		return nil
	}
	return b
}

// HandleMessage decodes an inbound ut_pex payload and reports newly added
// peers via onPeers. Malformed payloads are logged and ignored.
func (m *Manager) HandleMessage(payload []byte) {
	v, err := bencode.Unmarshal(payload)
	if err != nil {
		m.log.Debug("malformed ut_pex message", "error", err)
		return
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return
	}

	var added []netip.AddrPort
	if raw, ok := dict["added"].(string); ok {
		added = append(added, decodeCompact([]byte(raw), strideV4, decodeV4)...)
	}
	if raw, ok := dict["added6"].(string); ok {
		added = append(added, decodeCompact([]byte(raw), strideV6, decodeV6)...)
	}

	if len(added) > 0 && m.onPeers != nil {
		m.onPeers(added)
	}
}

func encodeMessage(added, dropped []netip.AddrPort) map[string]any {
	var addedV4, addedV6, droppedV4, droppedV6 []byte
	var flagsV4, flagsV6 []byte

	for _, a := range added {
		if a.Addr().Is4() {
			addedV4 = append(addedV4, encodeV4(a)...)
			flagsV4 = append(flagsV4, 0)
		} else {
			addedV6 = append(addedV6, encodeV6(a)...)
			flagsV6 = append(flagsV6, 0)
		}
	}
	for _, a := range dropped {
		if a.Addr().Is4() {
			droppedV4 = append(droppedV4, encodeV4(a)...)
		} else {
			droppedV6 = append(droppedV6, encodeV6(a)...)
		}
	}

	msg := map[string]any{}
	if len(addedV4) > 0 {
		msg["added"] = string(addedV4)
		msg["added.f"] = string(flagsV4)
	}
	if len(addedV6) > 0 {
		msg["added6"] = string(addedV6)
		msg["added6.f"] = string(flagsV6)
	}
	if len(droppedV4) > 0 {
		msg["dropped"] = string(droppedV4)
	}
	if len(droppedV6) > 0 {
		msg["dropped6"] = string(droppedV6)
	}
	return msg
}

func encodeV4(a netip.AddrPort) []byte {
	buf := make([]byte, strideV4)
	ip4 := a.Addr().As4()
	copy(buf[:4], ip4[:])
	binary.BigEndian.PutUint16(buf[4:], a.Port())
	return buf
}

func encodeV6(a netip.AddrPort) []byte {
	buf := make([]byte, strideV6)
	ip16 := a.Addr().As16()
	copy(buf[:16], ip16[:])
	binary.BigEndian.PutUint16(buf[16:], a.Port())
	return buf
}

func decodeV4(chunk []byte) netip.AddrPort {
	a := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
	return netip.AddrPortFrom(a, binary.BigEndian.Uint16(chunk[4:6]))
}

func decodeV6(chunk []byte) netip.AddrPort {
	var a16 [16]byte
	copy(a16[:], chunk[:16])
	return netip.AddrPortFrom(netip.AddrFrom16(a16), binary.BigEndian.Uint16(chunk[16:18]))
}

func decodeCompact(data []byte, stride int, decode func([]byte) netip.AddrPort) []netip.AddrPort {
	if len(data)%stride != 0 {
		return nil
	}
	n := len(data) / stride
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+stride {
		out[i] = decode(data[off : off+stride])
	}
	return out
}
