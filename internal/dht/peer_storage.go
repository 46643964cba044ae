package dht

import (
	"crypto/sha1"
	"encoding/binary"
	"net/netip"
	"sync"
	"time"
)

const (
	MaxPeersPerTorrent = 2000
	MaxTorrents        = 10000
	PeerExpiration     = 2 * time.Hour
)

// PeerStorage is the BEP 5 get_peers/announce_peer table: per-info-hash
// sets of compact peer entries, bounded and TTL-expired. This is distinct
// from the BEP 44/51 arbitrary-value Store, which persists to disk.
type PeerStorage struct {
	data map[[sha1.Size]byte]*torrentPeers
	mu   sync.RWMutex
}

type torrentPeers struct {
	peers    map[string]*peerEntry
	lastUsed time.Time
}

type peerEntry struct {
	info     [6]byte // compact peer info: 4-byte IPv4 + 2-byte port
	lastSeen time.Time
}

func NewPeerStorage() *PeerStorage {
	return &PeerStorage{data: make(map[[sha1.Size]byte]*torrentPeers)}
}

func (s *PeerStorage) StorePeer(infoHash [sha1.Size]byte, peerInfo [6]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tp, exists := s.data[infoHash]
	if !exists {
		if len(s.data) >= MaxTorrents {
			s.evictOldestTorrent()
		}
		tp = &torrentPeers{peers: make(map[string]*peerEntry), lastUsed: time.Now()}
		s.data[infoHash] = tp
	}
	tp.lastUsed = time.Now()

	key := string(peerInfo[:])
	if len(tp.peers) >= MaxPeersPerTorrent {
		if _, exists := tp.peers[key]; !exists {
			return
		}
	}
	tp.peers[key] = &peerEntry{info: peerInfo, lastSeen: time.Now()}
}

func (s *PeerStorage) GetPeers(infoHash [sha1.Size]byte) [][6]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tp, exists := s.data[infoHash]
	if !exists {
		return nil
	}

	peers := make([][6]byte, 0, len(tp.peers))
	for _, entry := range tp.peers {
		peers = append(peers, entry.info)
	}
	return peers
}

// Sweep drops peer entries older than PeerExpiration and any torrent left
// with no peers. Called periodically from a background loop rather than
// at query time.
func (s *PeerStorage) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for infoHash, tp := range s.data {
		for key, entry := range tp.peers {
			if now.Sub(entry.lastSeen) > PeerExpiration {
				delete(tp.peers, key)
			}
		}
		if len(tp.peers) == 0 {
			delete(s.data, infoHash)
		}
	}
}

func (s *PeerStorage) evictOldestTorrent() {
	var oldestHash [sha1.Size]byte
	var oldestTime time.Time
	first := true

	for hash, tp := range s.data {
		if first || tp.lastUsed.Before(oldestTime) {
			oldestHash, oldestTime, first = hash, tp.lastUsed, false
		}
	}
	delete(s.data, oldestHash)
}

func EncodePeerInfo(addr netip.AddrPort) [6]byte {
	var info [6]byte
	if !addr.Addr().Is4() {
		return info
	}
	ip4 := addr.Addr().As4()
	copy(info[:4], ip4[:])
	binary.BigEndian.PutUint16(info[4:6], addr.Port())
	return info
}

func DecodePeerInfo(info [6]byte) netip.AddrPort {
	addr := netip.AddrFrom4([4]byte{info[0], info[1], info[2], info[3]})
	port := binary.BigEndian.Uint16(info[4:6])
	return netip.AddrPortFrom(addr, port)
}
