package dht

import (
	"crypto/sha1"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeerStorageRoundTrip(t *testing.T) {
	require := require.New(t)

	ps := NewPeerStorage()

	var infoHash [sha1.Size]byte
	infoHash[0] = 7

	addr := netip.MustParseAddrPort("198.51.100.4:51413")
	ps.StorePeer(infoHash, EncodePeerInfo(addr))

	peers := ps.GetPeers(infoHash)
	require.Len(peers, 1)
	require.Equal(addr, DecodePeerInfo(peers[0]))
}

func TestPeerStorageSweepExpiresStaleEntries(t *testing.T) {
	require := require.New(t)

	ps := NewPeerStorage()

	var infoHash [sha1.Size]byte
	infoHash[0] = 9
	addr := netip.MustParseAddrPort("198.51.100.9:6881")
	ps.StorePeer(infoHash, EncodePeerInfo(addr))

	ps.mu.Lock()
	for _, entry := range ps.data[infoHash].peers {
		entry.lastSeen = time.Now().Add(-3 * time.Hour)
	}
	ps.mu.Unlock()

	ps.Sweep()

	require.Empty(ps.GetPeers(infoHash), "expected sweep to expire stale entry")
}

func TestEncodeDecodePeerInfo(t *testing.T) {
	require := require.New(t)

	addr := netip.MustParseAddrPort("192.0.2.10:443")
	info := EncodePeerInfo(addr)
	require.Equal(addr, DecodePeerInfo(info))
}
