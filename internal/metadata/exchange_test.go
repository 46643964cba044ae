package metadata

import (
	"context"
	"crypto/sha1"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prxssh/riptide/internal/bencode"
	"github.com/prxssh/riptide/internal/config"
	"github.com/prxssh/riptide/internal/protocol"
)

// fakePeer listens on a loopback port and answers a single BEP 9 metadata
// exchange for one piece of raw info-dict bytes, playing the role of the
// seeding side so fetchFromPeer can be exercised without a real swarm.
type fakePeer struct {
	ln       net.Listener
	infoBody []byte
}

func startFakePeer(t *testing.T, infoBody []byte) *fakePeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fp := &fakePeer{ln: ln, infoBody: infoBody}
	go fp.serveOne(t)
	return fp
}

func (fp *fakePeer) addr() netip.AddrPort {
	return netip.MustParseAddrPort(fp.ln.Addr().String())
}

func (fp *fakePeer) serveOne(t *testing.T) {
	conn, err := fp.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	remote, err := protocol.ReadHandshake(conn)
	if err != nil {
		t.Logf("fakePeer: read handshake: %v", err)
		return
	}
	reply := protocol.NewHandshake(remote.InfoHash, remote.PeerID)
	if err := protocol.WriteHandshake(conn, *reply); err != nil {
		t.Logf("fakePeer: write handshake: %v", err)
		return
	}

	// Expect the extended handshake first.
	msg, err := protocol.ReadMessage(conn)
	if err != nil || msg.ID != protocol.Extended {
		t.Logf("fakePeer: expected extended handshake, got %v %v", msg, err)
		return
	}
	_, payload, _ := msg.ParseExtended()
	v, err := bencode.Unmarshal(payload)
	if err != nil {
		t.Logf("fakePeer: bad handshake payload: %v", err)
		return
	}
	dict := v.(map[string]any)
	m := dict["m"].(map[string]any)
	theirUTID := uint8(m["ut_metadata"].(int64))

	ourHandshake, _ := bencode.Marshal(map[string]any{
		"m":             map[string]any{"ut_metadata": int64(2)},
		"metadata_size": int64(len(fp.infoBody)),
	})
	if err := protocol.WriteMessage(conn, protocol.MessageExtended(handshakeExtID, ourHandshake)); err != nil {
		t.Logf("fakePeer: write handshake reply: %v", err)
		return
	}

	n := (len(fp.infoBody) + blockSize - 1) / blockSize
	served := 0
	for served < n {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			t.Logf("fakePeer: read request: %v", err)
			return
		}
		if msg.ID != protocol.Extended {
			continue
		}
		_, payload, _ := msg.ParseExtended()
		v, _, err := bencode.DecodePrefix(payload)
		if err != nil {
			t.Logf("fakePeer: bad request: %v", err)
			return
		}
		req := v.(map[string]any)
		piece := int(req["piece"].(int64))

		off := piece * blockSize
		end := off + blockSize
		if end > len(fp.infoBody) {
			end = len(fp.infoBody)
		}

		header, _ := bencode.Marshal(map[string]any{
			"msg_type":   int64(msgTypeData),
			"piece":      int64(piece),
			"total_size": int64(len(fp.infoBody)),
		})
		out := append(header, fp.infoBody[off:end]...)
		if err := protocol.WriteMessage(conn, protocol.MessageExtended(theirUTID, out)); err != nil {
			t.Logf("fakePeer: write data: %v", err)
			return
		}
		served++
	}

	// keep the connection open briefly so the fetcher can finish reading
	time.Sleep(200 * time.Millisecond)
}

func testPeerConfig() config.PeerConfig {
	return config.PeerConfig{
		DialTimeout:              2 * time.Second,
		PeerOutboundQueueBacklog: 32,
	}
}

func TestFetchFromPeerRoundTrip(t *testing.T) {
	raw := []byte("d6:lengthi5e4:name4:test12:piece lengthi16384e6:pieces20:aaaaaaaaaaaaaaaaaaaae")
	hash := sha1.Sum(raw)

	fp := startFakePeer(t, raw)
	defer fp.ln.Close()

	f := NewFetcher(testPeerConfig(), [sha1.Size]byte{1, 2, 3}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := f.fetchFromPeer(ctx, hash, fp.addr())
	if err != nil {
		t.Fatalf("fetchFromPeer: %v", err)
	}
	if info.Name != "test" {
		t.Fatalf("info.Name = %q, want %q", info.Name, "test")
	}
}

func TestFetchFromPeerInfoHashMismatch(t *testing.T) {
	raw := []byte("d6:lengthi5e4:name4:test12:piece lengthi16384e6:pieces20:aaaaaaaaaaaaaaaaaaaae")
	wrongHash := sha1.Sum([]byte("not the same bytes"))

	fp := startFakePeer(t, raw)
	defer fp.ln.Close()

	f := NewFetcher(testPeerConfig(), [sha1.Size]byte{1, 2, 3}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := f.fetchFromPeer(ctx, wrongHash, fp.addr())
	if err != ErrInfoHashMismatch {
		t.Fatalf("err = %v, want %v", err, ErrInfoHashMismatch)
	}
}

func TestFetchMultiPeerFirstSuccessWins(t *testing.T) {
	raw := []byte("d6:lengthi9e4:name6:torrnt12:piece lengthi16384e6:pieces20:bbbbbbbbbbbbbbbbbbbbe")
	hash := sha1.Sum(raw)

	good := startFakePeer(t, raw)
	defer good.ln.Close()

	// A peer that never accepts; Fetch must still succeed via `good`.
	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer deadLn.Close()

	f := NewFetcher(testPeerConfig(), [sha1.Size]byte{9, 9, 9}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	candidates := []netip.AddrPort{
		netip.MustParseAddrPort(deadLn.Addr().String()),
		good.addr(),
	}
	info, err := f.Fetch(ctx, hash, candidates)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if info.Name != "torrnt" {
		t.Fatalf("info.Name = %q, want %q", info.Name, "torrnt")
	}
}

func TestFetchNoPeers(t *testing.T) {
	f := NewFetcher(testPeerConfig(), [sha1.Size]byte{}, nil)
	_, err := f.Fetch(context.Background(), [sha1.Size]byte{}, nil)
	if err != ErrNoPeers {
		t.Fatalf("err = %v, want %v", err, ErrNoPeers)
	}
}

func TestOrderByReliabilityPrefersProvenPeers(t *testing.T) {
	f := NewFetcher(testPeerConfig(), [sha1.Size]byte{}, nil)

	good := netip.MustParseAddrPort("127.0.0.1:1")
	bad := netip.MustParseAddrPort("127.0.0.1:2")
	unknown := netip.MustParseAddrPort("127.0.0.1:3")

	f.recordOutcome(good, true, time.Millisecond)
	f.recordOutcome(good, true, time.Millisecond)
	f.recordOutcome(bad, false, 0)
	f.recordOutcome(bad, false, 0)

	ordered := f.orderByReliability([]netip.AddrPort{bad, unknown, good})
	if ordered[0] != good {
		t.Fatalf("expected %v first, got %v", good, ordered[0])
	}
	if ordered[len(ordered)-1] != bad {
		t.Fatalf("expected %v last, got %v", bad, ordered[len(ordered)-1])
	}
}

func TestRecordOutcomeAccumulates(t *testing.T) {
	f := NewFetcher(testPeerConfig(), [sha1.Size]byte{}, nil)
	addr := netip.MustParseAddrPort("127.0.0.1:4")

	f.recordOutcome(addr, true, 10*time.Millisecond)
	f.recordOutcome(addr, false, 0)

	f.reliabilityMu.Lock()
	r := f.reliability[addr]
	f.reliabilityMu.Unlock()

	if r.Successes.Load() != 1 || r.Failures.Load() != 1 {
		t.Fatalf("got successes=%d failures=%d, want 1,1", r.Successes.Load(), r.Failures.Load())
	}
}
