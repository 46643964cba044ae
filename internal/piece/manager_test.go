package piece

import (
	"crypto/sha1"
	"net/netip"
	"os"
	"testing"

	"github.com/prxssh/riptide/internal/bitfield"
	"github.com/prxssh/riptide/internal/config"
)

func setAllBits(bf bitfield.Bitfield, n int) {
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
}

func testHashes(t *testing.T, contents [][]byte) [][sha1.Size]byte {
	t.Helper()
	hashes := make([][sha1.Size]byte, len(contents))
	for i, c := range contents {
		hashes[i] = sha1.Sum(c)
	}
	return hashes
}

func newTestManager(t *testing.T, pieceData [][]byte) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()

	var total int64
	for _, p := range pieceData {
		total += int64(len(p))
	}
	pieceLen := int64(len(pieceData[0]))

	store, err := NewStore(dir, "test-torrent", [][]string{{"file.bin"}}, []int64{total}, pieceLen)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	cfg := config.PieceConfig{
		Strategy:                   config.PieceDownloadStrategyRarestFirst,
		MaxInflightRequestsPerPeer: 16,
		EndgameDupPerBlock:         2,
		EndgameThreshold:           0,
		MaxRequestsPerPiece:        16,
	}

	hashes := testHashes(t, pieceData)
	m := NewManager(cfg, total, pieceLen, hashes, 8, store, nil)
	return m, dir
}

func peerAddr(port int) netip.AddrPort {
	return netip.MustParseAddrPort("127.0.0.1:" + itoa(port))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestHandlePieceBlockVerifiesAndMarksBitfield(t *testing.T) {
	piece0 := make([]byte, BlockLength*2)
	for i := range piece0 {
		piece0[i] = byte(i)
	}
	m, _ := newTestManager(t, [][]byte{piece0})
	defer m.Close()

	peer := peerAddr(1)
	bf := m.Bitfield()
	setAllBits(bf, len(m.pieces))

	reqs := m.SelectNextRequests(peer, bf, true, 16)
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2 blocks", len(reqs))
	}

	for _, r := range reqs {
		block := piece0[r.Begin : r.Begin+r.Length]
		complete, _, err := m.HandlePieceBlock(peer, r.Piece, r.Begin, block)
		if err != nil {
			t.Fatalf("HandlePieceBlock: %v", err)
		}
		_ = complete
	}

	if !m.Bitfield().Has(0) {
		t.Fatalf("expected piece 0 verified in bitfield")
	}

	done, total := m.GetDownloadProgress()
	if done != 1 || total != 1 {
		t.Fatalf("progress = %d/%d, want 1/1", done, total)
	}
}

func TestHandlePieceBlockHashMismatchRequeues(t *testing.T) {
	piece0 := make([]byte, BlockLength)
	m, _ := newTestManager(t, [][]byte{piece0})
	defer m.Close()

	peer := peerAddr(1)
	bf := m.Bitfield()
	setAllBits(bf, len(m.pieces))

	reqs := m.SelectNextRequests(peer, bf, true, 16)
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}

	bogus := make([]byte, BlockLength)
	bogus[0] = 0xFF
	complete, _, err := m.HandlePieceBlock(peer, reqs[0].Piece, reqs[0].Begin, bogus)
	if err != nil {
		t.Fatalf("HandlePieceBlock: %v", err)
	}
	if complete {
		t.Fatalf("expected complete=false on hash mismatch; HAVE must not broadcast for an unverified piece")
	}

	if m.Bitfield().Has(0) {
		t.Fatalf("piece should not verify with wrong data")
	}
	states := m.PieceStates()
	if states[0].Status != PieceMissing {
		t.Fatalf("status = %v, want PieceMissing after hash mismatch", states[0].Status)
	}
}

func TestRemovePeerReclaimsBlocks(t *testing.T) {
	piece0 := make([]byte, BlockLength*2)
	m, _ := newTestManager(t, [][]byte{piece0})
	defer m.Close()

	peer := peerAddr(1)
	bf := m.Bitfield()
	setAllBits(bf, len(m.pieces))

	reqs := m.SelectNextRequests(peer, bf, true, 1)
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}

	m.RemovePeer(peer, bf)

	reqs2 := m.SelectNextRequests(peerAddr(2), bf, true, 16)
	if len(reqs2) != 2 {
		t.Fatalf("after peer removal, got %d requests, want 2 (both blocks reclaimed)", len(reqs2))
	}
}

func TestSelectNextRequestsRespectsChoke(t *testing.T) {
	piece0 := make([]byte, BlockLength)
	m, _ := newTestManager(t, [][]byte{piece0})
	defer m.Close()

	bf := m.Bitfield()
	setAllBits(bf, len(m.pieces))

	if reqs := m.SelectNextRequests(peerAddr(1), bf, false, 16); reqs != nil {
		t.Fatalf("expected nil requests while choked, got %v", reqs)
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
