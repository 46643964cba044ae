package piece

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/riptide/internal/availability"
	"github.com/prxssh/riptide/internal/bitfield"
	"github.com/prxssh/riptide/internal/config"
	"github.com/prxssh/riptide/internal/eventbus"
)

// Manager is the single authority for piece/block selection and lifecycle
// for one torrent: it decides what to request next, tracks what's in
// flight, verifies completed pieces against their SHA-1, and hands verified
// bytes to the Store.
//
// Its mutex protects only the in-memory piece/block/peer bookkeeping below;
// it is always released before any channel send or disk I/O, so no caller
// can block while holding it.
type Manager struct {
	cfg         config.PieceConfig
	pieceLength int64
	torrentSize int64

	mu           sync.Mutex
	pieces       []*pieceState
	availability *availability.Bucket
	bitfield     bitfield.Bitfield

	peerBlocks    map[netip.AddrPort]map[uint64]struct{}
	peerInflight  map[netip.AddrPort]int
	remainingReqs int
	endgame       bool

	store  *Store
	log    *slog.Logger
	events *eventbus.Bus
}

// SetEventBus wires bus as the destination for piece_verified and
// piece_failed_verification events. Optional: a Manager with no bus just
// doesn't publish.
func (m *Manager) SetEventBus(bus *eventbus.Bus) {
	m.events = bus
}

// NewManager builds a Manager for a torrent with the given piece hashes,
// backed by store for verified writes/reads.
func NewManager(
	cfg config.PieceConfig,
	torrentSize, pieceLength int64,
	hashes [][sha1.Size]byte,
	maxPeers int,
	store *Store,
	log *slog.Logger,
) *Manager {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "piece_manager")

	n := len(hashes)
	pieces := make([]*pieceState, n)
	for i := 0; i < n; i++ {
		plen, _ := LengthAt(i, torrentSize, pieceLength)
		pieces[i] = newPieceState(i, plen, i == n-1, hashes[i])
	}

	log.Info("piece manager initialized", "pieces", n, "piece_length", pieceLength, "total_size", torrentSize)

	return &Manager{
		cfg:          cfg,
		pieceLength:  pieceLength,
		torrentSize:  torrentSize,
		pieces:       pieces,
		availability: availability.NewBucket(n, max(1, maxPeers)),
		bitfield:     bitfield.New(n),
		peerBlocks:   make(map[netip.AddrPort]map[uint64]struct{}),
		peerInflight: make(map[netip.AddrPort]int),
		store:        store,
		log:          log,
	}
}

// RequestTimeout returns the configured per-block request timeout, used by
// callers that scan for stalled requests.
func (m *Manager) RequestTimeout() time.Duration { return m.cfg.RequestTimeout }

func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

// Bitfield returns the set of pieces verified so far.
func (m *Manager) Bitfield() bitfield.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bitfield.Clone()
}

// RegisterPeerBitfield bumps availability for every piece bf advertises,
// called once after a peer's initial bitfield/have-all message.
func (m *Manager) RegisterPeerBitfield(bf bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.pieces {
		if bf.Has(i) {
			m.availability.Move(i, 1)
		}
	}
}

// RecordPeerHave bumps availability for a single piece announced via HAVE.
func (m *Manager) RecordPeerHave(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.pieces) {
		return
	}
	m.availability.Move(index, 1)
}

// RemovePeer drops availability contributed by bf and reclaims any blocks
// peer was holding in flight, moving owner-less blocks back to MISSING.
func (m *Manager) RemovePeer(peer netip.AddrPort, bf bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.pieces {
		if bf.Has(i) {
			m.availability.Move(i, -1)
		}
	}

	keys := m.peerBlocks[peer]
	for key := range keys {
		pieceIdx, blockIdx := unpackKey(key)
		if pieceIdx < 0 || pieceIdx >= len(m.pieces) {
			continue
		}
		ps := m.pieces[pieceIdx]
		if blockIdx < 0 || blockIdx >= ps.blockCount {
			continue
		}
		delete(ps.blocks[blockIdx].owners, peer)
		if ps.blocks[blockIdx].status == blockDownloading && len(ps.blocks[blockIdx].owners) == 0 {
			ps.blocks[blockIdx].status = blockMissing
		}
	}
	delete(m.peerBlocks, peer)
	delete(m.peerInflight, peer)
}

// CancelRequest reclaims a single in-flight block owned by peer, e.g. on an
// explicit cancel or connection teardown for one block only.
func (m *Manager) CancelRequest(peer netip.AddrPort, pieceIdx, begin int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaimLocked(peer, pieceIdx, begin)
}

func (m *Manager) reclaimLocked(peer netip.AddrPort, pieceIdx, begin int) {
	if pieceIdx < 0 || pieceIdx >= len(m.pieces) {
		return
	}
	ps := m.pieces[pieceIdx]
	bi := BlockIndexForBegin(begin, ps.length, BlockLength)
	if bi < 0 || bi >= ps.blockCount {
		return
	}
	if _, had := ps.blocks[bi].owners[peer]; !had {
		return
	}
	delete(ps.blocks[bi].owners, peer)
	delete(m.peerBlocks[peer], packKey(pieceIdx, bi))
	m.peerInflight[peer]--
	if m.peerInflight[peer] < 0 {
		m.peerInflight[peer] = 0
	}
	if ps.blocks[bi].status == blockDownloading && len(ps.blocks[bi].owners) == 0 {
		ps.blocks[bi].status = blockMissing
	}
}

// ScanTimedOutBlocks reclaims every in-flight block whose owner sent the
// request more than timeout ago, returning the reclaimed set for logging.
func (m *Manager) ScanTimedOutBlocks(deadline func(sentAt int64) bool) []TimedOut {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []TimedOut
	for _, ps := range m.pieces {
		for bi := range ps.blocks {
			blk := &ps.blocks[bi]
			if blk.status != blockDownloading {
				continue
			}
			for peer, meta := range blk.owners {
				if deadline(meta.sentAt.UnixNano()) {
					out = append(out, TimedOut{Peer: peer, Piece: ps.index, Begin: bi * BlockLength})
				}
			}
		}
	}
	for _, to := range out {
		m.reclaimLocked(to.Peer, to.Piece, to.Begin)
	}
	return out
}

// GetMissingPieces returns the indices of every piece not yet verified.
func (m *Manager) GetMissingPieces() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []int
	for _, ps := range m.pieces {
		if ps.status != PieceVerified {
			out = append(out, ps.index)
		}
	}
	return out
}

// GetDownloadProgress returns (verified piece count, total piece count).
func (m *Manager) GetDownloadProgress() (done, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ps := range m.pieces {
		if ps.status == PieceVerified {
			done++
		}
	}
	return done, len(m.pieces)
}

// PieceStates returns a snapshot of every piece's lifecycle state.
func (m *Manager) PieceStates() []PieceState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PieceState, len(m.pieces))
	for i, ps := range m.pieces {
		out[i] = PieceState{Index: ps.index, Status: ps.status}
	}
	return out
}

// RestoreVerified marks every piece in indices as PieceVerified without
// re-running SHA-1, and sets the corresponding bitfield bits. Used by
// checkpoint resume after the caller has already confirmed (via the
// Assembler) that the underlying file bytes are intact; an index outside
// range is ignored.
func (m *Manager) RestoreVerified(indices []int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, idx := range indices {
		if idx < 0 || idx >= len(m.pieces) {
			continue
		}
		ps := m.pieces[idx]
		ps.status = PieceVerified
		ps.doneBlocks = ps.blockCount
		for i := range ps.blocks {
			ps.blocks[i].status = blockComplete
		}
		m.bitfield.Set(idx)
	}
}

// HasAnyWantedPiece reports whether bf advertises at least one piece this
// manager still wants.
func (m *Manager) HasAnyWantedPiece(bf bitfield.Bitfield) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ps := range m.pieces {
		if ps.status == PieceVerified || !bf.Has(ps.index) {
			continue
		}
		for i := range ps.blocks {
			if ps.blocks[i].status == blockMissing {
				return true
			}
		}
	}
	return false
}

// HandlePieceBlock records a received block, and if it completes the piece,
// verifies the SHA-1 and flushes it to disk. cancels lists any duplicate
// (endgame) in-flight requests for the same block the caller should cancel.
func (m *Manager) HandlePieceBlock(peer netip.AddrPort, pieceIdx, begin int, data []byte) (complete bool, cancels []Cancel, err error) {
	m.mu.Lock()
	if pieceIdx < 0 || pieceIdx >= len(m.pieces) {
		m.mu.Unlock()
		return false, nil, fmt.Errorf("piece: index out of range: %d", pieceIdx)
	}
	ps := m.pieces[pieceIdx]
	bi := BlockIndexForBegin(begin, ps.length, BlockLength)
	if bi < 0 || bi >= ps.blockCount {
		m.mu.Unlock()
		return false, nil, fmt.Errorf("piece: block out of range: piece=%d begin=%d", pieceIdx, begin)
	}

	owners := ps.blocks[bi].owners
	freedSelf := false
	for owner := range owners {
		if owner != peer {
			cancels = append(cancels, Cancel{Peer: owner, Piece: pieceIdx, Begin: begin})
		} else {
			freedSelf = true
		}
		delete(m.peerBlocks[owner], packKey(pieceIdx, bi))
		m.peerInflight[owner]--
		if m.peerInflight[owner] < 0 {
			m.peerInflight[owner] = 0
		}
	}

	dec := len(owners)
	if !freedSelf {
		dec++
		delete(m.peerBlocks[peer], packKey(pieceIdx, bi))
		m.peerInflight[peer]--
		if m.peerInflight[peer] < 0 {
			m.peerInflight[peer] = 0
		}
	}
	m.remainingReqs -= dec
	if m.remainingReqs < 0 {
		m.remainingReqs = 0
	}

	ps.blocks[bi].owners = make(map[netip.AddrPort]ownerMeta)
	ps.blocks[bi].pending = 0
	if ps.blocks[bi].status != blockComplete {
		ps.blocks[bi].status = blockComplete
		ps.doneBlocks++
	}
	if ps.status == PieceMissing {
		ps.status = PieceDownloading
	}
	pieceComplete := ps.doneBlocks == ps.blockCount
	if pieceComplete {
		ps.status = PieceComplete
	}
	m.mu.Unlock()

	m.store.BufferBlock(data, BlockInfo{
		PieceIndex:  pieceIdx,
		BlockIndex:  bi,
		PieceLength: ps.length,
		BlockLength: BlockLength,
	})

	if !pieceComplete {
		return false, cancels, nil
	}

	ok, err := m.store.FlushPiece(pieceIdx, ps.sha)
	if err != nil {
		m.log.Error("piece flush failed", "piece", pieceIdx, "error", err)
		return true, cancels, err
	}

	m.mu.Lock()
	if ok {
		ps.status = PieceVerified
		m.bitfield.Set(pieceIdx)
		m.log.Info("piece verified", "piece", pieceIdx, "peer", peer.String())
	} else {
		m.log.Warn("piece verification failed, re-queuing", "piece", pieceIdx, "peer", peer.String())
		for i := range ps.blocks {
			ps.blocks[i].status = blockMissing
			ps.blocks[i].owners = make(map[netip.AddrPort]ownerMeta)
		}
		ps.doneBlocks = 0
		ps.status = PieceMissing
	}
	remaining := m.countRemainingLocked()
	m.endgame = m.cfg.EndgameThreshold > 0 && remaining > 0 && remaining <= m.cfg.EndgameThreshold
	m.mu.Unlock()

	// complete must report whether the piece actually verified, not merely
	// that every block arrived: a hash mismatch resets the piece to
	// PieceMissing above and must not cause the caller to broadcast HAVE.
	if m.events != nil {
		if ok {
			m.events.Publish(eventbus.PieceVerified, eventbus.PieceVerifiedPayload{Piece: pieceIdx, Peer: peer})
		} else {
			m.events.Publish(eventbus.PieceFailedVerification, eventbus.PieceFailedVerificationPayload{Piece: pieceIdx, Peer: peer})
		}
	}

	return ok, cancels, nil
}

func (m *Manager) countRemainingLocked() int {
	n := 0
	for _, ps := range m.pieces {
		if ps.status == PieceVerified {
			continue
		}
		for i := range ps.blocks {
			if ps.blocks[i].status != blockComplete {
				n++
			}
		}
	}
	return n
}

func unpackKey(key uint64) (pieceIdx, blockIdx int) {
	return int(int32(uint32(key >> 32))), int(int32(uint32(key)))
}
