package piece

import (
	"math/rand"
	"net/netip"
	"time"

	"github.com/prxssh/riptide/internal/bitfield"
	"github.com/prxssh/riptide/internal/config"
)

var selectionRNG = rand.New(rand.NewSource(time.Now().UnixNano()))

// SetPriority biases index above pieces of default priority, regardless of
// the configured download strategy; selection always considers
// higher-priority eligible pieces before falling through to priority 0,
// endgame duplication, and then the configured base strategy.
func (m *Manager) SetPriority(index, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.pieces) {
		return
	}
	m.pieces[index].priority = priority
}

// SelectNextRequests chooses up to limit block requests for peer, given its
// advertised bitfield and choke state. Selection order is: priority pieces
// first, then (once remaining blocks drop to EndgameThreshold) duplicate
// assignment of any still-missing block, then the configured base strategy
// (rarest-first, sequential, or random).
func (m *Manager) SelectNextRequests(peer netip.AddrPort, has bitfield.Bitfield, unchoked bool, limit int) []*Request {
	if !unchoked || limit <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	perPeerLeft := m.cfg.MaxInflightRequestsPerPeer - m.peerInflight[peer]
	if perPeerLeft <= 0 {
		return nil
	}
	if perPeerLeft < limit {
		limit = perPeerLeft
	}

	var reqs []*Request

	reqs = append(reqs, m.selectPriorityLocked(peer, has, limit)...)
	if len(reqs) >= limit {
		return reqs[:limit]
	}
	remain := limit - len(reqs)

	if m.endgame {
		reqs = append(reqs, m.selectEndgameLocked(peer, has, remain)...)
		if len(reqs) >= limit {
			return reqs[:limit]
		}
		remain = limit - len(reqs)
	}

	switch m.cfg.Strategy {
	case config.PieceDownloadStrategySequential:
		reqs = append(reqs, m.selectSequentialLocked(peer, has, remain)...)
	case config.PieceDownloadStrategyRandom:
		reqs = append(reqs, m.selectRandomLocked(peer, has, remain)...)
	default:
		reqs = append(reqs, m.selectRarestFirstLocked(peer, has, remain)...)
	}

	return reqs
}

func (m *Manager) eligible(ps *pieceState, has bitfield.Bitfield) bool {
	return ps.status != PieceVerified && ps.status != PieceComplete && has.Has(ps.index)
}

func (m *Manager) selectPriorityLocked(peer netip.AddrPort, has bitfield.Bitfield, limit int) []*Request {
	var reqs []*Request
	for _, ps := range m.pieces {
		if len(reqs) >= limit {
			break
		}
		if ps.priority <= 0 || !m.eligible(ps, has) {
			continue
		}
		for bi := range ps.blocks {
			if len(reqs) >= limit {
				break
			}
			if ps.blocks[bi].status != blockMissing {
				continue
			}
			reqs = append(reqs, m.assignBlockLocked(peer, ps, bi))
		}
	}
	return reqs
}

// selectEndgameLocked duplicates requests for blocks that are still
// missing or already in flight (up to EndgameDupPerBlock owners), so the
// last few blocks of a torrent finish even if their current owner stalls.
func (m *Manager) selectEndgameLocked(peer netip.AddrPort, has bitfield.Bitfield, limit int) []*Request {
	var reqs []*Request
	for _, ps := range m.pieces {
		if len(reqs) >= limit {
			break
		}
		if !m.eligible(ps, has) {
			continue
		}
		for bi := range ps.blocks {
			if len(reqs) >= limit {
				break
			}
			blk := &ps.blocks[bi]
			if blk.status == blockComplete {
				continue
			}
			if _, already := blk.owners[peer]; already {
				continue
			}
			if len(blk.owners) >= m.cfg.EndgameDupPerBlock {
				continue
			}
			reqs = append(reqs, m.assignBlockLocked(peer, ps, bi))
		}
	}
	return reqs
}

func (m *Manager) selectRarestFirstLocked(peer netip.AddrPort, has bitfield.Bitfield, limit int) []*Request {
	var reqs []*Request

	maxLevel := m.availability.MaxLevel()
	for avail := 0; avail <= maxLevel && len(reqs) < limit; avail++ {
		bucket := m.availability.Bucket(avail)
		for _, idx := range bucket {
			if len(reqs) >= limit {
				break
			}
			ps := m.pieces[idx]
			if !m.eligible(ps, has) {
				continue
			}
			for bi := range ps.blocks {
				if len(reqs) >= limit {
					break
				}
				if ps.blocks[bi].status != blockMissing {
					continue
				}
				reqs = append(reqs, m.assignBlockLocked(peer, ps, bi))
			}
		}
	}
	return reqs
}

func (m *Manager) selectSequentialLocked(peer netip.AddrPort, has bitfield.Bitfield, limit int) []*Request {
	var reqs []*Request
	for _, ps := range m.pieces {
		if len(reqs) >= limit {
			break
		}
		if !m.eligible(ps, has) {
			continue
		}
		for bi := range ps.blocks {
			if len(reqs) >= limit {
				break
			}
			if ps.blocks[bi].status != blockMissing {
				continue
			}
			reqs = append(reqs, m.assignBlockLocked(peer, ps, bi))
		}
	}
	return reqs
}

func (m *Manager) selectRandomLocked(peer netip.AddrPort, has bitfield.Bitfield, limit int) []*Request {
	idxs := make([]int, 0, len(m.pieces))
	for _, ps := range m.pieces {
		if m.eligible(ps, has) {
			idxs = append(idxs, ps.index)
		}
	}
	selectionRNG.Shuffle(len(idxs), func(i, j int) { idxs[i], idxs[j] = idxs[j], idxs[i] })

	var reqs []*Request
	for _, idx := range idxs {
		if len(reqs) >= limit {
			break
		}
		ps := m.pieces[idx]
		for bi := range ps.blocks {
			if len(reqs) >= limit {
				break
			}
			if ps.blocks[bi].status != blockMissing {
				continue
			}
			reqs = append(reqs, m.assignBlockLocked(peer, ps, bi))
		}
	}
	return reqs
}

// assignBlockLocked marks (ps.index, blockIdx) in flight to peer and
// returns the concrete Request the caller sends on the wire.
func (m *Manager) assignBlockLocked(peer netip.AddrPort, ps *pieceState, blockIdx int) *Request {
	blk := &ps.blocks[blockIdx]
	begin, length, _ := BlockBounds(ps.length, blockIdx)

	blk.status = blockDownloading
	blk.pending++
	if blk.owners == nil {
		blk.owners = make(map[netip.AddrPort]ownerMeta)
	}
	blk.owners[peer] = ownerMeta{sentAt: time.Now()}

	key := packKey(ps.index, blockIdx)
	if m.peerBlocks[peer] == nil {
		m.peerBlocks[peer] = make(map[uint64]struct{})
	}
	m.peerBlocks[peer][key] = struct{}{}
	m.peerInflight[peer]++
	m.remainingReqs++

	return &Request{Peer: peer, Piece: ps.index, Begin: begin, Length: length}
}
