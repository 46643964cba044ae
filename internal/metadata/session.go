package metadata

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/riptide/internal/bencode"
	"github.com/prxssh/riptide/internal/bitfield"
	"github.com/prxssh/riptide/internal/meta"
	"github.com/prxssh/riptide/internal/peer"
)

// handshakeTimeout bounds how long we wait for a peer's extended handshake
// after sending ours.
const handshakeTimeout = 15 * time.Second

// pipelineWindow is the number of outstanding piece requests kept in flight
// to one peer at a time.
const pipelineWindow = 4

// requestRetryInterval is how long we wait for a piece before re-requesting
// it from the same peer.
const requestRetryInterval = 10 * time.Second

type dataMsg struct {
	piece int
	data  []byte
}

// session drives one peer connection through the BEP 9 exchange: handshake,
// pipelined piece requests, reassembly.
type session struct {
	addr netip.AddrPort
	p    *peer.Peer

	mu            sync.Mutex
	remoteUTID    uint8
	gotHandshake  bool
	metadataSize  int
	handshakeOnce chan struct{}

	dataCh chan dataMsg
	errCh  chan error
}

func newSession(addr netip.AddrPort) *session {
	return &session{
		addr:          addr,
		handshakeOnce: make(chan struct{}, 1),
		dataCh:        make(chan dataMsg, pipelineWindow*2),
		errCh:         make(chan error, 1),
	}
}

func (s *session) onExtended(_ netip.AddrPort, extID uint8, payload []byte) {
	if extID == handshakeExtID {
		s.handleHandshake(payload)
		return
	}
	if extID != ourExtensionID {
		return // some other extension (PEX, ...); not our concern here
	}
	s.handleMetadataMessage(payload)
}

func (s *session) handleHandshake(payload []byte) {
	v, err := bencode.Unmarshal(payload)
	if err != nil {
		s.fail(fmt.Errorf("metadata: malformed handshake: %w", err))
		return
	}
	dict, ok := v.(map[string]any)
	if !ok {
		s.fail(errors.New("metadata: handshake not a dict"))
		return
	}

	m, ok := dict["m"].(map[string]any)
	if !ok {
		s.fail(ErrNoUTMetadata)
		return
	}
	idVal, ok := m["ut_metadata"].(int64)
	if !ok || idVal <= 0 || idVal > 255 {
		s.fail(ErrNoUTMetadata)
		return
	}

	size, _ := dict["metadata_size"].(int64)
	if size <= 0 {
		s.fail(errors.New("metadata: handshake missing metadata_size"))
		return
	}

	s.mu.Lock()
	s.remoteUTID = uint8(idVal)
	s.metadataSize = int(size)
	s.gotHandshake = true
	s.mu.Unlock()

	select {
	case s.handshakeOnce <- struct{}{}:
	default:
	}
}

func (s *session) handleMetadataMessage(payload []byte) {
	v, consumed, err := bencode.DecodePrefix(payload)
	if err != nil {
		s.fail(fmt.Errorf("metadata: malformed piece message: %w", err))
		return
	}
	dict, ok := v.(map[string]any)
	if !ok {
		s.fail(errors.New("metadata: piece message not a dict"))
		return
	}

	msgType, _ := dict["msg_type"].(int64)
	piece, _ := dict["piece"].(int64)

	switch msgType {
	case msgTypeData:
		raw := payload[consumed:]
		select {
		case s.dataCh <- dataMsg{piece: int(piece), data: raw}:
		default:
			s.fail(errors.New("metadata: data channel full"))
		}
	case msgTypeReject:
		s.fail(fmt.Errorf("metadata: peer rejected piece %d", piece))
	default:
		// a request from a peer that also wants our (nonexistent) copy;
		// we never have data to serve during an active fetch, ignore it.
	}
}

func (s *session) fail(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

// fetchFromPeer runs the full BEP 9 exchange against a single candidate
// peer: dial, extended handshake, pipelined piece fetch, reassembly, and
// info-hash verification.
func (f *Fetcher) fetchFromPeer(ctx context.Context, infoHash [sha1.Size]byte, addr netip.AddrPort) (*meta.Info, error) {
	s := newSession(addr)

	cb := peer.Callbacks{
		OnBitfield:   func(netip.AddrPort, bitfield.Bitfield) {}, // unused for metadata-only conns
		OnHave:       func(netip.AddrPort, int) {},
		OnPiece:      func(netip.AddrPort, int, int, []byte) {},
		OnRequest:    func(netip.AddrPort, int, int, int) {},
		OnCancel:     func(netip.AddrPort, int, int) {},
		OnDisconnect: func(netip.AddrPort) { s.fail(errors.New("metadata: peer disconnected")) },
		OnUnchoked:   func(netip.AddrPort) {},
		OnExtended:   s.onExtended,
	}

	p, err := peer.Dial(ctx, addr, infoHash, f.clientID, f.cfg, 0, cb, f.log)
	if err != nil {
		return nil, fmt.Errorf("metadata: dial %s: %w", addr, err)
	}
	s.p = p

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(runCtx) }()
	defer p.Close()

	handshake, err := bencode.Marshal(map[string]any{
		"m": map[string]any{"ut_metadata": int64(ourExtensionID)},
	})
	if err != nil {
		return nil, err
	}
	p.SendExtended(handshakeExtID, handshake)

	select {
	case <-s.handshakeOnce:
	case err := <-s.errCh:
		return nil, err
	case err := <-runErr:
		return nil, fmt.Errorf("metadata: connection ended during handshake: %w", err)
	case <-time.After(handshakeTimeout):
		return nil, fmt.Errorf("metadata: handshake timeout from %s", addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	size, remoteUTID := s.metadataSize, s.remoteUTID
	s.mu.Unlock()

	n := (size + blockSize - 1) / blockSize
	buf := make([]byte, size)
	received := make([]bool, n)
	remaining := n

	inflight := make(map[int]time.Time)
	requestPiece := func(i int) {
		reqBody, _ := bencode.Marshal(map[string]any{
			"msg_type": int64(msgTypeRequest),
			"piece":    int64(i),
		})
		p.SendExtended(remoteUTID, reqBody)
		inflight[i] = time.Now()
	}

	next := 0
	for next < n && len(inflight) < pipelineWindow {
		requestPiece(next)
		next++
	}

	ticker := time.NewTicker(requestRetryInterval)
	defer ticker.Stop()

	for remaining > 0 {
		select {
		case dm := <-s.dataCh:
			if dm.piece < 0 || dm.piece >= n || received[dm.piece] {
				continue
			}
			off := dm.piece * blockSize
			want := blockSize
			if dm.piece == n-1 {
				want = size - off
			}
			if len(dm.data) < want {
				return nil, fmt.Errorf("metadata: piece %d short: got %d want %d", dm.piece, len(dm.data), want)
			}
			copy(buf[off:off+want], dm.data[:want])
			received[dm.piece] = true
			remaining--
			delete(inflight, dm.piece)

			if next < n {
				requestPiece(next)
				next++
			}

		case err := <-s.errCh:
			return nil, err
		case err := <-runErr:
			return nil, fmt.Errorf("metadata: connection ended: %w", err)
		case <-ticker.C:
			now := time.Now()
			for i, sentAt := range inflight {
				if now.Sub(sentAt) > requestRetryInterval {
					requestPiece(i)
				}
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	info, gotHash, err := meta.ParseInfoBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("metadata: parse assembled info: %w", err)
	}
	if gotHash != infoHash {
		return nil, ErrInfoHashMismatch
	}
	return info, nil
}
