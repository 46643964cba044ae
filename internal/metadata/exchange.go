// Package metadata implements the BEP 9 ut_metadata extension: fetching a
// torrent's info dictionary from peers when only a magnet link (info hash
// plus candidate peers) is available.
package metadata

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/riptide/internal/bencode"
	"github.com/prxssh/riptide/internal/config"
	"github.com/prxssh/riptide/internal/meta"
	"github.com/prxssh/riptide/internal/peer"
	"golang.org/x/sync/singleflight"
)

// blockSize is the fixed size of a ut_metadata piece, per BEP 9; the final
// piece of a torrent's info dict is whatever remains.
const blockSize = 16384

// ourExtensionID is the id we advertise for ut_metadata in our own extended
// handshake: peers must tag messages meant for us with this id. It has no
// relation to the id the remote peer advertises for itself.
const ourExtensionID uint8 = 1

// handshakeExtID is BEP 10's reserved extension id for the handshake
// message itself.
const handshakeExtID uint8 = 0

const (
	msgTypeRequest = 0
	msgTypeData    = 1
	msgTypeReject  = 2
)

var (
	ErrNoPeers          = errors.New("metadata: no candidate peers supplied")
	ErrAllPeersFailed   = errors.New("metadata: all candidate peers failed")
	ErrInfoHashMismatch = errors.New("metadata: assembled info hash does not match expected")
	ErrNoUTMetadata     = errors.New("metadata: peer does not support ut_metadata")
)

// PeerReliability tracks a candidate peer's track record across fetch
// attempts, so later retries can prefer peers that have proven responsive.
type PeerReliability struct {
	Successes atomic.Uint64
	Failures  atomic.Uint64
	// LastRTT is the duration of the most recent successful exchange,
	// in nanoseconds (0 if none yet).
	LastRTT atomic.Int64
}

// Fetcher drives BEP 9 metadata exchanges, collapsing concurrent fetches of
// the same info hash into a single in-flight attempt.
type Fetcher struct {
	cfg      config.PeerConfig
	clientID [sha1.Size]byte
	log      *slog.Logger

	group singleflight.Group

	reliabilityMu sync.Mutex
	reliability   map[netip.AddrPort]*PeerReliability
}

// NewFetcher builds a Fetcher. cfg governs per-connection dial/read/write
// timeouts, reusing the peer pool's own PeerConfig.
func NewFetcher(cfg config.PeerConfig, clientID [sha1.Size]byte, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{
		cfg:         cfg,
		clientID:    clientID,
		log:         log.With("component", "metadata"),
		reliability: make(map[netip.AddrPort]*PeerReliability),
	}
}

// Fetch retrieves and verifies the info dictionary for infoHash from any of
// candidates, trying several concurrently and returning as soon as one
// yields a dict whose SHA-1 matches infoHash. Concurrent calls for the same
// info hash share one attempt; all callers see the same result.
func (f *Fetcher) Fetch(ctx context.Context, infoHash [sha1.Size]byte, candidates []netip.AddrPort) (*meta.Info, error) {
	if len(candidates) == 0 {
		return nil, ErrNoPeers
	}

	key := hex.EncodeToString(infoHash[:])
	v, err, _ := f.group.Do(key, func() (any, error) {
		return f.fetch(ctx, infoHash, candidates)
	})
	if err != nil {
		return nil, err
	}
	return v.(*meta.Info), nil
}

func (f *Fetcher) fetch(ctx context.Context, infoHash [sha1.Size]byte, candidates []netip.AddrPort) (*meta.Info, error) {
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		info *meta.Info
		err  error
	}
	resCh := make(chan result, len(candidates))

	var wg sync.WaitGroup
	for _, addr := range f.orderByReliability(candidates) {
		wg.Add(1)
		go func(addr netip.AddrPort) {
			defer wg.Done()
			start := time.Now()
			info, err := f.fetchFromPeer(fctx, infoHash, addr)
			f.recordOutcome(addr, err == nil, time.Since(start))

			select {
			case resCh <- result{info, err}:
			case <-fctx.Done():
			}
		}(addr)
	}
	go func() {
		wg.Wait()
		close(resCh)
	}()

	var lastErr error
	for r := range resCh {
		if r.err == nil {
			cancel() // first valid reply wins; the rest are abandoned
			return r.info, nil
		}
		lastErr = r.err
	}

	if lastErr == nil {
		lastErr = ErrAllPeersFailed
	}
	return nil, fmt.Errorf("%w: %v", ErrAllPeersFailed, lastErr)
}

// orderByReliability sorts candidates by descending success rate, so a
// retry prefers peers that have proven responsive in past attempts.
func (f *Fetcher) orderByReliability(candidates []netip.AddrPort) []netip.AddrPort {
	out := append([]netip.AddrPort(nil), candidates...)

	score := func(addr netip.AddrPort) float64 {
		f.reliabilityMu.Lock()
		r, ok := f.reliability[addr]
		f.reliabilityMu.Unlock()
		if !ok {
			return 0.5 // unknown peers sort in the middle, not last
		}
		s, failn := r.Successes.Load(), r.Failures.Load()
		if s+failn == 0 {
			return 0.5
		}
		return float64(s) / float64(s+failn)
	}

	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && score(out[j]) > score(out[j-1]) {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	return out
}

func (f *Fetcher) recordOutcome(addr netip.AddrPort, ok bool, rtt time.Duration) {
	f.reliabilityMu.Lock()
	r, exists := f.reliability[addr]
	if !exists {
		r = &PeerReliability{}
		f.reliability[addr] = r
	}
	f.reliabilityMu.Unlock()

	if ok {
		r.Successes.Add(1)
		r.LastRTT.Store(int64(rtt))
	} else {
		r.Failures.Add(1)
	}
}
