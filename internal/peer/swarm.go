package peer

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"math/rand"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/riptide/internal/bencode"
	"github.com/prxssh/riptide/internal/bitfield"
	"github.com/prxssh/riptide/internal/config"
	"github.com/prxssh/riptide/internal/eventbus"
	"github.com/prxssh/riptide/internal/pex"
	"github.com/prxssh/riptide/internal/piece"
	"github.com/prxssh/riptide/internal/protocol"
)

// extHandshakeID is BEP 10's reserved extension id for the handshake
// message itself. ourPexExtID is the id we advertise for ut_pex in our own
// handshake's "m" dictionary; a peer wanting to send us a ut_pex message
// addresses it with this id.
const (
	extHandshakeID uint8 = 0
	ourPexExtID    uint8 = 1
)

// defaultPEXInterval is how often a swarm exchanges ut_pex peer deltas with
// each capable, connected peer.
const defaultPEXInterval = 60 * time.Second

// PeerSource records where a candidate peer address came from, so a private
// torrent (BEP 27) can restrict admission to tracker-sourced peers only.
type PeerSource int

const (
	SourceTracker PeerSource = iota
	SourceDHT
	SourcePEX
)

func (s PeerSource) String() string {
	switch s {
	case SourceTracker:
		return "tracker"
	case SourceDHT:
		return "dht"
	case SourcePEX:
		return "pex"
	default:
		return "unknown"
	}
}

type pendingPeer struct {
	addr   netip.AddrPort
	source PeerSource
}

// Swarm owns every live connection for a single torrent: it admits new
// peers, runs the tit-for-tat choking algorithm, and wires each Peer's
// inbound events into the torrent's piece.Manager.
type Swarm struct {
	cfg      config.PeerConfig
	log      *slog.Logger
	infoHash [sha1.Size]byte
	clientID [sha1.Size]byte
	manager  *piece.Manager
	isSeeder bool
	events   *eventbus.Bus

	// private marks a BEP 27 private torrent: when cfg.RespectPrivateFlag
	// is also set, AdmitPeers rejects anything but SourceTracker.
	private bool

	peerMu sync.RWMutex
	peers  map[netip.AddrPort]*Peer

	optimisticMu sync.Mutex
	optimistic   netip.AddrPort

	pex      *pex.Manager
	pexMu    sync.Mutex
	pexExtID map[netip.AddrPort]uint8

	stats     *SwarmStats
	pieceN    int
	connectCh chan pendingPeer
}

// SwarmStats aggregates byte/connection counters across every peer in the
// swarm, refreshed once a second.
type SwarmStats struct {
	TotalPeers      atomic.Uint32
	UnchokedPeers   atomic.Uint32
	InterestedPeers atomic.Uint32
	TotalDownloaded atomic.Uint64
	TotalUploaded   atomic.Uint64
	DownloadRate    atomic.Uint64
	UploadRate      atomic.Uint64
}

// NewSwarm builds a Swarm for one torrent. manager must already be
// constructed with the torrent's piece hashes and store.
func NewSwarm(cfg config.PeerConfig, infoHash, clientID [sha1.Size]byte, pieceCount int, manager *piece.Manager, isSeeder bool, log *slog.Logger) *Swarm {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "swarm")

	s := &Swarm{
		cfg:       cfg,
		log:       log,
		infoHash:  infoHash,
		clientID:  clientID,
		manager:   manager,
		isSeeder:  isSeeder,
		pieceN:    pieceCount,
		peers:     make(map[netip.AddrPort]*Peer),
		pexExtID:  make(map[netip.AddrPort]uint8),
		connectCh: make(chan pendingPeer, max(1, cfg.MaxPeers)),
		stats:     &SwarmStats{},
	}
	if cfg.EnablePEX {
		s.pex = pex.NewManager(defaultPEXInterval, s.onPEXPeers, log)
	}
	return s
}

// SetEventBus wires bus as the destination for peer_connected/
// peer_disconnected events. Optional.
func (s *Swarm) SetEventBus(bus *eventbus.Bus) {
	s.events = bus
}

// SetPrivate marks whether this torrent carries the BEP 27 private flag.
// When true and cfg.RespectPrivateFlag is set, AdmitPeers rejects any
// candidate not sourced from a tracker.
func (s *Swarm) SetPrivate(private bool) {
	s.private = private
}

func (s *Swarm) onPEXPeers(addrs []netip.AddrPort) {
	s.AdmitPeers(addrs, SourcePEX)
}

// AdmitPeers queues addrs for outbound connection attempts. Non-blocking;
// addrs beyond the queue's capacity are dropped and logged. For a private
// torrent with RespectPrivateFlag set, only SourceTracker candidates are
// admitted; DHT/PEX candidates are rejected per BEP 27.
func (s *Swarm) AdmitPeers(addrs []netip.AddrPort, source PeerSource) {
	if s.private && s.cfg.RespectPrivateFlag && source != SourceTracker {
		s.log.Debug("rejecting non-tracker peers for private torrent", "source", source, "count", len(addrs))
		return
	}
	for _, addr := range addrs {
		select {
		case s.connectCh <- pendingPeer{addr: addr, source: source}:
		default:
			s.log.Warn("connect queue full, dropping candidate", "addr", addr)
		}
	}
}

// AdmitIncoming wires an already-accepted inbound connection (after its
// handshake has been read by the listener) into the swarm.
func (s *Swarm) AdmitIncoming(ctx context.Context, conn net.Conn, remote protocol.Handshake) {
	s.peerMu.RLock()
	total := len(s.peers)
	_, dup := s.peers[addrOf(conn)]
	s.peerMu.RUnlock()
	if dup || total >= int(s.cfg.MaxPeers) {
		_ = conn.Close()
		return
	}

	p, err := Accept(conn, remote, s.clientID, s.cfg, s.pieceN, s.callbacksFor(), s.log)
	if err != nil {
		s.log.Debug("inbound handshake failed", "error", err)
		return
	}
	s.register(ctx, p)
}

func addrOf(conn net.Conn) netip.AddrPort {
	ap, _ := netip.ParseAddrPort(conn.RemoteAddr().String())
	return ap
}

// Run drives the swarm's background loops until ctx is cancelled:
// dialing queued candidates, evicting idle peers, recomputing stats, and
// running the regular/optimistic rechoke algorithm.
func (s *Swarm) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	loops := []func(context.Context){
		s.maintenanceLoop,
		s.statsLoop,
		s.chokeLoop,
		s.timeoutLoop,
	}
	if s.pex != nil {
		loops = append(loops, s.pexLoop)
	}
	for _, l := range loops {
		l := l
		wg.Add(1)
		go func() { defer wg.Done(); l(ctx) }()
	}

	dialers := 8
	for i := 0; i < dialers; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); s.dialerLoop(ctx) }()
	}

	wg.Wait()
	return nil
}

func (s *Swarm) dialerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pending, ok := <-s.connectCh:
			if !ok {
				return
			}
			s.dial(ctx, pending.addr)
		}
	}
}

func (s *Swarm) dial(ctx context.Context, addr netip.AddrPort) {
	s.peerMu.RLock()
	_, dup := s.peers[addr]
	total := len(s.peers)
	s.peerMu.RUnlock()
	if dup || total >= int(s.cfg.MaxPeers) {
		return
	}

	p, err := Dial(ctx, addr, s.infoHash, s.clientID, s.cfg, s.pieceN, s.callbacksFor(), s.log)
	if err != nil {
		s.log.Debug("dial failed", "addr", addr, "error", err)
		return
	}
	s.register(ctx, p)
}

func (s *Swarm) register(ctx context.Context, p *Peer) {
	s.peerMu.Lock()
	s.peers[p.addr] = p
	s.peerMu.Unlock()
	s.stats.TotalPeers.Add(1)
	if s.events != nil {
		s.events.Publish(eventbus.PeerConnected, eventbus.PeerConnectedPayload{Peer: p.addr})
	}

	go func() {
		_ = p.Run(ctx)
	}()

	// Advertise what we have. Interest is declared later, from the
	// bitfield/have callbacks.
	p.SendBitfield(s.manager.Bitfield())

	if s.pex != nil && p.SupportsExtensions() {
		handshake, err := bencode.Marshal(map[string]any{
			"m": map[string]any{pex.ExtensionName: int64(ourPexExtID)},
		})
		if err != nil {
			s.log.Warn("encode ut_pex handshake failed", "error", err)
			return
		}
		p.SendExtended(extHandshakeID, handshake)
	}
}

func (s *Swarm) removePeer(addr netip.AddrPort) {
	s.peerMu.Lock()
	p, ok := s.peers[addr]
	if ok {
		delete(s.peers, addr)
	}
	s.peerMu.Unlock()
	if !ok {
		return
	}

	s.manager.RemovePeer(addr, p.Bitfield())
	if v := int32(s.stats.TotalPeers.Load()); v > 0 {
		s.stats.TotalPeers.Add(^uint32(0))
	}
	if s.events != nil {
		s.events.Publish(eventbus.PeerDisconnected, eventbus.PeerDisconnectedPayload{Peer: addr})
	}

	s.pexMu.Lock()
	delete(s.pexExtID, addr)
	s.pexMu.Unlock()
}

// GetPeer returns the connection for addr, if any.
func (s *Swarm) GetPeer(addr netip.AddrPort) (*Peer, bool) {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	p, ok := s.peers[addr]
	return p, ok
}

// PeerCount returns the number of currently connected peers.
func (s *Swarm) PeerCount() int {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return len(s.peers)
}

// PeerMetrics returns a snapshot of every connected peer.
func (s *Swarm) PeerMetrics() []Metrics {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	out := make([]Metrics, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.Stats())
	}
	return out
}

func (s *Swarm) callbacksFor() Callbacks {
	return Callbacks{
		OnBitfield: func(addr netip.AddrPort, bf bitfield.Bitfield) {
			s.manager.RegisterPeerBitfield(bf)
			s.maybeDeclareInterest(addr, bf)
		},
		OnHave: func(addr netip.AddrPort, index int) {
			s.manager.RecordPeerHave(index)
			if p, ok := s.GetPeer(addr); ok {
				s.maybeDeclareInterest(addr, p.Bitfield())
			}
		},
		OnPiece: func(addr netip.AddrPort, index, begin int, block []byte) {
			complete, cancels, err := s.manager.HandlePieceBlock(addr, index, begin, block)
			if err != nil {
				s.log.Warn("handle piece block failed", "peer", addr, "error", err)
				return
			}
			for _, c := range cancels {
				if p, ok := s.GetPeer(c.Peer); ok {
					p.SendCancel(c.Piece, c.Begin, piece.BlockLength)
				}
			}
			if complete {
				s.broadcastHave(index)
			}
			s.pullRequests(addr)
		},
		OnRequest: func(addr netip.AddrPort, index, begin, length int) {
			p, ok := s.GetPeer(addr)
			if !ok || p.AmChoking() {
				return
			}
			data, err := s.manager.ReadPiece(index, begin, length)
			if err != nil {
				s.log.Debug("read piece for upload failed", "peer", addr, "error", err)
				return
			}
			p.SendPiece(index, begin, data)
		},
		OnCancel: func(addr netip.AddrPort, index, begin int) {
			// Nothing queued server-side to cancel: SendPiece already
			// completed synchronously by the time a Cancel could arrive.
		},
		OnDisconnect: func(addr netip.AddrPort) {
			s.removePeer(addr)
		},
		OnUnchoked: func(addr netip.AddrPort) {
			s.pullRequests(addr)
		},
		OnExtended: s.handleExtended,
	}
}

// handleExtended dispatches a BEP 10 extended message. extID 0 is always the
// handshake, whose "m" dict tells us which id the remote wants us to use
// when addressing its ut_pex; any other id is only meaningful if it equals
// ourPexExtID, the id we advertise for our own ut_pex in our handshake.
func (s *Swarm) handleExtended(addr netip.AddrPort, extID uint8, payload []byte) {
	if extID == extHandshakeID {
		s.handleExtendedHandshake(addr, payload)
		return
	}
	if s.pex != nil && extID == ourPexExtID {
		s.pex.HandleMessage(payload)
	}
}

func (s *Swarm) handleExtendedHandshake(addr netip.AddrPort, payload []byte) {
	v, err := bencode.Unmarshal(payload)
	if err != nil {
		s.log.Debug("malformed extended handshake", "peer", addr, "error", err)
		return
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return
	}
	m, ok := dict["m"].(map[string]any)
	if !ok {
		return
	}
	idVal, ok := m[pex.ExtensionName].(int64)
	if !ok || idVal <= 0 || idVal > 255 {
		return
	}

	s.pexMu.Lock()
	s.pexExtID[addr] = uint8(idVal)
	s.pexMu.Unlock()
}

// pexLoop periodically exchanges ut_pex deltas with every connected,
// capable peer.
func (s *Swarm) pexLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pex.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.exchangePEX()
		}
	}
}

func (s *Swarm) exchangePEX() {
	s.peerMu.RLock()
	addrs := make([]netip.AddrPort, 0, len(s.peers))
	for addr := range s.peers {
		addrs = append(addrs, addr)
	}
	s.peerMu.RUnlock()
	s.pex.SetSwarm(addrs)

	for _, addr := range addrs {
		s.pexMu.Lock()
		extID, ok := s.pexExtID[addr]
		s.pexMu.Unlock()
		if !ok {
			continue
		}
		msg := s.pex.MessageFor(addr)
		if msg == nil {
			continue
		}
		if p, ok := s.GetPeer(addr); ok {
			p.SendExtended(extID, msg)
		}
	}
}

func (s *Swarm) maybeDeclareInterest(addr netip.AddrPort, bf bitfield.Bitfield) {
	p, ok := s.GetPeer(addr)
	if !ok {
		return
	}
	if s.manager.HasAnyWantedPiece(bf) {
		p.SendInterested()
	} else {
		p.SendNotInterested()
	}
}

// pullRequests asks the piece manager for the next batch of block requests
// for addr and sends them, honoring MaxInflightRequestsPerPeer.
func (s *Swarm) pullRequests(addr netip.AddrPort) {
	p, ok := s.GetPeer(addr)
	if !ok || p.PeerChoking() {
		return
	}

	const batch = 32 // Manager enforces the real per-peer inflight cap
	reqs := s.manager.SelectNextRequests(addr, p.Bitfield(), !p.PeerChoking(), batch)
	for _, r := range reqs {
		p.SendRequest(r.Piece, r.Begin, r.Length)
	}
}

func (s *Swarm) broadcastHave(index int) {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	for _, p := range s.peers {
		p.SendHave(index)
	}
}

func (s *Swarm) maintenanceLoop(ctx context.Context) {
	maxIdle := s.cfg.PeerInactivityDuration
	if maxIdle <= 0 {
		maxIdle = 2 * time.Minute
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var idle []netip.AddrPort
			s.peerMu.RLock()
			for addr, p := range s.peers {
				if p.Idleness() > maxIdle {
					idle = append(idle, addr)
				}
			}
			s.peerMu.RUnlock()

			for _, addr := range idle {
				if p, ok := s.GetPeer(addr); ok {
					p.Close()
				}
			}
		}
	}
}

func (s *Swarm) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var totUp, totDown, upRate, downRate uint64
			var unchoked, interested uint32

			s.peerMu.RLock()
			for _, p := range s.peers {
				st := p.Stats()
				totUp += st.Uploaded
				totDown += st.Downloaded
				upRate += st.UploadRate
				downRate += st.DownloadRate
				if !st.AmChoking {
					unchoked++
				}
				if st.AmInterested {
					interested++
				}
			}
			s.peerMu.RUnlock()

			s.stats.TotalUploaded.Store(totUp)
			s.stats.TotalDownloaded.Store(totDown)
			s.stats.UploadRate.Store(upRate)
			s.stats.DownloadRate.Store(downRate)
			s.stats.UnchokedPeers.Store(unchoked)
			s.stats.InterestedPeers.Store(interested)
		}
	}
}

// timeoutLoop periodically reclaims blocks whose request has gone
// unanswered for longer than RequestTimeout (from the piece config, read
// indirectly via the manager itself).
func (s *Swarm) timeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			timeout := s.manager.RequestTimeout()
			if timeout <= 0 {
				timeout = 60 * time.Second
			}
			cutoff := time.Now().Add(-timeout).UnixNano()
			timedOut := s.manager.ScanTimedOutBlocks(func(sentAt int64) bool { return sentAt < cutoff })
			for _, to := range timedOut {
				if p, ok := s.GetPeer(to.Peer); ok {
					p.stats.RequestsSent.Add(^uint64(0))
				}
			}
		}
	}
}

// chokeLoop runs the tit-for-tat choking algorithm: every RechokeInterval
// it unchokes the top UploadSlots interested peers by throughput (download
// rate while leeching, upload rate while seeding); every
// OptimisticUnchokeInterval it additionally unchokes one random choked,
// interested peer to discover better partners.
func (s *Swarm) chokeLoop(ctx context.Context) {
	rechoke := s.cfg.RechokeInterval
	if rechoke <= 0 {
		rechoke = 10 * time.Second
	}
	optimistic := s.cfg.OptimisticUnchokeInterval
	if optimistic <= 0 {
		optimistic = 30 * time.Second
	}

	regular := time.NewTicker(rechoke)
	defer regular.Stop()
	opt := time.NewTicker(optimistic)
	defer opt.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-regular.C:
			s.recalcRegularUnchokes()
		case <-opt.C:
			s.recalcOptimisticUnchoke()
		}
	}
}

func (s *Swarm) recalcRegularUnchokes() {
	var candidates []*Peer
	s.peerMu.RLock()
	for _, p := range s.peers {
		if p.PeerInterested() {
			candidates = append(candidates, p)
		}
	}
	s.peerMu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if s.isSeeder {
			return candidates[i].stats.UploadRate.Load() > candidates[j].stats.UploadRate.Load()
		}
		return candidates[i].stats.DownloadRate.Load() > candidates[j].stats.DownloadRate.Load()
	})

	slots := int(s.cfg.UploadSlots)
	if slots <= 0 {
		slots = 4
	}

	s.optimisticMu.Lock()
	optimisticAddr := s.optimistic
	s.optimisticMu.Unlock()

	top := make(map[netip.AddrPort]struct{}, slots)
	for i := 0; i < len(candidates) && i < slots; i++ {
		top[candidates[i].addr] = struct{}{}
	}

	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	for _, p := range s.peers {
		_, isTop := top[p.addr]
		if isTop || p.addr == optimisticAddr {
			p.Unchoke()
		} else {
			p.Choke()
		}
	}
}

func (s *Swarm) recalcOptimisticUnchoke() {
	var candidates []*Peer
	s.peerMu.RLock()
	for _, p := range s.peers {
		if p.PeerInterested() && p.AmChoking() {
			candidates = append(candidates, p)
		}
	}
	s.peerMu.RUnlock()

	s.optimisticMu.Lock()
	defer s.optimisticMu.Unlock()

	if len(candidates) == 0 {
		s.optimistic = netip.AddrPort{}
		return
	}
	chosen := candidates[rand.Intn(len(candidates))]
	s.optimistic = chosen.addr
	chosen.Unchoke()
}
