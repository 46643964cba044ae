// Package peer manages one BitTorrent peer-wire connection: the handshake,
// the length-prefixed message loop, and the choke/interest state machine.
// A Peer has no notion of piece selection or swarm-wide choking policy; it
// reports inbound events through callbacks and lets its owner (Swarm) decide
// what to do about them.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/riptide/internal/bitfield"
	"github.com/prxssh/riptide/internal/config"
	"github.com/prxssh/riptide/internal/protocol"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// Peer is one live (or handshaking) connection to a remote peer for a single
// torrent.
type Peer struct {
	log      *slog.Logger
	conn     net.Conn
	addr     netip.AddrPort
	infoHash [sha1.Size]byte
	cfg      config.PeerConfig

	state        uint32
	stats        *Stats
	extensions   bool
	bitfieldMu   sync.RWMutex
	bitfield     bitfield.Bitfield
	lastActiveAt atomic.Int64

	outbox        chan *protocol.Message
	closeOnce     sync.Once
	stopped       atomic.Bool
	cancel        context.CancelFunc
	runCtx        context.Context
	uploadLimiter *rate.Limiter

	onBitfield   func(netip.AddrPort, bitfield.Bitfield)
	onHave       func(netip.AddrPort, int)
	onPiece      func(netip.AddrPort, int, int, []byte)
	onRequest    func(netip.AddrPort, int, int, int)
	onCancel     func(netip.AddrPort, int, int)
	onDisconnect func(netip.AddrPort)
	onUnchoked   func(netip.AddrPort)
	onExtended   func(netip.AddrPort, uint8, []byte)
}

// Stats holds per-connection counters and timestamps. Every counter is
// atomic. DownloadRate and UploadRate hold the latest smoothed bytes/sec
// estimate; RequestsSent is decremented by Swarm once for each request it
// reclaims after a timeout; the rest increase monotonically for the
// connection's lifetime.
type Stats struct {
	Downloaded        atomic.Uint64
	Uploaded          atomic.Uint64
	DownloadRate      atomic.Uint64
	UploadRate        atomic.Uint64
	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsCancelled atomic.Uint64
	PiecesReceived    atomic.Uint64
	PiecesSent        atomic.Uint64
	Errors            atomic.Uint64
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
}

// Metrics is a point-in-time snapshot of a peer connection, safe to copy
// and export.
type Metrics struct {
	Addr         netip.AddrPort
	Downloaded   uint64
	Uploaded     uint64
	RequestsSent uint64
	PiecesRecv   uint64
	DownloadRate uint64
	UploadRate   uint64
	AmChoking    bool
	AmInterested bool
	PeerChoking  bool
	PeerInt      bool
	ConnectedFor time.Duration
}

// Callbacks wires a Peer's inbound events to its owner. Any field may be
// nil, in which case that event is not reported; Swarm supplies closures
// that forward into the piece manager and the rest of the peer pool.
type Callbacks struct {
	OnBitfield   func(netip.AddrPort, bitfield.Bitfield)
	OnHave       func(netip.AddrPort, int)
	OnPiece      func(netip.AddrPort, int, int, []byte)
	OnRequest    func(netip.AddrPort, int, int, int)
	OnCancel     func(netip.AddrPort, int, int)
	OnDisconnect func(netip.AddrPort)
	OnUnchoked   func(netip.AddrPort)
	// OnExtended receives BEP 10 extended messages (ut_metadata, PEX, ...).
	// Optional; a Peer with no metadata-exchange owner leaves it nil.
	OnExtended func(netip.AddrPort, uint8, []byte)
}

// Dial opens a TCP connection to addr and performs the outbound handshake.
func Dial(ctx context.Context, addr netip.AddrPort, infoHash, clientID [sha1.Size]byte, cfg config.PeerConfig, pieceCount int, cb Callbacks, log *slog.Logger) (*Peer, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	hs := protocol.NewHandshake(infoHash, clientID)
	remote, err := hs.Exchange(conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer: handshake %s: %w", addr, err)
	}

	return newPeer(conn, addr, infoHash, remote.SupportsExtensions(), cfg, pieceCount, cb, log), nil
}

// Accept completes the inbound side of a handshake on an already-accepted
// connection: we've read the remote's handshake (to learn infoHash and
// route it to the right torrent) and must still reply with our own.
func Accept(conn net.Conn, remote protocol.Handshake, clientID [sha1.Size]byte, cfg config.PeerConfig, pieceCount int, cb Callbacks, log *slog.Logger) (*Peer, error) {
	reply := protocol.NewHandshake(remote.InfoHash, clientID)
	if err := protocol.WriteHandshake(conn, *reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer: handshake reply: %w", err)
	}

	addrPort, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer: parse remote addr: %w", err)
	}

	return newPeer(conn, addrPort, remote.InfoHash, remote.SupportsExtensions(), cfg, pieceCount, cb, log), nil
}

func newPeer(conn net.Conn, addr netip.AddrPort, infoHash [sha1.Size]byte, extensions bool, cfg config.PeerConfig, pieceCount int, cb Callbacks, log *slog.Logger) *Peer {
	if log == nil {
		log = slog.Default()
	}

	p := &Peer{
		log:          log.With("component", "peer", "addr", addr),
		conn:         conn,
		addr:         addr,
		infoHash:     infoHash,
		cfg:          cfg,
		stats:        &Stats{ConnectedAt: time.Now()},
		extensions:   extensions,
		bitfield:     bitfield.New(pieceCount),
		outbox:       make(chan *protocol.Message, max(1, int(cfg.PeerOutboundQueueBacklog))),
		onBitfield:   cb.OnBitfield,
		onHave:       cb.OnHave,
		onPiece:      cb.OnPiece,
		onRequest:    cb.OnRequest,
		onCancel:     cb.OnCancel,
		onDisconnect: cb.OnDisconnect,
		onUnchoked:   cb.OnUnchoked,
		onExtended:   cb.OnExtended,
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.lastActiveAt.Store(time.Now().UnixNano())
	if cfg.MaxUploadRate > 0 {
		p.uploadLimiter = rate.NewLimiter(rate.Limit(cfg.MaxUploadRate), int(cfg.MaxUploadRate))
	}
	return p
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Addr returns the peer's remote address.
func (p *Peer) Addr() netip.AddrPort { return p.addr }

// SupportsExtensions reports whether the remote advertised BEP 10 support
// during the handshake.
func (p *Peer) SupportsExtensions() bool { return p.extensions }

// Run drives the connection until ctx is cancelled or the connection fails,
// then tears everything down. It does not return until all internal
// goroutines have exited.
func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.runCtx = ctx

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error { return p.writeLoop(gctx) })
	g.Go(func() error { return p.rateLoop(gctx) })

	err := g.Wait()
	if p.onDisconnect != nil {
		p.onDisconnect(p.addr)
	}
	return err
}

// Close tears down the connection. Safe to call more than once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.stopped.Store(true)
		if p.cancel != nil {
			p.cancel()
		}
		_ = p.conn.Close()
		close(p.outbox)
		p.stats.DisconnectedAt = time.Now()
		p.log.Debug("peer closed")
	})
}

// Idleness returns how long it's been since any bytes were read or written.
func (p *Peer) Idleness() time.Duration {
	return time.Since(time.Unix(0, p.lastActiveAt.Load()))
}

func (p *Peer) SendBitfield(bf bitfield.Bitfield) { p.enqueue(protocol.MessageBitfield(bf.Bytes())) }
func (p *Peer) SendKeepAlive()                    { p.enqueue(nil) }
func (p *Peer) SendHave(index int)                { p.enqueue(protocol.MessageHave(uint32(index))) }
func (p *Peer) SendCancel(index, begin, length int) {
	p.enqueue(protocol.MessageCancel(uint32(index), uint32(begin), uint32(length)))
}

func (p *Peer) SendInterested() {
	if !p.AmInterested() {
		p.enqueue(protocol.MessageInterested())
	}
}

func (p *Peer) SendNotInterested() {
	if p.AmInterested() {
		p.enqueue(protocol.MessageNotInterested())
	}
}

// Choke chokes the peer if we aren't already choking it.
func (p *Peer) Choke() {
	if !p.AmChoking() {
		p.enqueue(protocol.MessageChoke())
	}
}

// Unchoke unchokes the peer if we're currently choking it.
func (p *Peer) Unchoke() {
	if p.AmChoking() {
		p.enqueue(protocol.MessageUnchoke())
	}
}

// SendRequest queues a block request. No-op if the peer is choking us.
func (p *Peer) SendRequest(index, begin, length int) {
	if p.PeerChoking() {
		return
	}
	p.enqueue(protocol.MessageRequest(uint32(index), uint32(begin), uint32(length)))
}

// SendPiece queues a block upload. No-op if we are choking the peer (it
// shouldn't have asked).
func (p *Peer) SendPiece(index, begin int, block []byte) {
	if p.AmChoking() {
		return
	}
	p.enqueue(protocol.MessagePiece(uint32(index), uint32(begin), block))
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

func (p *Peer) getState(mask uint32) bool { return atomic.LoadUint32(&p.state)&mask != 0 }

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&p.state)
		next := old &^ mask
		if on {
			next = old | mask
		}
		if atomic.CompareAndSwapUint32(&p.state, old, next) {
			return
		}
	}
}

// Bitfield returns a copy of the pieces this peer has announced.
func (p *Peer) Bitfield() bitfield.Bitfield {
	p.bitfieldMu.RLock()
	defer p.bitfieldMu.RUnlock()
	return p.bitfield.Clone()
}

func (p *Peer) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := p.readMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			p.log.Debug("read loop exiting", "error", err)
			return err
		}
		if err := p.handleMessage(msg); err != nil {
			p.log.Debug("message handling failed", "error", err)
			return err
		}
	}
}

func (p *Peer) writeLoop(ctx context.Context) error {
	interval := p.cfg.PeerHeartbeatInterval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-p.outbox:
			if !ok {
				return nil
			}
			if err := p.writeMessage(msg); err != nil {
				p.log.Debug("write loop exiting", "error", err)
				return err
			}

		case <-ticker.C:
			if time.Since(time.Unix(0, p.lastActiveAt.Load())) >= interval {
				p.SendKeepAlive()
			}
		}
	}
}

// rateLoop maintains an exponentially smoothed bytes/sec estimate for
// upload and download, sampled once a second from the monotonic byte
// counters.
func (p *Peer) rateLoop(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	const alpha = 0.2
	var lastUp, lastDown uint64
	var upEMA, downEMA float64

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			curUp := p.stats.Uploaded.Load()
			curDown := p.stats.Downloaded.Load()
			upEMA = alpha*float64(curUp-lastUp) + (1-alpha)*upEMA
			downEMA = alpha*float64(curDown-lastDown) + (1-alpha)*downEMA
			lastUp, lastDown = curUp, curDown

			p.stats.UploadRate.Store(uint64(upEMA))
			p.stats.DownloadRate.Store(uint64(downEMA))
		}
	}
}

func (p *Peer) readMessage() (*protocol.Message, error) {
	if p.cfg.ReadTimeout > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
		defer p.conn.SetReadDeadline(time.Time{})
	}

	msg, err := protocol.ReadMessage(p.conn)
	if err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}
	if err := msg.ValidatePayloadSize(); err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}

	p.stats.MessagesReceived.Add(1)
	p.lastActiveAt.Store(time.Now().UnixNano())
	return msg, nil
}

func (p *Peer) writeMessage(msg *protocol.Message) error {
	if p.uploadLimiter != nil && msg != nil && msg.ID == protocol.Piece {
		n := len(msg.Payload)
		burst := p.uploadLimiter.Burst()
		if n > burst {
			n = burst // a single block may exceed the configured burst; cap the wait request
		}
		if err := p.uploadLimiter.WaitN(p.runCtx, n); err != nil {
			return err
		}
	}

	if p.cfg.WriteTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
		defer p.conn.SetWriteDeadline(time.Time{})
	}

	if err := protocol.WriteMessage(p.conn, msg); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	p.onMessageWritten(msg)
	return nil
}

func (p *Peer) handleMessage(msg *protocol.Message) error {
	if protocol.IsKeepAlive(msg) {
		return nil
	}

	switch msg.ID {
	case protocol.Choke:
		p.setState(maskPeerChoking, true)
	case protocol.Unchoke:
		wasChoked := p.PeerChoking()
		p.setState(maskPeerChoking, false)
		if wasChoked && p.onUnchoked != nil {
			p.onUnchoked(p.addr)
		}
	case protocol.Interested:
		p.setState(maskPeerInterested, true)
	case protocol.NotInterested:
		p.setState(maskPeerInterested, false)
	case protocol.Bitfield:
		bf := bitfield.FromBytes(msg.Payload)
		p.bitfieldMu.Lock()
		p.bitfield = bf.Clone()
		p.bitfieldMu.Unlock()
		if p.onBitfield != nil {
			p.onBitfield(p.addr, bf)
		}
	case protocol.Have:
		index, ok := msg.ParseHave()
		if !ok {
			return errors.New("peer: malformed have")
		}
		p.bitfieldMu.Lock()
		p.bitfield.Set(int(index))
		p.bitfieldMu.Unlock()
		if p.onHave != nil {
			p.onHave(p.addr, int(index))
		}
	case protocol.Request:
		index, begin, length, ok := msg.ParseRequest()
		if !ok {
			return errors.New("peer: malformed request")
		}
		p.stats.RequestsReceived.Add(1)
		if p.onRequest != nil {
			p.onRequest(p.addr, int(index), int(begin), int(length))
		}
	case protocol.Piece:
		index, begin, block, ok := msg.ParsePiece()
		if !ok {
			return errors.New("peer: malformed piece")
		}
		p.stats.PiecesReceived.Add(1)
		p.stats.Downloaded.Add(uint64(len(block)))
		if p.onPiece != nil {
			p.onPiece(p.addr, int(index), int(begin), block)
		}
	case protocol.Cancel:
		index, begin, _, ok := msg.ParseRequest()
		if !ok {
			return errors.New("peer: malformed cancel")
		}
		p.stats.RequestsCancelled.Add(1)
		if p.onCancel != nil {
			p.onCancel(p.addr, int(index), int(begin))
		}
	case protocol.Extended:
		extID, payload, ok := msg.ParseExtended()
		if !ok {
			return errors.New("peer: malformed extended message")
		}
		if p.onExtended != nil {
			p.onExtended(p.addr, extID, payload)
		}
	default:
		return fmt.Errorf("peer: unknown message id %d", msg.ID)
	}

	return nil
}

func (p *Peer) enqueue(msg *protocol.Message) bool {
	if p.stopped.Load() {
		return false
	}
	select {
	case p.outbox <- msg:
		return true
	default:
		p.log.Warn("outbox full, dropping message")
		return false
	}
}

func (p *Peer) onMessageWritten(msg *protocol.Message) {
	p.stats.MessagesSent.Add(1)
	p.lastActiveAt.Store(time.Now().UnixNano())
	if msg == nil {
		return
	}

	switch msg.ID {
	case protocol.Choke:
		p.setState(maskAmChoking, true)
	case protocol.Unchoke:
		p.setState(maskAmChoking, false)
	case protocol.Interested:
		p.setState(maskAmInterested, true)
	case protocol.NotInterested:
		p.setState(maskAmInterested, false)
	case protocol.Request:
		p.stats.RequestsSent.Add(1)
	case protocol.Piece:
		if len(msg.Payload) >= 8 {
			p.stats.PiecesSent.Add(1)
			p.stats.Uploaded.Add(uint64(len(msg.Payload) - 8))
		}
	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)
	}
}

// SendExtended queues a raw BEP 10 extended message.
func (p *Peer) SendExtended(extID uint8, bencoded []byte) {
	p.enqueue(protocol.MessageExtended(extID, bencoded))
}

// Stats returns a point-in-time snapshot of this connection's metrics.
func (p *Peer) Stats() Metrics {
	return Metrics{
		Addr:         p.addr,
		Downloaded:   p.stats.Downloaded.Load(),
		Uploaded:     p.stats.Uploaded.Load(),
		RequestsSent: p.stats.RequestsSent.Load(),
		PiecesRecv:   p.stats.PiecesReceived.Load(),
		DownloadRate: p.stats.DownloadRate.Load(),
		UploadRate:   p.stats.UploadRate.Load(),
		AmChoking:    p.AmChoking(),
		AmInterested: p.AmInterested(),
		PeerChoking:  p.PeerChoking(),
		PeerInt:      p.PeerInterested(),
		ConnectedFor: time.Since(p.stats.ConnectedAt),
	}
}
