// Package session is the per-torrent façade: it builds and coordinates the
// lifecycle of the piece manager, peer swarm, tracker, optional DHT
// participation, on-disk assembler, and checkpoint persistence for a single
// torrent, and exposes an aggregate Status for callers (CLI, future RPC/UI
// layers) that don't want to reach into each subsystem directly.
package session

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/prxssh/riptide/internal/checkpoint"
	"github.com/prxssh/riptide/internal/config"
	"github.com/prxssh/riptide/internal/dht"
	"github.com/prxssh/riptide/internal/eventbus"
	"github.com/prxssh/riptide/internal/meta"
	"github.com/prxssh/riptide/internal/peer"
	"github.com/prxssh/riptide/internal/piece"
	"github.com/prxssh/riptide/internal/storage"
	"github.com/prxssh/riptide/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// checkpointPieceThreshold is how many newly verified pieces accumulate
// before a threshold-triggered save fires, on top of the timer and
// clean-shutdown triggers RunPeriodic already drives.
const checkpointPieceThreshold = 20

// dhtQueryInterval governs how often a running Session re-queries the DHT
// for peers and re-announces itself.
const dhtQueryInterval = 15 * time.Minute

// Status is a point-in-time snapshot of a Session, safe to copy and export.
type Status struct {
	Name        string
	InfoHash    [sha1.Size]byte
	PiecesDone  int
	PiecesTotal int
	Peers       int
	Uploaded    uint64
	Downloaded  uint64
	Complete    bool
	DHTNodes    int
}

// Session coordinates every subsystem needed to download (and seed) one
// torrent. Construct with New, drive with Run, and stop via the context
// passed to Run.
type Session struct {
	cfg      config.Config
	info     *meta.Info
	mi       *meta.Metainfo
	infoHash [sha1.Size]byte
	log      *slog.Logger

	events *eventbus.Bus

	manager   *piece.Manager
	swarm     *peer.Swarm
	assembler *storage.Assembler
	tracker   *tracker.Tracker
	dhtNode   *dht.DHT
	ckpt      *checkpoint.Manager

	verifiedSinceCheckpoint atomic.Int32
	complete                atomic.Bool
}

// New builds every subsystem for mi and resumes from a checkpoint if one
// exists. dhtNode is optional and shared across every Session in the
// process; pass nil to disable DHT discovery for this torrent regardless of
// cfg.DHT.Enabled.
func New(cfg config.Config, mi *meta.Metainfo, downloadDir string, dhtNode *dht.DHT, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("torrent", mi.Info.Name)

	info := mi.Info
	events := eventbus.New(log)

	paths, lens := layoutFor(info)
	store, err := piece.NewStore(downloadDir, info.Name, paths, lens, info.PieceLength)
	if err != nil {
		return nil, fmt.Errorf("session: new store: %w", err)
	}

	manager := piece.NewManager(cfg.Piece, mi.Size(), info.PieceLength, info.Pieces, cfg.Peer.MaxPeers, store, log)
	manager.SetEventBus(events)

	assembler, err := storage.NewAssembler(info, downloadDir, cfg.Storage, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("session: new assembler: %w", err)
	}

	swarm := peer.NewSwarm(cfg.Peer, mi.InfoHash, cfg.ClientID, len(info.Pieces), manager, false, log)
	swarm.SetEventBus(events)
	swarm.SetPrivate(info.Private)

	s := &Session{
		cfg:       cfg,
		info:      info,
		mi:        mi,
		infoHash:  mi.InfoHash,
		log:       log,
		events:    events,
		manager:   manager,
		swarm:     swarm,
		assembler: assembler,
		ckpt:      checkpoint.NewManager(cfg.Checkpoint, events, log),
	}
	if dhtNode != nil && cfg.DHT.Enabled && !info.Private {
		s.dhtNode = dhtNode
	}

	if cp, err := checkpoint.Resume(cfg.Checkpoint, mi.InfoHash, info.Pieces, mi.Size(), info.PieceLength, assembler, manager, log); err != nil {
		log.Warn("checkpoint resume failed, starting fresh", "error", err)
	} else if cp != nil {
		log.Info("resumed torrent from checkpoint", "verified_pieces", len(cp.VerifiedPieces))
	}

	trk, err := tracker.NewTracker(cfg.Tracker, mi.Announce, mi.AnnounceList, tracker.Opts{
		OnAnnounceStart:   s.buildAnnounceParams,
		OnAnnounceSuccess: s.onTrackerPeers,
		Log:               log,
	})
	if err != nil {
		assembler.Close()
		manager.Close()
		return nil, fmt.Errorf("session: new tracker: %w", err)
	}
	s.tracker = trk

	done, total := manager.GetDownloadProgress()
	if total > 0 && done == total {
		s.complete.Store(true)
	}

	return s, nil
}

func layoutFor(info *meta.Info) ([][]string, []int64) {
	if len(info.Files) == 0 {
		return [][]string{{info.Name}}, []int64{info.Length}
	}
	paths := make([][]string, len(info.Files))
	lens := make([]int64, len(info.Files))
	for i, f := range info.Files {
		paths[i] = f.Path
		lens[i] = f.Length
	}
	return paths, lens
}

// Run drives every subsystem until ctx is cancelled, then tears down
// cleanly: a final checkpoint save, then closing the assembler/store.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.swarm.Run(gctx) })
	g.Go(func() error { return s.tracker.Run(gctx) })
	g.Go(func() error { s.ckpt.RunPeriodic(gctx, s.snapshot); return nil })
	g.Go(func() error { s.watchEvents(gctx, sub); return nil })

	if s.dhtNode != nil {
		g.Go(func() error { s.dhtLoop(gctx); return nil })
	}

	err := g.Wait()

	if cp := s.snapshot(); cp != nil {
		if saveErr := s.ckpt.Save(cp); saveErr != nil {
			s.log.Warn("final checkpoint save failed", "error", saveErr)
			s.events.Publish(eventbus.DiskWriteFailed, eventbus.DiskWriteFailedPayload{Piece: -1, Err: saveErr})
		}
	}
	s.assembler.Close()
	s.manager.Close()

	return err
}

// watchEvents reacts to the bus for cross-subsystem behavior this façade
// owns: the threshold checkpoint trigger and the one-time download-complete
// notification.
func (s *Session) watchEvents(ctx context.Context, sub <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Kind {
			case eventbus.PieceVerified:
				if s.verifiedSinceCheckpoint.Add(1) >= checkpointPieceThreshold {
					s.verifiedSinceCheckpoint.Store(0)
					if cp := s.snapshot(); cp != nil {
						if err := s.ckpt.Save(cp); err != nil {
							s.log.Warn("threshold checkpoint save failed", "error", err)
						}
					}
				}
				s.maybeDeclareComplete()
			}
		}
	}
}

func (s *Session) maybeDeclareComplete() {
	done, total := s.manager.GetDownloadProgress()
	if total == 0 || done != total || !s.complete.CompareAndSwap(false, true) {
		return
	}
	if err := s.assembler.FinalizeFiles(); err != nil {
		s.log.Warn("finalize files on completion failed", "error", err)
	}
	s.events.Publish(eventbus.DownloadComplete, eventbus.DownloadCompletePayload{InfoHash: s.infoHash})
}

// snapshot builds the TorrentCheckpoint to persist right now. Returns nil if
// there is nothing worth saving yet (no pieces verified).
func (s *Session) snapshot() *checkpoint.TorrentCheckpoint {
	done, _ := s.manager.GetDownloadProgress()
	if done == 0 {
		return nil
	}

	states := s.manager.PieceStates()
	verified := make([]int, 0, done)
	for _, st := range states {
		if st.Status == piece.PieceVerified {
			verified = append(verified, st.Index)
		}
	}

	var uploaded, downloaded uint64
	for _, m := range s.swarm.PeerMetrics() {
		uploaded += m.Uploaded
		downloaded += m.Downloaded
	}

	return &checkpoint.TorrentCheckpoint{
		InfoHash:       s.infoHash,
		Name:           s.info.Name,
		PieceLength:    s.info.PieceLength,
		TotalLength:    s.mi.Size(),
		VerifiedPieces: verified,
		Uploaded:       int64(uploaded),
		Downloaded:     int64(downloaded),
	}
}

// buildAnnounceParams supplies the tracker with this torrent's current
// upload/download/left counters, used both for periodic announces and the
// started/stopped/completed event transitions.
func (s *Session) buildAnnounceParams() *tracker.AnnounceParams {
	var uploaded, downloaded uint64
	for _, m := range s.swarm.PeerMetrics() {
		uploaded += m.Uploaded
		downloaded += m.Downloaded
	}

	left := uint64(0)
	total := s.mi.Size()
	verifiedBytes := s.verifiedBytes()
	if total > verifiedBytes {
		left = uint64(total - verifiedBytes)
	}

	event := tracker.EventNone
	switch {
	case left == 0:
		event = tracker.EventCompleted
	case downloaded == 0 && uploaded == 0:
		event = tracker.EventStarted
	}

	return &tracker.AnnounceParams{
		InfoHash:   s.infoHash,
		PeerID:     s.cfg.ClientID,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
		NumWant:    int(s.cfg.Tracker.NumWant),
		Port:       s.cfg.Tracker.Port,
	}
}

func (s *Session) verifiedBytes() int64 {
	var total int64
	for _, st := range s.manager.PieceStates() {
		if st.Status != piece.PieceVerified {
			continue
		}
		if n, err := piece.LengthAt(st.Index, s.mi.Size(), s.info.PieceLength); err == nil {
			total += int64(n)
		}
	}
	return total
}

// onTrackerPeers admits a tracker announce's peer list into the swarm,
// tagged as tracker-sourced so BEP 27 gating never rejects it.
func (s *Session) onTrackerPeers(addrs []netip.AddrPort) {
	s.swarm.AdmitPeers(addrs, peer.SourceTracker)
	s.events.Publish(eventbus.TrackerAnnounced, eventbus.TrackerAnnouncedPayload{Peers: len(addrs)})
}

// dhtLoop periodically queries the DHT for this torrent's swarm and
// re-announces this node into it, admitting any discovered peers as
// DHT-sourced (subject to BEP 27 gating in the swarm).
func (s *Session) dhtLoop(ctx context.Context) {
	s.queryDHT()

	ticker := time.NewTicker(dhtQueryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.queryDHT()
		}
	}
}

func (s *Session) queryDHT() {
	addrs, err := s.dhtNode.GetPeers(s.infoHash)
	if err != nil {
		s.log.Debug("dht peer lookup failed", "error", err)
	} else if len(addrs) > 0 {
		s.swarm.AdmitPeers(addrs, peer.SourceDHT)
	}

	if err := s.dhtNode.AnnouncePeer(s.infoHash, int(s.cfg.Tracker.Port)); err != nil {
		s.log.Debug("dht announce failed", "error", err)
		return
	}
	stats := s.dhtNode.Stats()
	s.events.Publish(eventbus.DHTBootstrapped, eventbus.DHTBootstrappedPayload{Nodes: stats.TotalContacts})
}

// Status returns a snapshot of this Session's current progress and peer
// state.
func (s *Session) Status() Status {
	done, total := s.manager.GetDownloadProgress()

	var uploaded, downloaded uint64
	for _, m := range s.swarm.PeerMetrics() {
		uploaded += m.Uploaded
		downloaded += m.Downloaded
	}

	st := Status{
		Name:        s.info.Name,
		InfoHash:    s.infoHash,
		PiecesDone:  done,
		PiecesTotal: total,
		Peers:       s.swarm.PeerCount(),
		Uploaded:    uploaded,
		Downloaded:  downloaded,
		Complete:    s.complete.Load(),
	}
	if s.dhtNode != nil {
		st.DHTNodes = s.dhtNode.Stats().TotalContacts
	}
	return st
}

// Events returns the session's event bus, for callers (e.g. cmd/riptide)
// that want to subscribe to notifications directly.
func (s *Session) Events() *eventbus.Bus { return s.events }
