// Package tracker implements BEP 3 HTTP and BEP 15 UDP tracker announces,
// with BEP 12 multi-tier fallback across an announce-list.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prxssh/riptide/internal/config"
	"golang.org/x/sync/errgroup"
)

const maxConsecutiveFailures = 5

// AnnounceParams is everything a tracker announce needs, independent of
// transport (HTTP query string vs. UDP binary packet).
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	Key        uint32
	TrackerID  string
	IP         string
	NumWant    int
	Port       uint16
}

// AnnounceResponse is a transport-independent view of a tracker's reply.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int64
	Seeders     int64
	Peers       []netip.AddrPort
}

// Event is the BEP 3 announce event.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// Protocol is implemented by the HTTP and UDP tracker transports.
type Protocol interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

// Stats aggregates lifetime announce counters for a Tracker.
type Stats struct {
	TotalAnnounces      atomic.Uint64
	SuccessfulAnnounces atomic.Uint64
	FailedAnnounces     atomic.Uint64
	LastAnnounce        atomic.Int64
	LastSuccess         atomic.Int64
	TotalPeersReceived  atomic.Uint64
	CurrentSeeders      atomic.Int64
	CurrentLeechers     atomic.Int64
}

// Metrics is a point-in-time snapshot of Stats, safe to copy and export.
type Metrics struct {
	TotalAnnounces      uint64
	SuccessfulAnnounces uint64
	FailedAnnounces     uint64
	TotalPeersReceived  uint64
	CurrentSeeders      int64
	CurrentLeechers     int64
	LastAnnounce        time.Time
	LastSuccess         time.Time
}

// Opts wires a Tracker to its owning torrent session.
type Opts struct {
	// OnAnnounceStart builds the params for the next announce (current
	// uploaded/downloaded/left counters, desired event).
	OnAnnounceStart func() *AnnounceParams
	// OnAnnounceSuccess receives the peer addresses from a successful
	// announce.
	OnAnnounceSuccess func(addrs []netip.AddrPort)
	Log               *slog.Logger
}

// Tracker announces to a BEP 12 multi-tier set of announce URLs: it tries
// trackers within a tier in order, promoting whichever responds first, and
// only falls through to the next tier if an entire tier fails.
type Tracker struct {
	cfg   config.TrackerConfig
	tiers [][]*url.URL

	mu       sync.Mutex
	trackers map[string]Protocol

	log               *slog.Logger
	stats             *Stats
	onAnnounceStart   func() *AnnounceParams
	onAnnounceSuccess func(addrs []netip.AddrPort)
}

// NewTracker builds a Tracker from a torrent's primary announce URL plus
// its BEP 12 announce-list (a list of tiers, each a list of URLs).
func NewTracker(cfg config.TrackerConfig, announce string, announceList [][]string, opts Opts) (*Tracker, error) {
	if opts.OnAnnounceStart == nil || opts.OnAnnounceSuccess == nil {
		return nil, errors.New("tracker: announce hooks are required")
	}

	tiers, err := buildAnnounceURLs(announce, announceList)
	if err != nil {
		return nil, err
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range tiers {
		if len(tiers[i]) < 2 {
			continue
		}
		r.Shuffle(len(tiers[i]), func(a, b int) { tiers[i][a], tiers[i][b] = tiers[i][b], tiers[i][a] })
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Tracker{
		cfg:               cfg,
		tiers:             tiers,
		log:               log.With("component", "tracker", "tiers", len(tiers)),
		stats:             &Stats{},
		onAnnounceStart:   opts.OnAnnounceStart,
		onAnnounceSuccess: opts.OnAnnounceSuccess,
		trackers:          make(map[string]Protocol),
	}, nil
}

// Run drives the periodic announce loop until ctx is cancelled, at which
// point it makes a final best-effort "stopped" announce before returning.
func (t *Tracker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.announceLoop(gctx) })
	return g.Wait()
}

func (t *Tracker) Stats() Metrics {
	s := t.stats
	var lastAnn, lastSuc time.Time
	if v := s.LastAnnounce.Load(); v > 0 {
		lastAnn = time.Unix(v, 0)
	}
	if v := s.LastSuccess.Load(); v > 0 {
		lastSuc = time.Unix(v, 0)
	}

	return Metrics{
		TotalAnnounces:      s.TotalAnnounces.Load(),
		SuccessfulAnnounces: s.SuccessfulAnnounces.Load(),
		FailedAnnounces:     s.FailedAnnounces.Load(),
		TotalPeersReceived:  s.TotalPeersReceived.Load(),
		CurrentSeeders:      s.CurrentSeeders.Load(),
		CurrentLeechers:     s.CurrentLeechers.Load(),
		LastAnnounce:        lastAnn,
		LastSuccess:         lastSuc,
	}
}

// Announce tries every tracker in tier order (BEP 12), promoting the first
// one that responds successfully to the front of its tier, and only moving
// to the next tier once the current one is fully exhausted.
func (t *Tracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	t.stats.TotalAnnounces.Add(1)
	t.stats.LastAnnounce.Store(time.Now().Unix())

	if params.NumWant <= 0 {
		params.NumWant = int(t.cfg.NumWant)
	}
	if params.Port == 0 {
		params.Port = t.cfg.Port
	}

	var lastErr error
	for tierIdx := 0; tierIdx < len(t.tiers); tierIdx++ {
		tier := t.snapshotTier(tierIdx)

		for i, u := range tier {
			tr, err := t.getTracker(u)
			if err != nil {
				lastErr = err
				continue
			}

			resp, err := tr.Announce(ctx, params)
			if err != nil {
				lastErr = err
				continue
			}

			t.promoteWithinTier(tierIdx, i)
			t.stats.SuccessfulAnnounces.Add(1)
			t.stats.LastSuccess.Store(time.Now().Unix())
			t.stats.TotalPeersReceived.Add(uint64(len(resp.Peers)))
			t.stats.CurrentSeeders.Store(resp.Seeders)
			t.stats.CurrentLeechers.Store(resp.Leechers)

			t.log.Info("announce success", "tier", tierIdx, "url", u.String(), "peers", len(resp.Peers))
			return resp, nil
		}

		t.log.Warn("announce tier exhausted", "tier", tierIdx)
	}

	t.stats.FailedAnnounces.Add(1)
	if lastErr == nil {
		lastErr = errors.New("tracker: all tiers exhausted")
	}
	return nil, lastErr
}

func (t *Tracker) announceLoop(ctx context.Context) error {
	l := t.log.With("component", "announce loop")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 15 * time.Second
	bo.MaxInterval = t.cfg.MaxAnnounceBackoff
	bo.MaxElapsedTime = 0 // never give up on its own; maxConsecutiveFailures governs that

	consecutiveFailures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Debug("exiting; announcing stopped event")
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			params := t.onAnnounceStart()
			params.Event = EventStopped
			_, _ = t.Announce(sctx, params)
			cancel()
			return nil

		case <-timer.C:
			if consecutiveFailures >= maxConsecutiveFailures {
				return errors.New("tracker: exhausted all announce attempts")
			}

			resp, err := t.Announce(ctx, t.onAnnounceStart())
			if err != nil {
				consecutiveFailures++
				timer.Reset(bo.NextBackOff())
				continue
			}

			t.onAnnounceSuccess(resp.Peers)
			consecutiveFailures = 0
			bo.Reset()
			timer.Reset(t.nextAnnounceInterval(resp))
		}
	}
}

func (t *Tracker) nextAnnounceInterval(resp *AnnounceResponse) time.Duration {
	interval := t.cfg.AnnounceInterval
	if interval == 0 {
		interval = 2 * time.Minute
	}
	if t.cfg.AnnounceInterval == 0 && resp.Interval > 0 {
		interval = resp.Interval
	}
	if resp.MinInterval > 0 && resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	if t.cfg.MinAnnounceInterval > 0 && interval < t.cfg.MinAnnounceInterval {
		interval = t.cfg.MinAnnounceInterval
	}
	return interval
}

func (t *Tracker) snapshotTier(at int) []*url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*url.URL(nil), t.tiers[at]...)
}

func (t *Tracker) promoteWithinTier(tierIdx, urlIdx int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier := t.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}
	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u
}

func (t *Tracker) getTracker(u *url.URL) (Protocol, error) {
	key := u.String()

	t.mu.Lock()
	tr, ok := t.trackers[key]
	t.mu.Unlock()
	if ok {
		return tr, nil
	}

	log := t.log.With("scheme", u.Scheme, "host", u.Host)

	var (
		tracker Protocol
		err     error
	)
	switch u.Scheme {
	case "http", "https":
		tracker, err = NewHTTPTracker(u, log)
	case "udp":
		tracker, err = NewUDPTracker(u, log)
	default:
		err = fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.trackers[key] = tracker
	t.mu.Unlock()
	return tracker, nil
}

func buildAnnounceURLs(announce string, announceList [][]string) ([][]*url.URL, error) {
	var tiers [][]*url.URL

	if s := strings.TrimSpace(announce); s != "" {
		if u, ok := parseTrackerURL(s); ok {
			tiers = append(tiers, []*url.URL{u})
		}
	}

	for _, tier := range announceList {
		var out []*url.URL
		for _, raw := range tier {
			if u, ok := parseTrackerURL(raw); ok {
				out = append(out, u)
			}
		}
		if len(out) > 0 {
			tiers = append(tiers, out)
		}
	}

	if len(tiers) == 0 {
		return nil, errors.New("tracker: no usable announce urls")
	}
	return tiers, nil
}

func parseTrackerURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	switch u.Scheme {
	case "http", "https", "udp":
		return u, true
	default:
		return nil, false
	}
}
