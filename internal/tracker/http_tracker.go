package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prxssh/riptide/internal/bencode"
)

const maxTrackerResponseSize = 2 << 20 // 2 MiB

// HTTPTracker implements Protocol over BEP 3's HTTP/HTTPS announce.
type HTTPTracker struct {
	baseURL *url.URL
	client  *http.Client
	log     *slog.Logger

	mu        sync.RWMutex
	trackerID string
}

func NewHTTPTracker(u *url.URL, log *slog.Logger) (*HTTPTracker, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &HTTPTracker{
		baseURL: u,
		client:  &http.Client{Transport: transport, Timeout: 30 * time.Second},
		log:     log.With("type", "http"),
	}, nil
}

func (ht *HTTPTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ht.buildAnnounceURL(params), nil)
	if err != nil {
		return nil, err
	}

	resp, err := ht.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: http announce status %d: %s", resp.StatusCode, body)
	}

	r, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		return nil, err
	}
	if r.TrackerID != "" {
		ht.mu.Lock()
		ht.trackerID = r.TrackerID
		ht.mu.Unlock()
	}
	return r, nil
}

func (ht *HTTPTracker) buildAnnounceURL(params *AnnounceParams) string {
	u := *ht.baseURL
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(params.NumWant))
	}
	if params.Key != 0 {
		q.Set("key", strconv.FormatUint(uint64(params.Key), 10))
	}
	if params.IP != "" {
		q.Set("ip", params.IP)
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}

	ht.mu.RLock()
	trackerID := ht.trackerID
	ht.mu.RUnlock()
	if trackerID != "" {
		q.Set("trackerid", trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTrackerResponseSize))
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: announce response was %T, want dict", raw)
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce failure: %s", reason)
	}

	interval, err := toInt64(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("tracker: interval: %w", err)
	}

	peers, err := decodePeers(dict["peers"], false)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid peers: %w", err)
	}
	if peers6, err := decodePeers(dict["peers6"], true); err == nil {
		peers = append(peers, peers6...)
	}

	minInterval, _ := toInt64(dict["min interval"])
	seeders, _ := toInt64(dict["complete"])
	leechers, _ := toInt64(dict["incomplete"])
	trackerID, _ := dict["trackerid"].(string)

	return &AnnounceResponse{
		TrackerID:   trackerID,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
	}, nil
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case nil:
		return 0, fmt.Errorf("missing")
	default:
		return 0, fmt.Errorf("not an int: %T", v)
	}
}
