// Package eventbus is the session-wide fan-out point for observable events:
// peer lifecycle, piece verification, checkpoint writes, tracker/DHT
// milestones, and alert/error notifications. It has no opinion about what a
// subscriber does with an event; it only guarantees delivery is fire-and-forget
// and that a slow consumer never blocks a producer.
package eventbus

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// Kind names one of the event kinds an external collaborator can observe.
type Kind string

const (
	PeerConnected           Kind = "peer_connected"
	PeerDisconnected        Kind = "peer_disconnected"
	PieceVerified           Kind = "piece_verified"
	PieceFailedVerification Kind = "piece_failed_verification"
	DownloadComplete        Kind = "download_complete"
	CheckpointSaved         Kind = "checkpoint_saved"
	TrackerAnnounced        Kind = "tracker_announced"
	DHTBootstrapped         Kind = "dht_bootstrapped"
	AlertTriggered          Kind = "alert_triggered"
	AlertResolved           Kind = "alert_resolved"
	NotificationError       Kind = "notification_error"
	DiskWriteFailed         Kind = "disk_write_failed"
)

// Event is one occurrence on the bus. Payload holds a kind-specific struct
// (see the *Payload types below); subscribers type-assert on it.
type Event struct {
	Kind    Kind
	Time    time.Time
	Payload any
}

type (
	PeerConnectedPayload struct {
		Peer netip.AddrPort
	}
	PeerDisconnectedPayload struct {
		Peer netip.AddrPort
	}
	PieceVerifiedPayload struct {
		Piece int
		Peer  netip.AddrPort
	}
	PieceFailedVerificationPayload struct {
		Piece int
		Peer  netip.AddrPort
	}
	DownloadCompletePayload struct {
		InfoHash [20]byte
	}
	CheckpointSavedPayload struct {
		InfoHash [20]byte
		Path     string
	}
	TrackerAnnouncedPayload struct {
		URL     string
		Peers   int
		Seeders int
		Leechers int
	}
	DHTBootstrappedPayload struct {
		Nodes int
	}
	AlertTriggeredPayload struct {
		Name    string
		Message string
	}
	AlertResolvedPayload struct {
		Name string
	}
	NotificationErrorPayload struct {
		Component string
		Err       error
	}
	DiskWriteFailedPayload struct {
		Piece int
		Err   error
	}
)

// defaultSubscriberBuffer bounds each subscriber's channel. Once full,
// Publish drops the oldest queued event and counts the drop rather than
// blocking the producer.
const defaultSubscriberBuffer = 256

// Bus is a multi-producer, multi-consumer fan-out of Events. The zero value
// is not usable; construct with New.
type Bus struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	ch      chan Event
	dropped uint64
}

// New builds an empty Bus. A nil log falls back to slog.Default.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:  log.With("component", "eventbus"),
		subs: make(map[int]*subscriber),
	}
}

// Subscribe registers a new listener and returns a channel of events plus an
// unsubscribe function. The returned channel is never closed by Publish;
// callers must call unsubscribe (typically via defer) to stop receiving and
// release the slot.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	sub := &subscriber{ch: make(chan Event, defaultSubscriberBuffer)}
	b.subs[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
	return sub.ch, unsubscribe
}

// Publish fans out an event of the given kind to every current subscriber.
// It never blocks: a subscriber whose buffer is full has its oldest queued
// event dropped to make room, and its drop counter is incremented.
func (b *Bus) Publish(kind Kind, payload any) {
	evt := Event{Kind: kind, Time: time.Now(), Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			select {
			case <-sub.ch:
				sub.dropped++
			default:
			}
			select {
			case sub.ch <- evt:
			default:
				sub.dropped++
			}
		}
	}
}

// DroppedCount returns the total number of events dropped across all
// subscribers due to a full buffer, for diagnostics/metrics.
func (b *Bus) DroppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var total uint64
	for _, sub := range b.subs {
		total += sub.dropped
	}
	return total
}
