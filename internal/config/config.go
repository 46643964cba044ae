// Package config defines the session-owned configuration aggregate for a
// riptide client: one field group per subsystem (piece manager, peer pool,
// tracker, DHT, storage, checkpoint), threaded explicitly through
// constructors rather than read from a process-global singleton.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"
)

// PieceDownloadStrategy enumerates high-level piece selection policies the
// picker can apply.
type PieceDownloadStrategy uint8

const (
	// PieceDownloadStrategyRandom randomly samples among eligible pieces
	// for every selection; it does not hand over to another strategy.
	PieceDownloadStrategyRandom PieceDownloadStrategy = iota

	// PieceDownloadStrategyRarestFirst prioritizes pieces with the lowest
	// availability, improving swarm health and resilience.
	PieceDownloadStrategyRarestFirst

	// PieceDownloadStrategySequential downloads pieces in ascending index
	// order. Good for streaming/locality; bad for swarm health.
	PieceDownloadStrategySequential
)

// CheckpointFormat selects the on-disk encoding for torrent checkpoints.
type CheckpointFormat uint8

const (
	CheckpointFormatJSON CheckpointFormat = iota
	CheckpointFormatBinary
)

// PieceConfig governs piece selection and per-peer request pipelining.
type PieceConfig struct {
	// Strategy chooses how to rank eligible pieces.
	Strategy PieceDownloadStrategy

	// MaxInflightRequestsPerPeer limits outstanding requests to a single
	// peer at once.
	MaxInflightRequestsPerPeer int

	// MinInflightRequestsPerPeer is a lower bound for the per-peer request
	// window. No component reads it: every peer's window is the fixed
	// MaxInflightRequestsPerPeer cap.
	MinInflightRequestsPerPeer int

	// RequestQueueTime is the target amount of pipelined data, in
	// seconds, to keep outstanding per peer (libtorrent:
	// request_queue_time). No component reads it; the per-peer window is
	// not sized from peer rate or RTT.
	RequestQueueTime time.Duration

	// RequestTimeout is the baseline time after which an in-flight block
	// is considered timed out and re-assigned.
	RequestTimeout time.Duration

	// EndgameDupPerBlock caps the number of duplicate owners (peers
	// concurrently fetching the same block) once endgame mode engages.
	EndgameDupPerBlock int

	// EndgameThreshold is the number of remaining blocks at which
	// endgame mode engages.
	EndgameThreshold int

	// MaxRequestsPerPiece is a cap on duplicate requests for the same
	// piece across all peers. No component reads it; duplicates are
	// bounded only per block, by EndgameDupPerBlock.
	MaxRequestsPerPiece int

	// IncrementalHashThreshold is a piece size in bytes. No component
	// reads it: every piece, whatever its size, is hashed in one pass
	// after all of its blocks are buffered.
	IncrementalHashThreshold int64

	// RateRefresh is a period for recomputing each peer's request window
	// from measured throughput. No component reads it; the window does
	// not adapt.
	RateRefresh time.Duration
}

// PeerConfig governs peer-wire connections, the swarm pool, and choking.
type PeerConfig struct {
	// ReadTimeout is the maximum time to wait for data from a peer
	// before considering the connection stalled.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending data to a
	// peer before considering the connection stalled.
	WriteTimeout time.Duration

	// DialTimeout is the maximum time to wait when establishing a new
	// connection to a peer.
	DialTimeout time.Duration

	// MaxPeers is the maximum number of concurrent peer connections.
	MaxPeers int

	// MaxUploadRate limits upload speed in bytes/second. 0 = unlimited.
	MaxUploadRate int64

	// MaxDownloadRate is a download speed limit in bytes/second (0 =
	// unlimited). No component reads it; downloads are not rate-limited.
	MaxDownloadRate int64

	// PeerOutboundQueueBacklog is the maximum number of messages a peer
	// can have queued in its outbound buffer.
	PeerOutboundQueueBacklog int

	// UploadSlots is the number of regular (non-optimistic) unchoke
	// slots.
	UploadSlots int

	// RechokeInterval is how often to re-evaluate choke/unchoke
	// decisions.
	RechokeInterval time.Duration

	// OptimisticUnchokeInterval is how often to rotate the optimistic
	// unchoke slot.
	OptimisticUnchokeInterval time.Duration

	// PeerHeartbeatInterval is how often to send keep-alive messages to
	// a peer to maintain the connection.
	PeerHeartbeatInterval time.Duration

	// PeerInactivityDuration is the minimum idle interval after which a
	// peer connection is considered inactive and dropped.
	PeerInactivityDuration time.Duration

	// EnableIPv6 defaults to HasIPv6. No component reads it; peer
	// connections are not filtered by address family.
	EnableIPv6 bool

	// HasIPv6 records whether the host has a usable global-unicast IPv6
	// address, computed once at startup.
	HasIPv6 bool

	// EnablePEX enables the peer exchange extension.
	EnablePEX bool

	// RespectPrivateFlag, when true (default), disables DHT/PEX peer
	// discovery for torrents whose info dictionary sets the BEP 27
	// private flag, restricting peer sources to the tracker alone.
	RespectPrivateFlag bool
}

// TrackerConfig governs HTTP/UDP tracker announces.
type TrackerConfig struct {
	// NumWant is the maximum number of peers to request per announce.
	NumWant uint32

	// AnnounceInterval overrides the tracker's suggested interval. 0
	// uses the tracker's own value.
	AnnounceInterval time.Duration

	// MinAnnounceInterval enforces a minimum time between announces.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff for failed announces.
	MaxAnnounceBackoff time.Duration

	// Port is the TCP port this client listens on for incoming peer
	// connections, also advertised in announces.
	Port uint16
}

// DHTConfig governs the Kademlia DHT subsystem.
type DHTConfig struct {
	// Enabled turns on DHT-based peer discovery.
	Enabled bool

	// BootstrapNodes seeds the routing table on first run.
	BootstrapNodes []string

	// ReadOnly advertises BEP 43 read-only mode: the node participates
	// in lookups but is never inserted into other nodes' routing
	// tables, and never accepts store requests.
	ReadOnly bool

	// BucketRefreshInterval is how often a stale bucket is refreshed via
	// a find_node lookup targeting a random ID within its range.
	BucketRefreshInterval time.Duration

	// TokenRotationInterval controls how often BEP 5 announce tokens
	// are rotated; tokens up to two rotations old are accepted.
	TokenRotationInterval time.Duration

	// StorePath is the sqlite database file backing BEP 44/51 persistent
	// storage.
	StorePath string
}

// StorageConfig governs the file assembler and on-disk layout.
type StorageConfig struct {
	// DefaultDownloadDir is the directory where new torrents are saved
	// by default. Changing this only affects new torrents.
	DefaultDownloadDir string

	// WriteBatchSize is a number of completed blocks per batched disk
	// write. No component reads it; writes are not batched by block count.
	WriteBatchSize int

	// MmapCacheSize is the number of open file segments kept
	// memory-mapped in the LRU cache.
	MmapCacheSize int

	// FlushInterval is how often the Disk's background worker flushes
	// dirty cached pages. Adaptive per storage class in principle (tens of ms
	// for HDD, ones of ms for SSD/NVMe); a single static value here.
	FlushInterval time.Duration

	// EnableCDC enables content-defined chunking for cross-file/session
	// block-level deduplication.
	EnableCDC bool
}

// CheckpointConfig governs resume-state persistence.
type CheckpointConfig struct {
	// Dir is the directory checkpoints are written to.
	Dir string

	// Format selects JSON or binary encoding.
	Format CheckpointFormat

	// Interval is how often a checkpoint is written during an active
	// download, in addition to the event-triggered writes (piece
	// verified, graceful shutdown).
	Interval time.Duration
}

// Config aggregates every subsystem's configuration for one client/session.
// It is constructed once via DefaultConfig and
// threaded explicitly into each subsystem's constructor; there is no
// process-global instance.
type Config struct {
	// ClientID is this client's unique peer identifier.
	ClientID [sha1.Size]byte

	Piece      PieceConfig
	Peer       PeerConfig
	Tracker    TrackerConfig
	DHT        DHTConfig
	Storage    StorageConfig
	Checkpoint CheckpointConfig

	// MetricsEnabled is a metrics on/off switch. No component reads it;
	// the client serves no metrics endpoint.
	MetricsEnabled bool

	// MetricsBindAddr is an HTTP address for metrics (e.g. ":9090"). No
	// component reads it.
	MetricsBindAddr string
}

// DefaultConfig returns sensible defaults for most use cases.
func DefaultConfig() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	hasIPv6 := hasIPv6()
	downloadDir := getDefaultDownloadDir()

	return Config{
		ClientID: clientID,
		Piece: PieceConfig{
			Strategy:                   PieceDownloadStrategyRarestFirst,
			MaxInflightRequestsPerPeer: 32,
			MinInflightRequestsPerPeer: 4,
			RequestQueueTime:           3 * time.Second,
			RequestTimeout:             25 * time.Second,
			EndgameDupPerBlock:         2,
			EndgameThreshold:           30,
			MaxRequestsPerPiece:        128,
			IncrementalHashThreshold:   1 << 20,
			RateRefresh:                200 * time.Millisecond,
		},
		Peer: PeerConfig{
			ReadTimeout:               30 * time.Second,
			WriteTimeout:              30 * time.Second,
			DialTimeout:               7 * time.Second,
			MaxPeers:                  50,
			MaxUploadRate:             0,
			MaxDownloadRate:           0,
			PeerOutboundQueueBacklog:  256,
			UploadSlots:               4,
			RechokeInterval:           10 * time.Second,
			OptimisticUnchokeInterval: 30 * time.Second,
			PeerHeartbeatInterval:     60 * time.Second,
			PeerInactivityDuration:    2 * time.Minute,
			EnableIPv6:                hasIPv6,
			HasIPv6:                   hasIPv6,
			EnablePEX:                 false,
			RespectPrivateFlag:        true,
		},
		Tracker: TrackerConfig{
			NumWant:             50,
			AnnounceInterval:    0,
			MinAnnounceInterval: 20 * time.Minute,
			MaxAnnounceBackoff:  45 * time.Minute,
			Port:                6969,
		},
		DHT: DHTConfig{
			Enabled:               false,
			ReadOnly:              false,
			BucketRefreshInterval: 15 * time.Minute,
			TokenRotationInterval: 5 * time.Minute,
			StorePath:             filepath.Join(downloadDir, "..", "dht.db"),
		},
		Storage: StorageConfig{
			DefaultDownloadDir: downloadDir,
			WriteBatchSize:     64,
			MmapCacheSize:      32,
			FlushInterval:      10 * time.Millisecond,
			EnableCDC:          false,
		},
		Checkpoint: CheckpointConfig{
			Dir:      filepath.Join(downloadDir, "..", "checkpoints"),
			Format:   CheckpointFormatJSON,
			Interval: 30 * time.Second,
		},
		MetricsEnabled:  false,
		MetricsBindAddr: ":9090",
	}, nil
}

func hasIPv6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() && !ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch goruntime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "riptide")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "riptide", "downloads")
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-RPTD-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
