// Package checkpoint persists and restores a torrent's download progress
// across restarts: a snapshot of which pieces have verified, written
// durably with a temp-file-then-rename sequence so a crash mid-write never
// leaves a corrupt checkpoint behind, and a resume procedure that
// re-verifies the claimed pieces against what's actually on disk before
// trusting them.
package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prxssh/riptide/internal/config"
	"github.com/prxssh/riptide/internal/eventbus"
	"github.com/prxssh/riptide/internal/piece"
	"github.com/prxssh/riptide/internal/storage"
)

// TorrentCheckpoint is a point-in-time snapshot of one torrent's resumable
// state.
type TorrentCheckpoint struct {
	InfoHash       [sha1.Size]byte
	Name           string
	PieceLength    int64
	TotalLength    int64
	VerifiedPieces []int
	Uploaded       int64
	Downloaded     int64
	SavedAt        time.Time
}

// defaultInterval is used when CheckpointConfig.Interval is unset.
const defaultInterval = 30 * time.Second

// Manager writes and loads TorrentCheckpoints for a single session's
// checkpoint directory, and drives the timer/shutdown write triggers.
type Manager struct {
	cfg    config.CheckpointConfig
	log    *slog.Logger
	events *eventbus.Bus
}

// NewManager builds a Manager. events is optional; when set, every
// successful Save publishes a checkpoint_saved event.
func NewManager(cfg config.CheckpointConfig, events *eventbus.Bus, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, log: log.With("component", "checkpoint"), events: events}
}

func (m *Manager) pathFor(infoHash [sha1.Size]byte) string {
	ext := "json"
	if m.cfg.Format == config.CheckpointFormatBinary {
		ext = "bin"
	}
	return filepath.Join(m.cfg.Dir, fmt.Sprintf("%x.%s", infoHash, ext))
}

func encode(cp *TorrentCheckpoint, format config.CheckpointFormat) ([]byte, error) {
	if format == config.CheckpointFormatBinary {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(cp); err != nil {
			return nil, fmt.Errorf("checkpoint: gob encode: %w", err)
		}
		return buf.Bytes(), nil
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: json encode: %w", err)
	}
	return data, nil
}

func decode(data []byte, format config.CheckpointFormat) (*TorrentCheckpoint, error) {
	cp := &TorrentCheckpoint{}
	if format == config.CheckpointFormatBinary {
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(cp); err != nil {
			return nil, fmt.Errorf("checkpoint: gob decode: %w", err)
		}
		return cp, nil
	}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("checkpoint: json decode: %w", err)
	}
	return cp, nil
}

// Save durably persists cp: encode to the configured format, write to a
// sibling temp file, fsync it, then rename over the final path. The rename
// is atomic on every platform riptide targets, so a reader never observes a
// partially written checkpoint.
func (m *Manager) Save(cp *TorrentCheckpoint) error {
	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir %s: %w", m.cfg.Dir, err)
	}

	cp.SavedAt = time.Now()
	data, err := encode(cp, m.cfg.Format)
	if err != nil {
		return err
	}

	final := m.pathFor(cp.InfoHash)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: close temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: rename into place: %w", err)
	}

	m.log.Info("checkpoint saved", "info_hash", fmt.Sprintf("%x", cp.InfoHash), "verified_pieces", len(cp.VerifiedPieces))
	if m.events != nil {
		m.events.Publish(eventbus.CheckpointSaved, eventbus.CheckpointSavedPayload{InfoHash: cp.InfoHash, Path: final})
	}
	return nil
}

// Load reads infoHash's checkpoint file. A missing file is not an error: it
// returns (nil, nil), meaning "nothing to resume."
func (m *Manager) Load(infoHash [sha1.Size]byte) (*TorrentCheckpoint, error) {
	data, err := os.ReadFile(m.pathFor(infoHash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %x: %w", infoHash, err)
	}
	return decode(data, m.cfg.Format)
}

// RunPeriodic calls snapshot and saves the result every CheckpointConfig.Interval,
// and once more (a final, synchronous save) the moment ctx is cancelled, so a
// clean shutdown never loses progress made since the last tick. snapshot may
// return nil to skip a write (e.g. nothing changed yet).
func (m *Manager) RunPeriodic(ctx context.Context, snapshot func() *TorrentCheckpoint) {
	interval := m.cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if cp := snapshot(); cp != nil {
				if err := m.Save(cp); err != nil {
					m.log.Warn("checkpoint save on shutdown failed", "error", err)
				}
			}
			return
		case <-ticker.C:
			if cp := snapshot(); cp != nil {
				if err := m.Save(cp); err != nil {
					m.log.Warn("periodic checkpoint save failed", "error", err)
				}
			}
		}
	}
}

// Resume runs the four-step resume procedure: (1) load the checkpoint file,
// (2) re-verify every piece it claims as complete against the bytes
// actually on disk via the Assembler, catching files that were deleted,
// truncated, or corrupted since the last save, (3) reapply BEP 47 file
// attributes now that file content is known, and (4) seed mgr's verified set
// with only the pieces that survived re-verification. Returns (nil, nil) if
// there is no checkpoint to resume from.
func Resume(
	cfg config.CheckpointConfig,
	infoHash [sha1.Size]byte,
	pieceHashes [][sha1.Size]byte,
	totalLength, pieceLength int64,
	assembler *storage.Assembler,
	mgr *piece.Manager,
	log *slog.Logger,
) (*TorrentCheckpoint, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "checkpoint")

	m := NewManager(cfg, nil, log)
	cp, err := m.Load(infoHash)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, nil
	}

	confirmed := make([]int, 0, len(cp.VerifiedPieces))
	for _, idx := range cp.VerifiedPieces {
		if idx < 0 || idx >= len(pieceHashes) {
			continue
		}
		length, err := piece.LengthAt(idx, totalLength, pieceLength)
		if err != nil {
			continue
		}
		if assembler.VerifyPiece(idx, length, pieceHashes[idx]) {
			confirmed = append(confirmed, idx)
		} else {
			log.Warn("checkpoint: piece failed re-verification on resume, will re-download", "piece", idx)
		}
	}

	if err := assembler.FinalizeFiles(); err != nil {
		log.Warn("checkpoint: reapplying file attributes on resume failed", "error", err)
	}

	mgr.RestoreVerified(confirmed)
	claimed := len(cp.VerifiedPieces)
	cp.VerifiedPieces = confirmed

	log.Info("resumed from checkpoint", "info_hash", fmt.Sprintf("%x", infoHash),
		"claimed", claimed, "confirmed", len(confirmed))
	return cp, nil
}
