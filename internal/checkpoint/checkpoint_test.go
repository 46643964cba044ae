package checkpoint

import (
	"context"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prxssh/riptide/internal/config"
	"github.com/prxssh/riptide/internal/meta"
	"github.com/prxssh/riptide/internal/piece"
	"github.com/prxssh/riptide/internal/storage"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, format config.CheckpointFormat) config.CheckpointConfig {
	t.Helper()
	return config.CheckpointConfig{
		Dir:      t.TempDir(),
		Format:   format,
		Interval: time.Hour,
	}
}

func testInfoHash() [sha1.Size]byte {
	return sha1.Sum([]byte("checkpoint-test-torrent"))
}

func TestManagerSaveLoadRoundTripJSON(t *testing.T) {
	require := require.New(t)
	cfg := testConfig(t, config.CheckpointFormatJSON)
	mgr := NewManager(cfg, nil, nil)

	infoHash := testInfoHash()
	cp := &TorrentCheckpoint{
		InfoHash:       infoHash,
		Name:           "ubuntu.iso",
		PieceLength:    1 << 18,
		TotalLength:    1 << 24,
		VerifiedPieces: []int{0, 1, 2, 5, 8},
		Uploaded:       1024,
		Downloaded:     4096,
	}

	require.NoError(mgr.Save(cp))

	loaded, err := mgr.Load(infoHash)
	require.NoError(err)
	require.NotNil(loaded)
	require.Equal(cp.Name, loaded.Name)
	require.Equal(cp.VerifiedPieces, loaded.VerifiedPieces)
	require.Equal(cp.Uploaded, loaded.Uploaded)
	require.False(loaded.SavedAt.IsZero())
}

func TestManagerSaveLoadRoundTripBinary(t *testing.T) {
	require := require.New(t)
	cfg := testConfig(t, config.CheckpointFormatBinary)
	mgr := NewManager(cfg, nil, nil)

	infoHash := testInfoHash()
	cp := &TorrentCheckpoint{
		InfoHash:       infoHash,
		Name:           "debian.iso",
		VerifiedPieces: []int{3, 4, 7},
	}

	require.NoError(mgr.Save(cp))

	loaded, err := mgr.Load(infoHash)
	require.NoError(err)
	require.Equal(cp.VerifiedPieces, loaded.VerifiedPieces)

	entries, err := os.ReadDir(cfg.Dir)
	require.NoError(err)
	require.Len(entries, 1, "stray .tmp file left behind after save")
	require.True(filepath.Ext(entries[0].Name()) == ".bin")
}

func TestManagerLoadMissingIsNotAnError(t *testing.T) {
	require := require.New(t)
	mgr := NewManager(testConfig(t, config.CheckpointFormatJSON), nil, nil)

	loaded, err := mgr.Load(testInfoHash())
	require.NoError(err)
	require.Nil(loaded)
}

func TestManagerSaveOverwritesAtomically(t *testing.T) {
	require := require.New(t)
	cfg := testConfig(t, config.CheckpointFormatJSON)
	mgr := NewManager(cfg, nil, nil)
	infoHash := testInfoHash()

	require.NoError(mgr.Save(&TorrentCheckpoint{InfoHash: infoHash, VerifiedPieces: []int{1}}))
	require.NoError(mgr.Save(&TorrentCheckpoint{InfoHash: infoHash, VerifiedPieces: []int{1, 2, 3}}))

	entries, err := os.ReadDir(cfg.Dir)
	require.NoError(err)
	require.Len(entries, 1, "rename should replace the previous checkpoint, not add to it")

	loaded, err := mgr.Load(infoHash)
	require.NoError(err)
	require.Equal([]int{1, 2, 3}, loaded.VerifiedPieces)
}

func TestRunPeriodicSavesOnShutdown(t *testing.T) {
	require := require.New(t)
	cfg := testConfig(t, config.CheckpointFormatJSON)
	mgr := NewManager(cfg, nil, nil)
	infoHash := testInfoHash()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.RunPeriodic(ctx, func() *TorrentCheckpoint {
			return &TorrentCheckpoint{InfoHash: infoHash, VerifiedPieces: []int{9}}
		})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunPeriodic did not return after context cancellation")
	}

	loaded, err := mgr.Load(infoHash)
	require.NoError(err)
	require.NotNil(loaded, "clean shutdown should have produced one final save")
	require.Equal([]int{9}, loaded.VerifiedPieces)
}

// buildSingleFileTorrent writes a small single-file torrent's content to
// dir/name and returns its Info alongside the SHA-1 of each piece.
func buildSingleFileTorrent(t *testing.T, dir, name string, pieceLength int64, pieceCount int) (*meta.Info, [][sha1.Size]byte) {
	t.Helper()

	total := pieceLength * int64(pieceCount)
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))

	hashes := make([][sha1.Size]byte, pieceCount)
	for i := 0; i < pieceCount; i++ {
		hashes[i] = sha1.Sum(data[int64(i)*pieceLength : int64(i+1)*pieceLength])
	}

	info := &meta.Info{
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      hashes,
		Length:      total,
	}
	return info, hashes
}

func TestResumeDropsPiecesThatFailReverification(t *testing.T) {
	require := require.New(t)

	const pieceLength = 1 << 12
	const pieceCount = 4
	dir := t.TempDir()
	info, hashes := buildSingleFileTorrent(t, dir, "payload.bin", pieceLength, pieceCount)

	assembler, err := storage.NewAssembler(info, dir, config.StorageConfig{}, nil)
	require.NoError(err)
	defer assembler.Close()

	store, err := piece.NewStore(dir, info.Name, [][]string{{info.Name}}, []int64{info.Length}, pieceLength)
	require.NoError(err)
	mgr := piece.NewManager(config.PieceConfig{}, info.Length, pieceLength, hashes, 10, store, nil)

	cfg := testConfig(t, config.CheckpointFormatJSON)
	infoHash := sha1.Sum([]byte("resume-test"))
	checkpointer := NewManager(cfg, nil, nil)
	require.NoError(checkpointer.Save(&TorrentCheckpoint{
		InfoHash:       infoHash,
		VerifiedPieces: []int{0, 1, 2, 3},
	}))

	// Truncate the file on disk after the checkpoint was written, simulating
	// corruption that happened between the last save and this restart.
	require.NoError(os.Truncate(filepath.Join(dir, "payload.bin"), pieceLength*2))

	cp, err := Resume(cfg, infoHash, hashes, info.Length, pieceLength, assembler, mgr, nil)
	require.NoError(err)
	require.NotNil(cp)
	require.Equal([]int{0, 1}, cp.VerifiedPieces, "pieces past the truncation point must not survive resume")

	states := mgr.PieceStates()
	byIndex := make(map[int]piece.PieceState, len(states))
	for _, ps := range states {
		byIndex[ps.Index] = ps
	}
	require.Equal(piece.PieceVerified, byIndex[0].Status)
	require.Equal(piece.PieceVerified, byIndex[1].Status)
	require.NotEqual(piece.PieceVerified, byIndex[2].Status)
	require.NotEqual(piece.PieceVerified, byIndex[3].Status)
}

func TestResumeWithNoCheckpointReturnsNil(t *testing.T) {
	require := require.New(t)

	const pieceLength = 1 << 12
	dir := t.TempDir()
	info, hashes := buildSingleFileTorrent(t, dir, "payload.bin", pieceLength, 2)

	assembler, err := storage.NewAssembler(info, dir, config.StorageConfig{}, nil)
	require.NoError(err)
	defer assembler.Close()

	store, err := piece.NewStore(dir, info.Name, [][]string{{info.Name}}, []int64{info.Length}, pieceLength)
	require.NoError(err)
	mgr := piece.NewManager(config.PieceConfig{}, info.Length, pieceLength, hashes, 10, store, nil)

	cp, err := Resume(testConfig(t, config.CheckpointFormatJSON), sha1.Sum([]byte("no-checkpoint")), hashes, info.Length, pieceLength, assembler, mgr, nil)
	require.NoError(err)
	require.Nil(cp)
}
