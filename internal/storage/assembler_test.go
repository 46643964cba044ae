package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prxssh/riptide/internal/config"
	"github.com/prxssh/riptide/internal/meta"
)

func testStorageConfig() config.StorageConfig {
	return config.StorageConfig{
		WriteBatchSize: 4,
		MmapCacheSize:  8,
		FlushInterval:  5 * time.Millisecond,
	}
}

func TestAssemblerSingleFileWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	info := &meta.Info{Name: "file.bin", PieceLength: 16, Length: 32}

	asm, err := NewAssembler(info, dir, testStorageConfig(), nil)
	if err != nil {
		t.Fatalf("NewAssembler: %v", err)
	}
	defer asm.Close()

	piece0 := bytes.Repeat([]byte{0xAA}, 16)
	piece1 := bytes.Repeat([]byte{0xBB}, 16)

	if err := asm.WritePiece(0, piece0); err != nil {
		t.Fatalf("WritePiece 0: %v", err)
	}
	if err := asm.WritePiece(1, piece1); err != nil {
		t.Fatalf("WritePiece 1: %v", err)
	}

	got, err := asm.ReadBlock(0, 0, 16)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, piece0) {
		t.Fatalf("read mismatch for piece 0")
	}

	got, err = asm.ReadBlock(1, 0, 16)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, piece1) {
		t.Fatalf("read mismatch for piece 1")
	}
}

func TestAssemblerWritePieceIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	info := &meta.Info{Name: "file.bin", PieceLength: 8, Length: 8}

	asm, err := NewAssembler(info, dir, testStorageConfig(), nil)
	if err != nil {
		t.Fatalf("NewAssembler: %v", err)
	}
	defer asm.Close()

	data := bytes.Repeat([]byte{0x01}, 8)
	if err := asm.WritePiece(0, data); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}
	if !asm.HasWritten(0) {
		t.Fatalf("expected piece 0 to be marked written")
	}

	// a second write of different bytes to the same index must be a no-op.
	if err := asm.WritePiece(0, bytes.Repeat([]byte{0x02}, 8)); err != nil {
		t.Fatalf("WritePiece (second): %v", err)
	}

	got, err := asm.ReadBlock(0, 0, 8)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("idempotent write was overwritten: got %v", got)
	}
}

func TestAssemblerMultiFilePieceSpansBothFiles(t *testing.T) {
	dir := t.TempDir()
	info := &meta.Info{
		Name:        "release",
		PieceLength: 10,
		Files: []*meta.File{
			{Length: 6, Path: []string{"a.txt"}},
			{Length: 6, Path: []string{"b.txt"}},
		},
	}

	asm, err := NewAssembler(info, dir, testStorageConfig(), nil)
	if err != nil {
		t.Fatalf("NewAssembler: %v", err)
	}
	defer asm.Close()

	piece := bytes.Repeat([]byte{0x7F}, 10)
	if err := asm.WritePiece(0, piece); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}
	if err := asm.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	aContent, err := os.ReadFile(filepath.Join(dir, "release", "a.txt"))
	if err != nil {
		t.Fatalf("read a.txt: %v", err)
	}
	if !bytes.Equal(aContent, piece[:6]) {
		t.Fatalf("a.txt content mismatch: got %v", aContent)
	}

	bContent, err := os.ReadFile(filepath.Join(dir, "release", "b.txt"))
	if err != nil {
		t.Fatalf("read b.txt: %v", err)
	}
	if !bytes.Equal(bContent, piece[6:]) {
		t.Fatalf("b.txt content mismatch: got %v", bContent)
	}
}

func TestAssemblerFinalizeFilesAppliesExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bit is a no-op on windows")
	}

	dir := t.TempDir()
	info := &meta.Info{
		Name:        "release",
		PieceLength: 4,
		Files: []*meta.File{
			{Length: 4, Path: []string{"run.sh"}, Attr: "x"},
		},
	}

	asm, err := NewAssembler(info, dir, testStorageConfig(), nil)
	if err != nil {
		t.Fatalf("NewAssembler: %v", err)
	}
	defer asm.Close()

	if err := asm.WritePiece(0, []byte("abcd")); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}
	if err := asm.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := asm.FinalizeFiles(); err != nil {
		t.Fatalf("FinalizeFiles: %v", err)
	}

	path := filepath.Join(dir, "release", "run.sh")
	stat, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if stat.Mode()&0o111 == 0 {
		t.Fatalf("expected executable bit after FinalizeFiles")
	}
}
