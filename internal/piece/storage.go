package piece

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DataFile is a single file on disk belonging to the torrent. Each file
// occupies a contiguous byte range [Offset, Offset+Length) within the
// concatenated torrent byte stream.
type DataFile struct {
	Path   string
	Length int64
	Offset int64
	f      *os.File
}

// pieceBuffer holds all blocks for a piece until it's verified.
type pieceBuffer struct {
	blocks     map[int][]byte
	blockCount int
	length     int
}

// BlockInfo describes a single block's position inside a piece.
type BlockInfo struct {
	PieceIndex  int
	BlockIndex  int
	PieceLength int
	BlockLength int
}

// Store coordinates verified piece I/O across every file of a torrent:
// BitTorrent treats all files as one continuous byte stream, and a piece
// index refers to a range within it. Store maps those ranges to real
// files/offsets and performs the actual reads/writes.
type Store struct {
	files       []DataFile
	totalBytes  int64
	pieceLength int64

	mu      sync.RWMutex
	buffers map[int]*pieceBuffer
}

// NewStore prepares directories, opens/truncates every file, and
// precomputes each file's stream offset.
//
// Layout on disk: <rootDir>/<torrentName>/... for multi-file torrents, or
// <rootDir>/<torrentName> for single-file ones (paths == [[name]]).
func NewStore(rootDir, torrentName string, paths [][]string, lens []int64, pieceLength int64) (*Store, error) {
	if len(paths) != len(lens) {
		return nil, fmt.Errorf("piece: paths/lengths mismatch")
	}
	if pieceLength <= 0 {
		return nil, fmt.Errorf("piece: invalid piece length: %d", pieceLength)
	}

	var files []DataFile
	var offset int64
	root := filepath.Join(rootDir, torrentName)
	if len(paths) == 1 && len(paths[0]) == 1 && paths[0][0] == torrentName {
		root = rootDir
	}

	for i := range paths {
		fullPath := filepath.Join(root, filepath.Join(paths[i]...))

		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return nil, fmt.Errorf("piece: mkdir: %w", err)
		}
		f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("piece: open %s: %w", fullPath, err)
		}
		if err := f.Truncate(lens[i]); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("piece: truncate %s: %w", fullPath, err)
		}

		files = append(files, DataFile{Path: fullPath, Length: lens[i], Offset: offset, f: f})
		offset += lens[i]
	}

	return &Store{
		files:       files,
		totalBytes:  offset,
		pieceLength: pieceLength,
		buffers:     make(map[int]*pieceBuffer),
	}, nil
}

func (s *Store) Close() error {
	var err error
	for i := range s.files {
		if e := s.files[i].f.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// BufferBlock stores a downloaded block in memory for its piece.
func (s *Store) BufferBlock(data []byte, bi BlockInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pb, ok := s.buffers[bi.PieceIndex]
	if !ok {
		pb = &pieceBuffer{
			blocks:     make(map[int][]byte),
			blockCount: BlockCount(bi.PieceLength, bi.BlockLength),
			length:     bi.PieceLength,
		}
		s.buffers[bi.PieceIndex] = pb
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	pb.blocks[bi.BlockIndex] = cp
}

// FlushPiece assembles the buffered piece, verifies its SHA-1, and writes
// the piece bytes to their files on success. Returns (true, nil) on
// success and (false, nil) on a hash mismatch (the caller re-queues it).
func (s *Store) FlushPiece(pieceIdx int, expectedHash [sha1.Size]byte) (bool, error) {
	s.mu.RLock()
	pb, ok := s.buffers[pieceIdx]
	s.mu.RUnlock()

	if !ok {
		return false, fmt.Errorf("piece: piece %d not buffered", pieceIdx)
	}
	if len(pb.blocks) != pb.blockCount {
		return false, fmt.Errorf("piece: piece %d incomplete: have %d/%d blocks", pieceIdx, len(pb.blocks), pb.blockCount)
	}

	data := make([]byte, 0, pb.length)
	for bi := 0; bi < pb.blockCount; bi++ {
		chunk, ok := pb.blocks[bi]
		if !ok {
			return false, fmt.Errorf("piece: piece %d missing block %d", pieceIdx, bi)
		}
		data = append(data, chunk...)
	}

	s.mu.Lock()
	delete(s.buffers, pieceIdx)
	s.mu.Unlock()

	if sha1.Sum(data) != expectedHash {
		return false, nil
	}

	start := int64(pieceIdx) * s.pieceLength
	if err := s.writeStreamAt(data, start); err != nil {
		return false, fmt.Errorf("piece: write piece %d: %w", pieceIdx, err)
	}
	return true, nil
}

// RecheckPiece reads a piece back from disk and verifies its SHA-1, used by
// the resume/recheck path.
func (s *Store) RecheckPiece(pieceIdx, length int, expectedHash [sha1.Size]byte) (bool, error) {
	buf := make([]byte, length)
	start := int64(pieceIdx) * s.pieceLength
	if err := s.readStreamAt(buf, start); err != nil {
		return false, fmt.Errorf("piece: read piece %d: %w", pieceIdx, err)
	}
	return sha1.Sum(buf) == expectedHash, nil
}

// readStreamAt reads into p from the logical torrent byte stream at
// streamOff, spanning as many underlying files as needed.
func (s *Store) readStreamAt(p []byte, streamOff int64) error {
	return s.streamIO(p, streamOff, (*os.File).ReadAt)
}

// writeStreamAt writes p into the logical torrent byte stream at
// streamOff, spanning as many underlying files as needed. p must already
// be verified.
func (s *Store) writeStreamAt(p []byte, streamOff int64) error {
	return s.streamIO(p, streamOff, (*os.File).WriteAt)
}

func (s *Store) streamIO(p []byte, streamOff int64, op func(*os.File, []byte, int64) (int, error)) error {
	if len(p) == 0 {
		return nil
	}
	end := streamOff + int64(len(p))

	for i := range s.files {
		f := &s.files[i]
		if end <= f.Offset || streamOff >= f.Offset+f.Length {
			continue
		}

		fileStart := max64(streamOff, f.Offset)
		fileEnd := min64(end, f.Offset+f.Length)
		n := fileEnd - fileStart
		if n <= 0 {
			continue
		}

		pStart := fileStart - streamOff
		fileOff := fileStart - f.Offset
		if _, err := op(f.f, p[pStart:pStart+n], fileOff); err != nil {
			return fmt.Errorf("piece: %s@%d: %w", f.Path, fileOff, err)
		}
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// ReadPiece reads length bytes starting at byte begin within piece index,
// used to serve outbound REQUEST messages to peers we're seeding to.
func (m *Manager) ReadPiece(index, begin, length int) ([]byte, error) {
	pieceLen, err := LengthAt(index, m.torrentSize, m.pieceLength)
	if err != nil {
		return nil, err
	}
	if begin < 0 || length <= 0 || begin+length > pieceLen {
		return nil, fmt.Errorf("piece: invalid read: index=%d begin=%d length=%d pieceLen=%d", index, begin, length, pieceLen)
	}

	start, _, err := OffsetBounds(index, m.torrentSize, m.pieceLength)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	if err := m.store.readStreamAt(buf, start+int64(begin)); err != nil {
		return nil, err
	}
	return buf, nil
}
