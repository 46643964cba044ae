// Package piece implements the piece manager: piece/block state tracking,
// rarest-first/sequential/random/endgame selection, SHA-1 verification, and
// the disk-backed store that assembles verified pieces into torrent files.
package piece

import "fmt"

// BlockLength is the wire-level request granularity. All blocks are
// BlockLength bytes except the final block of a piece, which may be
// shorter.
const BlockLength = 16 * 1024 // 16 KiB

// Count returns how many pieces are needed to cover totalSize bytes, given a
// fixed pieceLength (the last piece may be shorter).
func Count(totalSize, pieceLength int64) int {
	if totalSize <= 0 || pieceLength <= 0 {
		return 0
	}
	return int((totalSize + pieceLength - 1) / pieceLength)
}

// LastLength returns the exact byte length of the final piece.
func LastLength(totalSize, pieceLength int64) int {
	if totalSize <= 0 || pieceLength <= 0 {
		return 0
	}
	if rem := int(totalSize % pieceLength); rem != 0 {
		return rem
	}
	return int(pieceLength)
}

// LengthAt returns the piece length for a specific piece index.
func LengthAt(index int, totalSize, pieceLength int64) (int, error) {
	n := Count(totalSize, pieceLength)
	if index < 0 || index >= n {
		return 0, fmt.Errorf("piece: index out of range: %d (count=%d)", index, n)
	}
	if index == n-1 {
		return LastLength(totalSize, pieceLength), nil
	}
	return int(pieceLength), nil
}

// OffsetBounds returns the [start, end) byte range in the global torrent
// stream occupied by piece index.
func OffsetBounds(index int, totalSize, pieceLength int64) (start, end int64, err error) {
	pl, err := LengthAt(index, totalSize, pieceLength)
	if err != nil {
		return 0, 0, err
	}
	start = int64(index) * pieceLength
	return start, start + int64(pl), nil
}

// IndexForOffset maps a stream byte offset to its piece index, or -1 if out
// of range.
func IndexForOffset(offset, totalSize, pieceLength int64) int {
	if offset < 0 || offset >= totalSize || pieceLength <= 0 {
		return -1
	}
	return int(offset / pieceLength)
}

// BlockCount returns how many blocks compose a piece of length pieceLen,
// given blockLen (the last block may be shorter).
func BlockCount(pieceLen, blockLen int) int {
	if pieceLen <= 0 || blockLen <= 0 {
		return 0
	}
	n := pieceLen / blockLen
	if pieceLen%blockLen != 0 {
		n++
	}
	return n
}

// LastBlockLength returns the byte length of the final block in a piece.
func LastBlockLength(pieceLen, blockLen int) int {
	if pieceLen <= 0 || blockLen <= 0 {
		return 0
	}
	if rem := pieceLen % blockLen; rem != 0 {
		return rem
	}
	return blockLen
}

// BlockOffsetBounds returns block blockIdx's [begin, length) within a piece
// of length pieceLen.
func BlockOffsetBounds(pieceLen, blockLen, blockIdx int) (begin, length int, err error) {
	n := BlockCount(pieceLen, blockLen)
	if blockIdx < 0 || blockIdx >= n {
		return 0, 0, fmt.Errorf("piece: block index out of range: %d (count=%d)", blockIdx, n)
	}
	begin = blockIdx * blockLen
	length = blockLen
	if blockIdx == n-1 {
		length = LastBlockLength(pieceLen, blockLen)
	}
	return begin, length, nil
}

// BlockIndexForBegin returns the block index inside a piece for byte offset
// begin within that piece, or -1 if out of range.
func BlockIndexForBegin(begin, pieceLen, blockLen int) int {
	if begin < 0 || begin >= pieceLen || blockLen <= 0 {
		return -1
	}
	return begin / blockLen
}

// BlocksInPiece uses the package-wide BlockLength.
func BlocksInPiece(pieceLen int) int { return BlockCount(pieceLen, BlockLength) }

// BlockBounds uses the package-wide BlockLength.
func BlockBounds(pieceLen, blockIdx int) (begin, length int, err error) {
	return BlockOffsetBounds(pieceLen, BlockLength, blockIdx)
}

// StreamToPieceBlock maps a stream byte offset to (pieceIdx, blockIdx,
// beginWithinPiece), or (-1, -1, -1) on invalid input.
func StreamToPieceBlock(offset, totalSize, pieceLength int64, blockLen int) (pieceIdx, blockIdx, begin int) {
	pieceIdx = IndexForOffset(offset, totalSize, pieceLength)
	if pieceIdx < 0 {
		return -1, -1, -1
	}
	start, _, err := OffsetBounds(pieceIdx, totalSize, pieceLength)
	if err != nil {
		return -1, -1, -1
	}
	begin = int(offset - start)
	pl, _ := LengthAt(pieceIdx, totalSize, pieceLength)
	blockIdx = BlockIndexForBegin(begin, pl, blockLen)
	if blockIdx < 0 {
		return -1, -1, -1
	}
	return pieceIdx, blockIdx, begin
}

func packKey(pieceIdx, blockIdx int) uint64 {
	return uint64(uint32(pieceIdx))<<32 | uint64(uint32(blockIdx))
}
