package piece

import "testing"

func TestLengthAtLastPieceShorter(t *testing.T) {
	total := int64(25)
	pieceLen := int64(10)

	if n := Count(total, pieceLen); n != 3 {
		t.Fatalf("Count = %d, want 3", n)
	}
	for i, want := range []int{10, 10, 5} {
		got, err := LengthAt(i, total, pieceLen)
		if err != nil {
			t.Fatalf("LengthAt(%d): %v", i, err)
		}
		if got != want {
			t.Fatalf("LengthAt(%d) = %d, want %d", i, got, want)
		}
	}
}

func TestBlockBoundsLastBlockShorter(t *testing.T) {
	pieceLen := BlockLength + 100

	n := BlockCount(pieceLen, BlockLength)
	if n != 2 {
		t.Fatalf("BlockCount = %d, want 2", n)
	}

	begin, length, err := BlockOffsetBounds(pieceLen, BlockLength, 1)
	if err != nil {
		t.Fatalf("BlockOffsetBounds: %v", err)
	}
	if begin != BlockLength || length != 100 {
		t.Fatalf("got begin=%d length=%d, want begin=%d length=100", begin, length, BlockLength)
	}
}

func TestStreamToPieceBlockMapsOffset(t *testing.T) {
	total := int64(3 * BlockLength * 2)
	pieceLen := int64(BlockLength * 2)

	offset := int64(BlockLength) + 5
	pieceIdx, blockIdx, begin := StreamToPieceBlock(offset, total, pieceLen, BlockLength)
	if pieceIdx != 0 || blockIdx != 1 || begin != BlockLength+5 {
		t.Fatalf("got (%d,%d,%d)", pieceIdx, blockIdx, begin)
	}
}
