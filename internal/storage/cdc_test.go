package storage

import (
	"bytes"
	"testing"
)

func TestChunkBoundariesCoverWholeInput(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 20000) // ~160KB, well past max chunk size
	bounds := ChunkBoundaries(data)

	if len(bounds) == 0 {
		t.Fatalf("expected at least one boundary")
	}
	if bounds[len(bounds)-1] != len(data) {
		t.Fatalf("last boundary should cover the whole input: got %d, want %d", bounds[len(bounds)-1], len(data))
	}

	prev := 0
	for _, b := range bounds {
		size := b - prev
		if size > cdcMaxChunk {
			t.Fatalf("chunk size %d exceeds cdcMaxChunk", size)
		}
		prev = b
	}
}

func TestChunkBoundariesDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte{0x42, 0x13, 0x37, 0x99}, 10000)
	a := ChunkBoundaries(data)
	b := ChunkBoundaries(data)

	if len(a) != len(b) {
		t.Fatalf("chunking is not deterministic: lengths differ")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("chunking is not deterministic at index %d", i)
		}
	}
}

func TestDedupStoreObservesDuplicates(t *testing.T) {
	store := NewDedupStore()

	chunk := []byte("repeated content block")
	_, dup1 := store.Observe(chunk)
	_, dup2 := store.Observe(chunk)

	if dup1 {
		t.Fatalf("first observation should not be a duplicate")
	}
	if !dup2 {
		t.Fatalf("second observation of identical content should be a duplicate")
	}
	if store.UniqueChunks() != 1 {
		t.Fatalf("expected 1 unique chunk, got %d", store.UniqueChunks())
	}
}

func TestChunkHashStable(t *testing.T) {
	chunk := []byte("hash me")
	if ChunkHash(chunk) != ChunkHash(chunk) {
		t.Fatalf("ChunkHash should be stable for identical input")
	}
}
