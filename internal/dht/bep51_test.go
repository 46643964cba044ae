package dht

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeIndexQuery(t *testing.T) {
	require := require.New(t)

	tests := []struct{ in, want string }{
		{"  Ubuntu 24.04  ", "ubuntu 24.04"},
		{"ALREADY LOWER", "already lower"},
		{"", ""},
	}
	for _, tt := range tests {
		require.Equal(tt.want, NormalizeIndexQuery(tt.in))
	}
}

func TestIndexKeyStableUnderFormatting(t *testing.T) {
	require.Equal(t, IndexKey("Ubuntu"), IndexKey("  ubuntu  "), "IndexKey should be insensitive to case/whitespace")
}

func TestMergeIndexEntryNewestWinsOnConflict(t *testing.T) {
	require := require.New(t)

	var ih [sha1.Size]byte
	ih[0] = 1

	older := IndexEntry{InfoHash: ih, Name: "old name", Timestamp: 100}
	newer := IndexEntry{InfoHash: ih, Name: "new name", Timestamp: 200}

	merged := MergeIndexEntry([]IndexEntry{older}, newer)
	require.Len(merged, 1, "expected same-infohash conflict to collapse to 1 entry")
	require.Equal("new name", merged[0].Name, "expected newest entry to win")
}

func TestMergeIndexEntryCapsAtMaxSamples(t *testing.T) {
	require := require.New(t)

	var existing []IndexEntry
	for i := 0; i < MaxIndexSamples; i++ {
		var ih [sha1.Size]byte
		ih[0] = byte(i + 1)
		existing = MergeIndexEntry(existing, IndexEntry{InfoHash: ih, Timestamp: int64(i)})
	}

	var fresh [sha1.Size]byte
	fresh[0] = 99
	merged := MergeIndexEntry(existing, IndexEntry{InfoHash: fresh, Timestamp: 1000})

	require.Len(merged, MaxIndexSamples)
	require.Equal(int64(1000), merged[0].Timestamp, "newest entry should sort first")
}

func TestMatchRelevance(t *testing.T) {
	require := require.New(t)

	tests := []struct {
		name, query string
		want        int
	}{
		{"ubuntu 24.04", "ubuntu 24.04", 2},
		{"ubuntu 24.04 desktop", "ubuntu 24", 1},
		{"my favorite ubuntu iso", "ubuntu", 0},
		{"debian", "ubuntu", -1},
	}
	for _, tt := range tests {
		require.Equalf(tt.want, MatchRelevance(tt.name, tt.query), "MatchRelevance(%q, %q)", tt.name, tt.query)
	}
}

func TestEncodeDecodeIndexEntriesRoundTrip(t *testing.T) {
	require := require.New(t)

	var ih [sha1.Size]byte
	ih[3] = 42

	entries := []IndexEntry{{InfoHash: ih, Name: "some.iso", Size: 12345, Timestamp: 9000}}
	encoded := EncodeIndexEntries(entries)
	decoded := DecodeIndexEntries(encoded)

	require.Len(decoded, 1)
	require.Equal(entries[0], decoded[0], "round trip mismatch")
}
