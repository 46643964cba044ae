package dht

import (
	"crypto/sha1"
	"sort"
	"strings"
)

// MaxIndexSamples is BEP 51's cap on recent samples carried in one signed
// index item.
const MaxIndexSamples = 8

// IndexEntry is one BEP 51 infohash-index sample: a torrent this node has
// recently seen announced, under some query term.
type IndexEntry struct {
	InfoHash  [sha1.Size]byte
	Name      string
	Size      int64
	Timestamp int64
}

// NormalizeIndexQuery canonicalizes a BEP 51 query term before hashing it
// into a storage key: lowercase, leading/trailing whitespace trimmed. This
// is pinned so every node in this codebase derives the same key for the
// same human query, regardless of surface formatting.
func NormalizeIndexQuery(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// IndexKey computes the BEP 51 storage key for a (normalized) query.
func IndexKey(query string) [sha1.Size]byte {
	return sha1.Sum([]byte(NormalizeIndexQuery(query)))
}

// EncodeIndexEntries converts up to MaxIndexSamples entries (already
// ordered newest-first) into the bencodable value BEP 51 items store.
func EncodeIndexEntries(entries []IndexEntry) []any {
	if len(entries) > MaxIndexSamples {
		entries = entries[:MaxIndexSamples]
	}

	out := make([]any, len(entries))
	for i, e := range entries {
		out[i] = map[string]any{
			"ih":   string(e.InfoHash[:]),
			"n":    e.Name,
			"size": e.Size,
			"ts":   e.Timestamp,
		}
	}
	return out
}

// DecodeIndexEntries parses a BEP 51 item's v field back into entries.
func DecodeIndexEntries(v any) []IndexEntry {
	list, ok := v.([]any)
	if !ok {
		return nil
	}

	entries := make([]IndexEntry, 0, len(list))
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		ihStr, _ := m["ih"].(string)
		if len(ihStr) != sha1.Size {
			continue
		}
		name, _ := m["n"].(string)
		size, _ := m["size"].(int64)
		ts, _ := m["ts"].(int64)

		var ih [sha1.Size]byte
		copy(ih[:], ihStr)
		entries = append(entries, IndexEntry{InfoHash: ih, Name: name, Size: size, Timestamp: ts})
	}
	return entries
}

// MergeIndexEntry folds a freshly observed entry into existing, keeping at
// most MaxIndexSamples, newest-timestamp-wins on a same-infohash conflict,
// otherwise newest-first ordering.
func MergeIndexEntry(existing []IndexEntry, fresh IndexEntry) []IndexEntry {
	merged := make([]IndexEntry, 0, len(existing)+1)
	replaced := false

	for _, e := range existing {
		if e.InfoHash == fresh.InfoHash {
			if fresh.Timestamp >= e.Timestamp {
				merged = append(merged, fresh)
			} else {
				merged = append(merged, e)
			}
			replaced = true
			continue
		}
		merged = append(merged, e)
	}
	if !replaced {
		merged = append(merged, fresh)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp > merged[j].Timestamp })
	if len(merged) > MaxIndexSamples {
		merged = merged[:MaxIndexSamples]
	}
	return merged
}

// MatchRelevance scores how well a stored sample's name matches a search
// query, in decreasing relevance order: exact (2), prefix (1), substring
// (0). Returns -1 if name does not match query at all.
func MatchRelevance(name, query string) int {
	name, query = strings.ToLower(name), strings.ToLower(query)
	switch {
	case name == query:
		return 2
	case strings.HasPrefix(name, query):
		return 1
	case strings.Contains(name, query):
		return 0
	default:
		return -1
	}
}
