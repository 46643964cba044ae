// Package storage assembles verified pieces into real files on disk: it
// maps the logical, concatenated torrent byte stream onto BEP 47's file
// list (skipping padding files and applying symlink/executable/hidden
// attributes), batches writes through a small LRU mmap cache, and
// optionally deduplicates repeated content via content-defined chunking.
package storage

import (
	"path/filepath"

	"github.com/prxssh/riptide/internal/meta"
)

// FileEntry is one file's place within the logical torrent byte stream.
// Padding files occupy a range in that stream so piece boundaries line up
// correctly, but are never opened or written to disk.
type FileEntry struct {
	Path    string
	Length  int64
	Offset  int64
	Meta    *meta.File
	Padding bool
}

// BuildLayout walks a torrent's file list in order and returns where each
// file sits in the logical byte stream along with its resolved on-disk
// path. For single-file torrents it synthesizes one entry from Info.Name.
func BuildLayout(info *meta.Info, downloadDir string) []FileEntry {
	if len(info.Files) == 0 {
		return []FileEntry{{
			Path:   filepath.Join(downloadDir, info.Name),
			Length: info.Length,
		}}
	}

	root := filepath.Join(downloadDir, info.Name)
	entries := make([]FileEntry, 0, len(info.Files))
	var offset int64
	for _, f := range info.Files {
		parts := append([]string{root}, f.Path...)
		entries = append(entries, FileEntry{
			Path:    filepath.Join(parts...),
			Length:  f.Length,
			Offset:  offset,
			Meta:    f,
			Padding: f.IsPadding(),
		})
		offset += f.Length
	}
	return entries
}

// Segment is the portion of one on-disk file covered by a byte range of the
// logical torrent stream.
type Segment struct {
	FileIndex    int
	FileOffset   int64
	StreamOffset int64
	Length       int64
}

// SegmentsForRange returns every file segment overlapping
// [streamOffset, streamOffset+length) in stream order. Padding files are
// skipped entirely since they carry no real bytes.
func SegmentsForRange(layout []FileEntry, streamOffset, length int64) []Segment {
	if length <= 0 {
		return nil
	}
	end := streamOffset + length

	var segments []Segment
	for i, entry := range layout {
		if entry.Padding {
			continue
		}

		fileStart := entry.Offset
		fileEnd := entry.Offset + entry.Length

		overlapStart := max64(streamOffset, fileStart)
		overlapEnd := min64(end, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		segments = append(segments, Segment{
			FileIndex:    i,
			FileOffset:   overlapStart - fileStart,
			StreamOffset: overlapStart,
			Length:       overlapEnd - overlapStart,
		})
	}
	return segments
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

func sumLength(layout []FileEntry) int64 {
	var total int64
	for _, e := range layout {
		total += e.Length
	}
	return total
}
