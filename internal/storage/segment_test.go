package storage

import (
	"testing"

	"github.com/prxssh/riptide/internal/meta"
)

func TestBuildLayoutSingleFile(t *testing.T) {
	info := &meta.Info{Name: "movie.mkv", Length: 4096}
	layout := BuildLayout(info, "/downloads")

	if len(layout) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(layout))
	}
	if layout[0].Path != "/downloads/movie.mkv" {
		t.Fatalf("unexpected path: %s", layout[0].Path)
	}
	if layout[0].Length != 4096 {
		t.Fatalf("unexpected length: %d", layout[0].Length)
	}
}

func TestBuildLayoutMultiFilePaddingAdvancesOffset(t *testing.T) {
	info := &meta.Info{
		Name: "release",
		Files: []*meta.File{
			{Length: 100, Path: []string{"a.txt"}},
			{Length: 28, Path: []string{".pad", "0"}, Attr: "p"},
			{Length: 200, Path: []string{"b.txt"}},
		},
	}
	layout := BuildLayout(info, "/downloads")

	if len(layout) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(layout))
	}
	if !layout[1].Padding {
		t.Fatalf("expected second entry to be padding")
	}
	if layout[2].Offset != 128 {
		t.Fatalf("padding must still advance the running offset: got %d, want 128", layout[2].Offset)
	}
}

func TestSegmentsForRangeSkipsPadding(t *testing.T) {
	layout := []FileEntry{
		{Path: "a", Length: 100, Offset: 0},
		{Path: "pad", Length: 50, Offset: 100, Padding: true},
		{Path: "b", Length: 100, Offset: 150},
	}

	segs := SegmentsForRange(layout, 90, 80)
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if segs[0].FileIndex != 0 || segs[0].Length != 10 {
		t.Fatalf("unexpected first segment: %+v", segs[0])
	}
	if segs[1].FileIndex != 2 || segs[1].Length != 20 {
		t.Fatalf("unexpected second segment: %+v", segs[1])
	}
}

func TestSegmentsForRangeEmptyLength(t *testing.T) {
	layout := []FileEntry{{Path: "a", Length: 100, Offset: 0}}
	if segs := SegmentsForRange(layout, 0, 0); segs != nil {
		t.Fatalf("expected nil segments for zero length, got %v", segs)
	}
}
