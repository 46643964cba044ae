package meta

import (
	"bytes"
	"crypto/sha1"
	"reflect"
	"testing"
	"time"

	"github.com/prxssh/riptide/internal/bencode"
)

func mkPieces(n int) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.Write(bytes.Repeat([]byte{byte('a' + i)}, sha1.Size))
	}
	return buf.Bytes()
}

func contains(s, substr string) bool { return bytes.Contains([]byte(s), []byte(substr)) }

func TestParseMetainfo_SingleFile_OK(t *testing.T) {
	info := map[string]any{
		"name":         "file.txt",
		"piece length": int64(16384),
		"pieces":       string(mkPieces(2)),
		"length":       int64(1234),
	}
	root := map[string]any{
		"announce":      "http://tracker",
		"creation date": int64(1700000000),
		"created by":    "tester",
		"comment":       "hello",
		"encoding":      "UTF-8",
		"info":          info,
	}

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	mi, err := ParseMetainfo(data)
	if err != nil {
		t.Fatalf("ParseMetainfo error: %v", err)
	}

	if mi.Announce != "http://tracker" {
		t.Fatalf("announce = %q", mi.Announce)
	}
	if len(mi.AnnounceList) != 0 {
		t.Fatalf("announce-list = %#v, want empty", mi.AnnounceList)
	}

	wantDate := time.Unix(1700000000, 0).UTC()
	if !mi.CreationDate.Equal(wantDate) {
		t.Fatalf("creation date = %v, want %v", mi.CreationDate, wantDate)
	}
	if mi.CreatedBy != "tester" || mi.Comment != "hello" || mi.Encoding != "UTF-8" {
		t.Fatalf("metadata fields mismatch: %#v", mi)
	}

	if mi.Info.Name != "file.txt" {
		t.Fatalf("name = %q", mi.Info.Name)
	}
	if mi.Info.PieceLength != 16384 {
		t.Fatalf("piece length = %d", mi.Info.PieceLength)
	}
	if len(mi.Info.Pieces) != 2 {
		t.Fatalf("pieces len = %d, want 2", len(mi.Info.Pieces))
	}
	if mi.Info.Length != 1234 || len(mi.Info.Files) != 0 {
		t.Fatalf("layout mismatch: length=%d files=%d", mi.Info.Length, len(mi.Info.Files))
	}

	hashed, err := bencode.Marshal(info)
	if err != nil {
		t.Fatalf("marshal info: %v", err)
	}
	wantHash := sha1.Sum(hashed)
	if mi.InfoHash != wantHash {
		t.Fatalf("info hash mismatch")
	}
}

func TestParseMetainfo_MultiFileWithBEP47Attrs_OK(t *testing.T) {
	shaBytes := bytes.Repeat([]byte{0x42}, sha1.Size)

	files := []any{
		map[string]any{"length": int64(10), "path": []any{"a", "b.txt"}},
		map[string]any{"length": int64(20), "path": []any{"c.txt"}, "sha1": string(shaBytes)},
		map[string]any{"length": int64(0), "path": []any{".pad", "8"}, "attr": "p"},
		map[string]any{
			"length":       int64(0),
			"path":         []any{"link.txt"},
			"attr":         "l",
			"symlink path": []any{"c.txt"},
		},
	}

	info := map[string]any{
		"name":         "dir",
		"piece length": int64(32768),
		"pieces":       string(mkPieces(1)),
		"files":        files,
		"private":      int64(1),
	}
	root := map[string]any{"announce": "udp://tracker", "info": info}

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	mi, err := ParseMetainfo(data)
	if err != nil {
		t.Fatalf("ParseMetainfo error: %v", err)
	}

	if !mi.Info.Private {
		t.Fatalf("private flag not parsed")
	}
	if len(mi.Info.Files) != 4 {
		t.Fatalf("files parsed incorrectly: %+v", mi.Info.Files)
	}

	if want := []string{"a", "b.txt"}; !reflect.DeepEqual(mi.Info.Files[0].Path, want) {
		t.Fatalf("file0 path = %#v, want %#v", mi.Info.Files[0].Path, want)
	}

	f1 := mi.Info.Files[1]
	if f1.SHA1 == nil || string(f1.SHA1[:]) != string(shaBytes) {
		t.Fatalf("file1 sha1 = %v, want %x", f1.SHA1, shaBytes)
	}

	if !mi.Info.Files[2].IsPadding() {
		t.Fatalf("file2 expected padding attr")
	}

	f3 := mi.Info.Files[3]
	if !f3.IsSymlink() {
		t.Fatalf("file3 expected symlink attr")
	}
	if want := []string{"c.txt"}; !reflect.DeepEqual(f3.SymlinkPath, want) {
		t.Fatalf("file3 symlink path = %#v, want %#v", f3.SymlinkPath, want)
	}

	// Size() skips padding files.
	if got, want := mi.Size(), int64(30); got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}
}

func TestParseMetainfo_AnnounceListOnly_OK(t *testing.T) {
	info := map[string]any{
		"name":         "f",
		"piece length": int64(16384),
		"pieces":       string(mkPieces(1)),
		"length":       int64(1),
	}
	tiers := []any{
		[]any{"http://t1", "http://t1b"},
		[]any{"http://t2"},
	}
	root := map[string]any{"announce-list": tiers, "info": info}
	data, _ := bencode.Marshal(root)

	mi, err := ParseMetainfo(data)
	if err != nil {
		t.Fatalf("ParseMetainfo error: %v", err)
	}
	if mi.Announce != "" || len(mi.AnnounceList) != 2 {
		t.Fatalf("announce/announce-list mismatch: %#v", mi)
	}
}

func TestParseMetainfo_TopLevelAndRequiredErrors(t *testing.T) {
	data, _ := bencode.Marshal([]any{"x"})
	if _, err := ParseMetainfo(data); err != ErrTopLevelNotDict {
		t.Fatalf("want ErrTopLevelNotDict, got %v", err)
	}

	info := map[string]any{
		"name":         "f",
		"piece length": int64(1),
		"pieces":       string(mkPieces(1)),
		"length":       int64(1),
	}
	data, _ = bencode.Marshal(map[string]any{"info": info})
	if _, err := ParseMetainfo(data); err != ErrAnnounceMissing {
		t.Fatalf("want ErrAnnounceMissing, got %v", err)
	}

	data, _ = bencode.Marshal(map[string]any{"announce": "x"})
	if _, err := ParseMetainfo(data); err != ErrInfoMissing {
		t.Fatalf("want ErrInfoMissing, got %v", err)
	}

	data, _ = bencode.Marshal(map[string]any{"announce": "x", "info": "oops"})
	if _, err := ParseMetainfo(data); err != ErrInfoNotDict {
		t.Fatalf("want ErrInfoNotDict, got %v", err)
	}
}

func TestParseMetainfo_FieldValidationErrors(t *testing.T) {
	base := map[string]any{
		"name":         "f",
		"piece length": int64(1),
		"pieces":       string(mkPieces(1)),
		"length":       int64(1),
	}

	data, _ := bencode.Marshal(map[string]any{
		"announce":      "x",
		"info":          base,
		"creation date": int64(-1),
	})
	if _, err := ParseMetainfo(data); err != ErrCreationDateInvalid {
		t.Fatalf("want ErrCreationDateInvalid, got %v", err)
	}

	data, _ = bencode.Marshal(map[string]any{
		"announce":   "x",
		"info":       base,
		"created by": int64(1),
	})
	if _, err := ParseMetainfo(data); err == nil || !contains(err.Error(), "not a string") {
		t.Fatalf("want error about 'not a string', got %v", err)
	}
}

func TestParseInfo_ValidationErrors(t *testing.T) {
	if _, err := parseInfo(map[string]any{
		"name": "f", "pieces": string(mkPieces(1)), "length": int64(1),
	}); err != ErrPieceLenMissing {
		t.Fatalf("want ErrPieceLenMissing, got %v", err)
	}

	if _, err := parseInfo(map[string]any{
		"name": "f", "piece length": int64(0), "pieces": string(mkPieces(1)), "length": int64(1),
	}); err != ErrPieceLenNonPositive {
		t.Fatalf("want ErrPieceLenNonPositive, got %v", err)
	}

	if _, err := parseInfo(map[string]any{
		"name": "f", "piece length": int64(1), "length": int64(1),
	}); err != ErrPiecesMissing {
		t.Fatalf("want ErrPiecesMissing, got %v", err)
	}

	if _, err := parseInfo(map[string]any{
		"name": "f", "piece length": int64(1), "pieces": string(mkPieces(1)),
		"length": int64(1), "private": int64(2),
	}); err == nil || !contains(err.Error(), "invalid 'private'") {
		t.Fatalf("want invalid private flag, got %v", err)
	}

	if _, err := parseInfo(map[string]any{
		"name": "f", "piece length": int64(1), "pieces": string(mkPieces(1)),
		"length": int64(1),
		"files":  []any{map[string]any{"length": int64(1), "path": []any{"a"}}},
	}); err != ErrLayoutInvalid {
		t.Fatalf("want ErrLayoutInvalid (both), got %v", err)
	}

	if _, err := parseInfo(map[string]any{
		"name": "f", "piece length": int64(1), "pieces": string(mkPieces(1)),
	}); err != ErrLayoutInvalid {
		t.Fatalf("want ErrLayoutInvalid (neither), got %v", err)
	}

	if _, err := parseInfo(map[string]any{
		"name": "f", "piece length": int64(1), "pieces": string(mkPieces(1)), "length": int64(-1),
	}); err == nil || !contains(err.Error(), "invalid 'length'") {
		t.Fatalf("want invalid length, got %v", err)
	}
}

func TestParseFiles_Errors(t *testing.T) {
	if _, err := parseFiles("oops"); err == nil || !contains(err.Error(), "invalid or empty 'files'") {
		t.Fatalf("want invalid files, got %v", err)
	}
	if _, err := parseFiles([]any{}); err == nil || !contains(err.Error(), "invalid or empty 'files'") {
		t.Fatalf("want invalid files, got %v", err)
	}
	if _, err := parseFiles([]any{"x"}); err == nil || !contains(err.Error(), "not a dict") {
		t.Fatalf("want element not dict, got %v", err)
	}
	if _, err := parseFiles([]any{map[string]any{"path": []any{"a"}}}); err == nil ||
		!contains(err.Error(), "length missing") {
		t.Fatalf("want length missing, got %v", err)
	}
	if _, err := parseFiles([]any{map[string]any{"length": int64(-1), "path": []any{"a"}}}); err == nil ||
		!contains(err.Error(), "invalid length") {
		t.Fatalf("want invalid length, got %v", err)
	}
	if _, err := parseFiles([]any{map[string]any{"length": int64(1)}}); err == nil ||
		!contains(err.Error(), "invalid path") {
		t.Fatalf("want invalid path, got %v", err)
	}
	if _, err := parseFiles([]any{map[string]any{"length": int64(1), "path": []any{}}}); err == nil ||
		!contains(err.Error(), "invalid path") {
		t.Fatalf("want invalid path, got %v", err)
	}
	if _, err := parseFiles([]any{map[string]any{
		"length": int64(0), "path": []any{"a"}, "attr": "l",
	}}); err == nil || !contains(err.Error(), "symlink path missing") {
		t.Fatalf("want symlink path missing, got %v", err)
	}
}

func TestParsePieces_Errors(t *testing.T) {
	if _, err := parsePieces(nil); err != ErrPiecesMissing {
		t.Fatalf("want ErrPiecesMissing, got %v", err)
	}
	if _, err := parsePieces(int64(123)); err == nil || !contains(err.Error(), "'pieces'") {
		t.Fatalf("want pieces type error, got %v", err)
	}
	if _, err := parsePieces("short"); err != ErrPiecesLenInvalid {
		t.Fatalf("want ErrPiecesLenInvalid, got %v", err)
	}
}

func TestInfoHash(t *testing.T) {
	info := map[string]any{
		"name": "f", "piece length": int64(1), "pieces": string(mkPieces(1)), "length": int64(1),
	}
	got, err := infoHash(info)
	if err != nil {
		t.Fatalf("infoHash error: %v", err)
	}
	b, _ := bencode.Marshal(info)
	if want := sha1.Sum(b); got != want {
		t.Fatalf("hash mismatch")
	}
}

func TestMetainfoSize(t *testing.T) {
	if got := (&Metainfo{Info: &Info{Length: 42}}).Size(); got != 42 {
		t.Fatalf("single-file total = %d, want 42", got)
	}
	got := (&Metainfo{Info: &Info{Files: []*File{{Length: 10}, {Length: 5}}}}).Size()
	if got != 15 {
		t.Fatalf("multi-file total = %d, want 15", got)
	}
	if got := (&Metainfo{Info: &Info{}}).Size(); got != 0 {
		t.Fatalf("invalid total = %d, want 0", got)
	}
}
