// Package meta parses .torrent metainfo dictionaries and magnet URIs into a
// structured, info-hash-bearing representation.
package meta

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/prxssh/riptide/internal/bencode"
)

// Metainfo is the parsed form of a .torrent file's top-level dictionary.
type Metainfo struct {
	Info         *Info
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Encoding     string
	InfoHash     [sha1.Size]byte
}

// Info is the parsed "info" dictionary: the piece layout and file list.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][sha1.Size]byte
	Private     bool
	Length      int64
	Files       []*File
}

// File describes one file within a multi-file torrent, including the BEP 47
// attributes a v1 metainfo may carry alongside the classic length/path.
type File struct {
	Length int64
	Path   []string

	// Attr is the BEP 47 attribute string: any combination of 'p'
	// (padding file), 'x' (executable), 'h' (hidden), 'l' (symlink).
	Attr string
	// SymlinkPath is set when Attr contains 'l'; the path segments this
	// entry's Path resolves to.
	SymlinkPath []string
	// SHA1 is the optional BEP 47 per-file content hash, distinct from
	// the torrent-wide piece hashes.
	SHA1 *[sha1.Size]byte
}

// IsPadding reports whether this is a BEP 47 padding file, which the
// assembler must skip when applying attributes and never writes to disk as
// real content.
func (f *File) IsPadding() bool { return attrHas(f.Attr, 'p') }

// IsExecutable reports the BEP 47 executable attribute.
func (f *File) IsExecutable() bool { return attrHas(f.Attr, 'x') }

// IsHidden reports the BEP 47 hidden attribute.
func (f *File) IsHidden() bool { return attrHas(f.Attr, 'h') }

// IsSymlink reports the BEP 47 symlink attribute.
func (f *File) IsSymlink() bool { return attrHas(f.Attr, 'l') }

func attrHas(attr string, c byte) bool {
	for i := 0; i < len(attr); i++ {
		if attr[i] == c {
			return true
		}
	}
	return false
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: invalid single/multi-file layout")
	ErrCreationDateInvalid = errors.New("metainfo: invalid creation date")
)

// Size returns the torrent's total content length across all files.
func (m *Metainfo) Size() int64 {
	if m.Info.Length > 0 {
		return m.Info.Length
	}

	var sum int64
	for _, f := range m.Info.Files {
		if f.IsPadding() {
			continue
		}
		sum += f.Length
	}
	return sum
}

// ParseInfoBytes parses a standalone bencoded "info" dictionary — the form
// the BEP 9 metadata exchange reassembles from ut_metadata pieces, with no
// surrounding announce/comment wrapper. It returns the parsed Info alongside
// the SHA-1 of the exact bytes, so the caller can check it against the
// info hash that was already trusted (from a magnet link or a peer's
// handshake) before the exchange began.
func ParseInfoBytes(data []byte) (*Info, [sha1.Size]byte, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, [sha1.Size]byte{}, err
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, [sha1.Size]byte{}, ErrInfoNotDict
	}

	info, err := parseInfo(dict)
	if err != nil {
		return nil, [sha1.Size]byte{}, err
	}

	// Re-marshal rather than hash the input bytes directly: BEP 3 requires
	// the canonical (sorted-key) encoding, and a peer could send a
	// differently-ordered but semantically identical dict.
	canon, err := bencode.Marshal(dict)
	if err != nil {
		return nil, [sha1.Size]byte{}, err
	}
	return info, sha1.Sum(canon), nil
}

// ParseMetainfo parses a raw .torrent file's bytes.
func ParseMetainfo(data []byte) (*Metainfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := parseOptionalString(root["announce"])
	if err != nil {
		return nil, err
	}
	announceList, err := parseAnnounceList(root["announce-list"])
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	var creationDate time.Time
	if v, ok := root["creation date"]; ok {
		secs, err := toInt64(v)
		if err != nil || secs < 0 {
			return nil, ErrCreationDateInvalid
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdBy, err := parseOptionalString(root["created by"])
	if err != nil {
		return nil, err
	}
	comment, err := parseOptionalString(root["comment"])
	if err != nil {
		return nil, err
	}
	encoding, err := parseOptionalString(root["encoding"])
	if err != nil {
		return nil, err
	}

	infoDict, ok := root["info"].(map[string]any)
	if !ok {
		if root["info"] == nil {
			return nil, ErrInfoMissing
		}
		return nil, ErrInfoNotDict
	}

	info, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	hash, err := infoHash(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}

	return &Metainfo{
		Info:         info,
		InfoHash:     hash,
		Announce:     announce,
		AnnounceList: announceList,
		CreationDate: creationDate,
		CreatedBy:    createdBy,
		Comment:      comment,
		Encoding:     encoding,
	}, nil
}

func parseInfo(dict map[string]any) (*Info, error) {
	var (
		out Info
		err error
	)

	nameVal, ok := dict["name"]
	if !ok {
		return nil, ErrNameMissing
	}
	out.Name, err = toString(nameVal)
	if err != nil || out.Name == "" {
		return nil, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}

	plVal, ok := dict["piece length"]
	if !ok {
		return nil, ErrPieceLenMissing
	}
	plen, err := toInt64(plVal)
	if err != nil || plen <= 0 {
		return nil, ErrPieceLenNonPositive
	}
	out.PieceLength = plen

	out.Pieces, err = parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}

	if v, ok := dict["private"]; ok {
		privInt, err := toInt64(v)
		if err != nil || (privInt != 0 && privInt != 1) {
			return nil, errors.New("metainfo: invalid 'private' flag")
		}
		out.Private = privInt == 1
	}

	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		length, err := toInt64(lengthVal)
		if err != nil || length < 0 {
			return nil, errors.New("metainfo: invalid 'length'")
		}
		out.Length = length

	case hasFiles && !hasLength:
		out.Files, err = parseFiles(filesVal)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrLayoutInvalid
	}

	return &out, nil
}

func parseFiles(v any) ([]*File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, errors.New("metainfo: invalid or empty 'files'")
	}

	files := make([]*File, 0, len(arr))

	for i, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}

		fl, ok := m["length"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: length missing", i)
		}
		ln, err := toInt64(fl)
		if err != nil || ln < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		segments, err := toStringSlice(m["path"])
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}

		f := &File{Length: ln, Path: segments}

		if attr, ok := m["attr"]; ok {
			f.Attr, err = toString(attr)
			if err != nil {
				return nil, fmt.Errorf("metainfo: files[%d]: invalid attr: %w", i, err)
			}
		}
		if f.IsSymlink() {
			symPath, ok := m["symlink path"]
			if !ok {
				return nil, fmt.Errorf("metainfo: files[%d]: symlink attr set but symlink path missing", i)
			}
			f.SymlinkPath, err = toStringSlice(symPath)
			if err != nil || len(f.SymlinkPath) == 0 {
				return nil, fmt.Errorf("metainfo: files[%d]: invalid symlink path", i)
			}
		}
		if shaVal, ok := m["sha1"]; ok {
			s, err := toString(shaVal)
			if err != nil || len(s) != sha1.Size {
				return nil, fmt.Errorf("metainfo: files[%d]: invalid sha1", i)
			}
			var h [sha1.Size]byte
			copy(h[:], s)
			f.SHA1 = &h
		}

		files = append(files, f)
	}

	return files, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, errors.New("metainfo: invalid announce-list")
	}

	out := make([][]string, 0, len(raw))
	for i, tv := range raw {
		tier, err := toStringSlice(tv)
		if err != nil {
			return nil, fmt.Errorf("metainfo: announce-list[%d]: %w", i, err)
		}
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out, nil
}

func parseOptionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return toString(v)
}

func infoHash(info map[string]any) ([sha1.Size]byte, error) {
	buf, err := bencode.Marshal(info)
	if err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(buf), nil
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	s, err := toString(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(s)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(s) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], s[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}

// toInt64, toString, and toStringSlice narrow the decoder's `any` values
// (int64, string, []any, map[string]any) into the shapes metainfo fields
// need, since bencode has no native float/bool/array distinction.
func toInt64(v any) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("not an integer: %T", v)
	}
	return n, nil
}

func toString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("not a string: %T", v)
	}
	return s, nil
}

func toStringSlice(v any) ([]string, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("not a list: %T", v)
	}
	out := make([]string, len(arr))
	for i, e := range arr {
		s, err := toString(e)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}
