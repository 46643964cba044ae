package meta

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet URI: at minimum an info hash, optionally a
// display name and a set of tracker URLs (BEP 9's "no info dict yet" entry
// point into the metadata exchange).
type Magnet struct {
	InfoHash [sha1.Size]byte
	Name     string
	Trackers []string
}

// ParseMagnet parses a "magnet:?xt=urn:btih:...&dn=...&tr=..." URI.
func ParseMagnet(magnetURL string) (*Magnet, error) {
	u, err := url.Parse(magnetURL)
	if err != nil {
		return nil, fmt.Errorf("magnet: url parse failed: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("magnet: invalid scheme %q", u.Scheme)
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("magnet: params parse failed: %w", err)
	}

	xt, ok := params["xt"]
	if !ok || len(xt) == 0 {
		return nil, fmt.Errorf("magnet: missing 'xt'")
	}
	xtVal := xt[0]
	if !strings.HasPrefix(xtVal, "urn:btih:") {
		return nil, fmt.Errorf("magnet: invalid 'xt' value %q, want urn:btih:<hash>", xtVal)
	}

	hashString := strings.TrimPrefix(xtVal, "urn:btih:")
	magnet := &Magnet{}

	switch len(hashString) {
	case sha1.Size * 2:
		hashBytes, err := hex.DecodeString(hashString)
		if err != nil {
			return nil, fmt.Errorf("magnet: decode hex infohash: %w", err)
		}
		copy(magnet.InfoHash[:], hashBytes)
	case 32:
		// BEP 9 also permits base32-encoded v1 info hashes.
		hashBytes, err := base32.StdEncoding.DecodeString(strings.ToUpper(hashString))
		if err != nil || len(hashBytes) != sha1.Size {
			return nil, fmt.Errorf("magnet: decode base32 infohash: %w", err)
		}
		copy(magnet.InfoHash[:], hashBytes)
	default:
		return nil, fmt.Errorf("magnet: invalid infohash length %d", len(hashString))
	}

	if dn, ok := params["dn"]; ok && len(dn) > 0 {
		magnet.Name = dn[0]
	}
	if tr, ok := params["tr"]; ok {
		magnet.Trackers = tr
	}

	return magnet, nil
}
