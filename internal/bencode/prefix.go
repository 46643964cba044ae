package bencode

import (
	"errors"
	"fmt"
)

// DecodePrefix parses a single bencoded value starting at data[0] and
// returns it along with the number of bytes it consumed, leaving any
// trailing bytes unexamined.
//
// This is distinct from Unmarshal, which rejects trailing data: BEP 9's
// metadata-piece message is a bencoded dict immediately followed by a raw
// binary slice with no length-prefix separating the two, so the caller
// needs to know exactly where the dict ends.
func DecodePrefix(data []byte) (value any, consumed int, err error) {
	p := &prefixDecoder{data: data}
	v, err := p.value()
	if err != nil {
		return nil, 0, err
	}
	return v, p.pos, nil
}

type prefixDecoder struct {
	data []byte
	pos  int
}

func (p *prefixDecoder) value() (any, error) {
	if p.pos >= len(p.data) {
		return nil, errors.New("bencode: unexpected end of input")
	}

	switch p.data[p.pos] {
	case tokenDict:
		return p.dict()
	case tokenList:
		return p.list()
	case tokenInteger:
		return p.integer()
	default:
		return p.string()
	}
}

func (p *prefixDecoder) dict() (map[string]any, error) {
	p.pos++ // 'd'
	dict := make(map[string]any, 8)

	for {
		if p.pos >= len(p.data) {
			return nil, errors.New("bencode: unterminated dict")
		}
		if p.data[p.pos] == tokenEnding {
			p.pos++
			return dict, nil
		}

		k, err := p.string()
		if err != nil {
			return nil, err
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		dict[k] = v
	}
}

func (p *prefixDecoder) list() ([]any, error) {
	p.pos++ // 'l'
	var list []any

	for {
		if p.pos >= len(p.data) {
			return nil, errors.New("bencode: unterminated list")
		}
		if p.data[p.pos] == tokenEnding {
			p.pos++
			return list, nil
		}

		v, err := p.value()
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
}

func (p *prefixDecoder) integer() (int64, error) {
	p.pos++ // 'i'
	start := p.pos
	for p.pos < len(p.data) && p.data[p.pos] != tokenEnding {
		p.pos++
	}
	if p.pos >= len(p.data) {
		return 0, errors.New("bencode: unterminated integer")
	}

	n, err := parseDecimal(p.data[start:p.pos])
	if err != nil {
		return 0, err
	}
	p.pos++ // 'e'
	return n, nil
}

func (p *prefixDecoder) string() (string, error) {
	start := p.pos
	for p.pos < len(p.data) && p.data[p.pos] != tokenStringSep {
		p.pos++
	}
	if p.pos >= len(p.data) {
		return "", errors.New("bencode: unterminated string length")
	}

	n, err := parseDecimal(p.data[start:p.pos])
	if err != nil || n < 0 {
		return "", fmt.Errorf("bencode: invalid string length: %w", err)
	}
	p.pos++ // ':'

	end := p.pos + int(n)
	if end < p.pos || end > len(p.data) {
		return "", errors.New("bencode: string length exceeds input")
	}
	s := string(p.data[p.pos:end])
	p.pos = end
	return s, nil
}

func parseDecimal(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, errors.New("empty integer")
	}
	neg := false
	if b[0] == '-' {
		neg = true
		b = b[1:]
	}
	if len(b) == 0 {
		return 0, errors.New("lone sign")
	}

	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit byte %q", c)
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}
