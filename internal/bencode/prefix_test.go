package bencode

import (
	"reflect"
	"testing"
)

func TestDecodePrefixDictThenRawTrailer(t *testing.T) {
	dict := "d8:msg_typei1e5:piecei0e10:total_sizei30000ee"
	trailer := "RAWBYTES"
	data := []byte(dict + trailer)

	v, consumed, err := DecodePrefix(data)
	if err != nil {
		t.Fatalf("DecodePrefix: %v", err)
	}
	if consumed != len(dict) {
		t.Fatalf("consumed = %d, want %d", consumed, len(dict))
	}

	want := map[string]any{
		"msg_type":   int64(1),
		"piece":      int64(0),
		"total_size": int64(30000),
	}
	if !reflect.DeepEqual(v, want) {
		t.Fatalf("value = %#v, want %#v", v, want)
	}
	if rest := string(data[consumed:]); rest != trailer {
		t.Fatalf("trailer = %q, want %q", rest, trailer)
	}
}

func TestDecodePrefixNestedList(t *testing.T) {
	data := []byte("li1ei2e4:spamee")
	v, consumed, err := DecodePrefix(data)
	if err != nil {
		t.Fatalf("DecodePrefix: %v", err)
	}
	if consumed != len(data)-1 {
		t.Fatalf("consumed = %d, want %d", consumed, len(data)-1)
	}
	want := []any{int64(1), int64(2), "spam"}
	if !reflect.DeepEqual(v, want) {
		t.Fatalf("value = %#v, want %#v", v, want)
	}
}

func TestDecodePrefixErrors(t *testing.T) {
	if _, _, err := DecodePrefix(nil); err == nil {
		t.Fatal("expected error on empty input")
	}
	if _, _, err := DecodePrefix([]byte("d1:a")); err == nil {
		t.Fatal("expected error on unterminated dict")
	}
	if _, _, err := DecodePrefix([]byte("5:ab")); err == nil {
		t.Fatal("expected error when string length exceeds input")
	}
}
