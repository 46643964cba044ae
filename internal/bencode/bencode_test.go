package bencode

import (
	"reflect"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []any{
		int64(0),
		int64(-7),
		int64(42),
		"",
		"hello world",
		[]any{int64(1), "two", []any{int64(3)}},
		map[string]any{"b": int64(2), "a": int64(1), "zzz": "last"},
	}

	for _, want := range cases {
		enc, err := Marshal(want)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", want, err)
		}

		got, err := Unmarshal(enc)
		if err != nil {
			t.Fatalf("Unmarshal(%q): %v", enc, err)
		}

		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch: got %#v want %#v", got, want)
		}
	}
}

func TestDictKeysSorted(t *testing.T) {
	m := map[string]any{"z": int64(1), "a": int64(2), "m": int64(3)}

	enc, err := Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	want := "d1:ai2e1:mi3e1:zi1ee"
	if string(enc) != want {
		t.Fatalf("encode = %q, want %q", enc, want)
	}
}

func TestCanonicalityRejections(t *testing.T) {
	bad := []string{
		"i03e",    // leading zero
		"i-0e",    // negative zero
		"i-e",     // lone minus
		"i e",     // non-digit
		"3:ab",    // truncated string
		"-1:ab",   // negative length
		"d1:ae",   // missing value
		"le" + "x", // trailing data
	}

	for _, in := range bad {
		if _, err := Unmarshal([]byte(in)); err == nil {
			t.Fatalf("Unmarshal(%q) expected error, got none", in)
		}
	}
}

func TestIntegerAndStringEncode(t *testing.T) {
	enc, err := Marshal(int64(42))
	if err != nil {
		t.Fatal(err)
	}
	if string(enc) != "i42e" {
		t.Fatalf("got %q", enc)
	}

	enc, err = Marshal("spam")
	if err != nil {
		t.Fatal(err)
	}
	if string(enc) != "4:spam" {
		t.Fatalf("got %q", enc)
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte("i42e"))
	f.Add([]byte("4:spam"))
	f.Add([]byte("l4:spam4:eggse"))
	f.Add([]byte("d3:cow3:moo4:spam4:eggse"))

	f.Fuzz(func(t *testing.T, data []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Unmarshal panicked on %q: %v", data, r)
			}
		}()
		_, _ = Unmarshal(data)
	})
}
