package protocol

import (
	"bytes"
	"crypto/sha1"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [sha1.Size]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	h := NewHandshake(infoHash, peerID)
	if !h.SupportsExtensions() {
		t.Fatalf("expected extension bit set")
	}

	var buf bytes.Buffer
	if err := WriteHandshake(&buf, *h); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Len() != 68 {
		t.Fatalf("handshake wire size = %d, want 68", buf.Len())
	}

	got, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.InfoHash != infoHash || got.PeerID != peerID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestHandshakeInfoHashMismatch(t *testing.T) {
	var a, b, peerID [sha1.Size]byte
	copy(a[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(b[:], "bbbbbbbbbbbbbbbbbbbb")

	var conn bytes.Buffer
	remote := NewHandshake(b, peerID)
	if err := WriteHandshake(&conn, *remote); err != nil {
		t.Fatal(err)
	}

	local := NewHandshake(a, peerID)
	_, err := local.Exchange(&readWriteBuf{&conn, &bytes.Buffer{}}, true)
	if err == nil {
		t.Fatalf("expected info hash mismatch error")
	}
}

type readWriteBuf struct {
	r *bytes.Buffer
	w *bytes.Buffer
}

func (rw *readWriteBuf) Read(p []byte) (int, error)  { return rw.r.Read(p) }
func (rw *readWriteBuf) Write(p []byte) (int, error) { return rw.w.Write(p) }

func TestMessageFraming(t *testing.T) {
	msgs := []*Message{
		nil, // keep-alive
		MessageChoke(),
		MessageHave(42),
		MessageBitfield([]byte{0xFF, 0x00}),
		MessageRequest(1, 2, 16384),
		MessagePiece(1, 0, []byte("hello")),
		MessageExtended(1, []byte("d1:mdee")),
	}

	var buf bytes.Buffer
	for _, m := range msgs {
		if err := WriteMessage(&buf, m); err != nil {
			t.Fatalf("write %v: %v", m, err)
		}
	}

	for _, want := range msgs {
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if IsKeepAlive(want) {
			if !IsKeepAlive(got) {
				t.Fatalf("expected keep-alive, got %v", got)
			}
			continue
		}
		if got.ID != want.ID || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("mismatch: got %+v want %+v", got, want)
		}
	}
}

func TestMessageTooLarge(t *testing.T) {
	var buf bytes.Buffer
	var lp [4]byte
	lp[0] = 0xFF
	lp[1] = 0xFF
	lp[2] = 0xFF
	lp[3] = 0xFF
	buf.Write(lp[:])

	var m Message
	if _, err := m.ReadFrom(&buf); err != ErrMessageTooLarge {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestValidatePayloadSize(t *testing.T) {
	bad := &Message{ID: Have, Payload: []byte{1, 2}}
	if err := bad.ValidatePayloadSize(); err != ErrBadPayloadSize {
		t.Fatalf("expected ErrBadPayloadSize, got %v", err)
	}

	unknown := &Message{ID: 99}
	if err := unknown.ValidatePayloadSize(); err == nil {
		t.Fatalf("expected error for unknown message id")
	}
}
