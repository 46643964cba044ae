package dht

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/prxssh/riptide/internal/bencode"
)

// MaxItemValueSize is BEP 44's hard limit on an encoded value: a "put"
// carrying a larger v must be rejected.
const MaxItemValueSize = 1000

var (
	ErrValueTooLarge     = errors.New("dht: bep44 value exceeds 1000 bytes")
	ErrBadSignature      = errors.New("dht: bep44 signature verification failed")
	ErrSequenceRegressed = errors.New("dht: bep44 cas sequence number is stale")
	ErrReadOnly          = errors.New("dht: node is read-only, stores are rejected")
)

// StorageItem is a BEP 44 value: either immutable (plain bencoded v, keyed
// by its own hash) or mutable (signed, keyed by pubkey+salt, superseded by
// increasing seq).
type StorageItem struct {
	Value   any
	PubKey  [32]byte
	Sig     [64]byte
	Seq     int64
	Salt    []byte
	mutable bool
}

func (i *StorageItem) Mutable() bool { return i.mutable }

// NewImmutableItem builds an immutable item and its key (SHA-1 of the
// canonical bencoding of value).
func NewImmutableItem(value any) (*StorageItem, [sha1.Size]byte, error) {
	encoded, err := bencode.Marshal(value)
	if err != nil {
		return nil, [sha1.Size]byte{}, fmt.Errorf("dht: encode immutable value: %w", err)
	}
	if len(encoded) > MaxItemValueSize {
		return nil, [sha1.Size]byte{}, ErrValueTooLarge
	}
	return &StorageItem{Value: value}, sha1.Sum(encoded), nil
}

// MutableKey computes a mutable item's key: SHA-1(pubkey || salt).
func MutableKey(pubKey [32]byte, salt []byte) [sha1.Size]byte {
	h := sha1.New()
	h.Write(pubKey[:])
	h.Write(salt)
	var out [sha1.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Signer produces BEP 44 mutable-item signatures. Ed25519 is the BEP's
// native scheme; RSA is accepted as a fallback for callers whose identity
// key is RSA. For an RSA signer the item's 32-byte "k" field holds the
// SHA-1 digest of the modulus, and VerifyMutableItem (Ed25519 only) cannot
// verify the item, on this node or any other.
type Signer interface {
	PublicKeyBytes() []byte
	Sign(message []byte) []byte
}

type Ed25519Signer struct{ priv ed25519.PrivateKey }

func NewEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{priv: priv}, nil
}

func (s *Ed25519Signer) PublicKeyBytes() []byte { return s.priv.Public().(ed25519.PublicKey) }
func (s *Ed25519Signer) Sign(message []byte) []byte { return ed25519.Sign(s.priv, message) }

type RSASigner struct{ priv *rsa.PrivateKey }

func NewRSASigner(bits int) (*RSASigner, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return &RSASigner{priv: priv}, nil
}

func (s *RSASigner) PublicKeyBytes() []byte {
	return s.priv.PublicKey.N.Bytes()
}

func (s *RSASigner) Sign(message []byte) []byte {
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.priv, 0, digest[:])
	if err != nil {
		return nil
	}
	// SignPKCS1v15 with hash 0 signs the SHA-256 digest directly, with no
	// hash algorithm identifier. No function in this package verifies RSA
	// signatures.
	return sig
}

// signedPayload is the byte string BEP 44 signs over: salt (if any),
// seq, and the bencoded value.
func signedPayload(salt []byte, seq int64, value any) ([]byte, error) {
	encodedValue, err := bencode.Marshal(value)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if len(salt) > 0 {
		fmt.Fprintf(&buf, "4:salt%d:%s", len(salt), salt)
	}
	fmt.Fprintf(&buf, "3:seqi%de1:v%s", seq, encodedValue)
	return buf.Bytes(), nil
}

// NewMutableItem signs value with signer and returns the item alongside
// its key. seq must be strictly greater than any previously published
// value under the same (pubkey, salt).
func NewMutableItem(signer Signer, salt []byte, seq int64, value any) (*StorageItem, [sha1.Size]byte, error) {
	encoded, err := bencode.Marshal(value)
	if err != nil {
		return nil, [sha1.Size]byte{}, fmt.Errorf("dht: encode mutable value: %w", err)
	}
	if len(encoded) > MaxItemValueSize {
		return nil, [sha1.Size]byte{}, ErrValueTooLarge
	}

	payload, err := signedPayload(salt, seq, value)
	if err != nil {
		return nil, [sha1.Size]byte{}, err
	}

	item := &StorageItem{Value: value, Seq: seq, Salt: salt, mutable: true}
	sig := signer.Sign(payload)
	copy(item.Sig[:], sig)

	pub := signer.PublicKeyBytes()
	var key [sha1.Size]byte
	if len(pub) == ed25519.PublicKeySize {
		copy(item.PubKey[:], pub)
		key = MutableKey(item.PubKey, salt)
	} else {
		// RSA fallback: the 32-byte PubKey field can't hold a full RSA
		// modulus, so the key is derived from its SHA-1 digest instead
		// of the raw bytes BEP 44 uses for ed25519.
		digest := sha1.Sum(pub)
		copy(item.PubKey[:], digest[:])
		key = MutableKey(item.PubKey, salt)
	}

	return item, key, nil
}

// VerifyMutableItem checks a received mutable item's Ed25519 signature
// against its own pubkey and claimed key.
func VerifyMutableItem(item *StorageItem) error {
	payload, err := signedPayload(item.Salt, item.Seq, item.Value)
	if err != nil {
		return err
	}
	if !ed25519.Verify(item.PubKey[:], payload, item.Sig[:]) {
		return ErrBadSignature
	}
	return nil
}
