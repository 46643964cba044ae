package dht

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestImmutableItemKeyIsDeterministic(t *testing.T) {
	require := require.New(t)

	item1, key1, err := NewImmutableItem("hello world")
	require.NoError(err)
	item2, key2, err := NewImmutableItem("hello world")
	require.NoError(err)

	require.Equal(key1, key2, "same value produced different keys")
	require.False(item1.Mutable())
	require.False(item2.Mutable())
}

func TestImmutableItemRejectsOversizedValue(t *testing.T) {
	require := require.New(t)

	big := make([]byte, MaxItemValueSize+1)
	_, _, err := NewImmutableItem(string(big))
	require.ErrorIs(err, ErrValueTooLarge)
}

func TestMutableItemEd25519RoundTrip(t *testing.T) {
	require := require.New(t)

	signer, err := NewEd25519Signer()
	require.NoError(err)

	item, key, err := NewMutableItem(signer, []byte("salt"), 1, "v1")
	require.NoError(err)

	require.Equal(MutableKey(item.PubKey, []byte("salt")), key)
	require.NoError(VerifyMutableItem(item))
}

func TestMutableItemVerifyRejectsTamperedSeq(t *testing.T) {
	require := require.New(t)

	signer, err := NewEd25519Signer()
	require.NoError(err)

	item, _, err := NewMutableItem(signer, nil, 1, "v1")
	require.NoError(err)

	item.Seq = 2 // tamper after signing
	require.ErrorIs(VerifyMutableItem(item), ErrBadSignature)
}

func TestRSASignerKeyDerivedFromDigest(t *testing.T) {
	require := require.New(t)

	signer, err := NewRSASigner(1024)
	require.NoError(err)

	item, key, err := NewMutableItem(signer, nil, 1, "v1")
	require.NoError(err)

	// RSA pubkeys don't fit the 32-byte k field, so the key is derived
	// from a digest rather than the raw bytes BEP 44 expects for
	// ed25519 -- this is the documented non-standard fallback, not a
	// verifiable item (VerifyMutableItem is ed25519-only).
	require.Equal(MutableKey(item.PubKey, nil), key, "key not derived from the stored (digested) pubkey")
}
