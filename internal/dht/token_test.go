package dht

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenGenerateValidate(t *testing.T) {
	require := require.New(t)

	tm := NewTokenManager(time.Hour)
	defer tm.Stop()

	addr := netip.MustParseAddr("203.0.113.5")
	token := tm.Generate(addr)

	require.True(tm.Validate(addr, token), "Validate rejected a freshly generated token")
}

func TestTokenRejectsWrongAddr(t *testing.T) {
	require := require.New(t)

	tm := NewTokenManager(time.Hour)
	defer tm.Stop()

	token := tm.Generate(netip.MustParseAddr("203.0.113.5"))
	require.False(tm.Validate(netip.MustParseAddr("203.0.113.6"), token),
		"Validate accepted a token generated for a different address")
}

func TestTokenSurvivesOneRotation(t *testing.T) {
	require := require.New(t)

	tm := NewTokenManager(time.Hour)
	defer tm.Stop()

	addr := netip.MustParseAddr("203.0.113.5")
	token := tm.Generate(addr)

	tm.rotate()
	require.True(tm.Validate(addr, token), "Validate rejected a token issued just before one rotation")

	tm.rotate()
	require.False(tm.Validate(addr, token), "Validate accepted a token issued two rotations ago")
}

func TestTokenStopAfterRotationTick(t *testing.T) {
	tm := NewTokenManager(10 * time.Millisecond)
	time.Sleep(30 * time.Millisecond) // let rotateLoop tick at least once
	tm.Stop()
}
