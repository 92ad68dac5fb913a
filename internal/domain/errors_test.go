package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorCarriesKindAndSentinel(t *testing.T) {
	err := E(KindState, "mls.HandleCommit", "1a2b", ErrEpochConflict)

	require.True(t, errors.Is(err, ErrEpochConflict))
	require.Equal(t, KindState, KindOf(err))
	require.True(t, IsKind(err, KindState))
	require.Equal(t, "mls.HandleCommit: 1a2b: commit epoch is not current", err.Error())
}

func TestKindOfWalksWrapChain(t *testing.T) {
	inner := E(KindNetwork, "transport.Publish", "wss://relay.test", errors.New("dial refused"))
	outer := fmt.Errorf("send message: %w", inner)

	require.Equal(t, KindNetwork, KindOf(outer))
	require.True(t, IsKind(outer, KindNetwork))
	require.False(t, IsKind(outer, KindCrypto))
}

func TestKindOfReportsOutermostClassification(t *testing.T) {
	inner := E(KindCrypto, "crypto.Open", "", errors.New("auth failed"))
	outer := E(KindProtocol, "wire.DecodeGroupEvent", "ev1", inner)

	// The outermost classification wins: a crypto failure inside a protocol
	// boundary surfaces as a protocol error.
	require.Equal(t, KindProtocol, KindOf(outer))
	require.True(t, errors.Is(outer, inner))
}

func TestKindOfUnclassified(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	require.Equal(t, KindUnknown, KindOf(nil))
}

func TestKindStrings(t *testing.T) {
	for k, want := range map[Kind]string{
		KindUnknown:    "unknown",
		KindNetwork:    "network",
		KindProtocol:   "protocol",
		KindCrypto:     "crypto",
		KindState:      "state",
		KindValidation: "validation",
	} {
		require.Equal(t, want, k.String())
	}
}

func TestErrorWithoutCause(t *testing.T) {
	err := E(KindValidation, "contacts.Add", "", nil)
	require.Equal(t, "contacts.Add: validation error", err.Error())
}
