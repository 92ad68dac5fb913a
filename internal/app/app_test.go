package app

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aljazceru/whitenoise-cli/internal/config"
	"github.com/aljazceru/whitenoise-cli/internal/domain"
	"github.com/aljazceru/whitenoise-cli/internal/relaytest"
)

func testConfig(t *testing.T, relayURL string) *config.Config {
	t.Helper()
	raw := fmt.Sprintf(`
DataDir = %q

[Logging]
Level = "ERROR"

[[Relay]]
URL = %q
`, t.TempDir(), relayURL)
	cfg, err := config.Load([]byte(raw))
	require.NoError(t, err)
	return cfg
}

func TestNewWiresAndCloses(t *testing.T) {
	srv := relaytest.Start()
	t.Cleanup(srv.Stop)

	a, err := New(testConfig(t, srv.URL))
	require.NoError(t, err)
	require.NotNil(t, a.Identity)
	require.NotNil(t, a.Contacts)
	require.NotNil(t, a.KeyPackages)
	require.NotNil(t, a.Groups)
	require.Len(t, a.Relays.Records(), 1)
	require.NoError(t, a.Close())
}

func TestCreateIdentityPublishesKeyPackage(t *testing.T) {
	srv := relaytest.Start()
	t.Cleanup(srv.Stop)
	ctx := context.Background()

	a, err := New(testConfig(t, srv.URL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	acct, err := a.CreateIdentity(ctx, "Correct-Horse-Battery-9!")
	require.NoError(t, err)

	// The composed flow leaves a fetchable key package behind.
	kp, err := a.KeyPackages.Fetch(ctx, acct.PubKey)
	require.NoError(t, err)
	require.Equal(t, acct.PubKey, kp.Owner)

	// A second app over a fresh store can invite this identity by key.
	b, err := New(testConfig(t, srv.URL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	inviter, err := b.CreateIdentity(ctx, "Correct-Horse-Battery-9!")
	require.NoError(t, err)
	g, err := b.Groups.Create(ctx, inviter, "wired", "", []domain.PubKey{acct.PubKey}, nil)
	require.NoError(t, err)

	joined, syncs, err := a.SyncAll(ctx, acct)
	require.NoError(t, err)
	require.Len(t, joined, 1)
	require.Equal(t, g.ID, joined[0].ID)
	require.Len(t, syncs, 1)
}
