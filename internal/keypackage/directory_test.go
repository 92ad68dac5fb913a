package keypackage

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/aljazceru/whitenoise-cli/internal/crypto"
	"github.com/aljazceru/whitenoise-cli/internal/domain"
	logbackend "github.com/aljazceru/whitenoise-cli/internal/logging"
	"github.com/aljazceru/whitenoise-cli/internal/relaytest"
	"github.com/aljazceru/whitenoise-cli/internal/store"
	"github.com/aljazceru/whitenoise-cli/internal/transport"
	"github.com/aljazceru/whitenoise-cli/internal/wire"
)

func directoryOn(t *testing.T, srv *relaytest.Server) (*Directory, *store.Store) {
	t.Helper()

	backend, err := logbackend.New("", "ERROR", false)
	require.NoError(t, err)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pool, err := transport.New(backend, transport.Options{
		Records: []domain.RelayRecord{{URL: srv.URL, Roles: domain.RoleAll}},
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return New(backend, st, pool, 0), st
}

func testDirectory(t *testing.T) (*Directory, *store.Store, *relaytest.Server) {
	t.Helper()
	srv := relaytest.Start()
	t.Cleanup(srv.Stop)
	d, st := directoryOn(t, srv)
	return d, st, srv
}

func testAccount(t *testing.T) *domain.Account {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return &domain.Account{PubKey: domain.PubKey(pub), PrivKey: sk}
}

// packageEvent builds a signed package event with explicit timestamps so
// tests control ordering and expiry.
func packageEvent(t *testing.T, acct *domain.Account, expiry, at time.Time) *nostr.Event {
	t.Helper()
	_, pub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	ev, err := wire.MustNew().KeyPackageEvent(domain.NewAccountSigner(acct), pub, nil, expiry, at)
	require.NoError(t, err)
	return ev
}

func seed(t *testing.T, url string, ev *nostr.Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := nostr.RelayConnect(ctx, url)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Publish(ctx, *ev))
}

func TestPublishAndFetchRoundTrip(t *testing.T) {
	d, _, srv := testDirectory(t)
	acct := testAccount(t)

	published, err := d.Publish(context.Background(), acct)
	require.NoError(t, err)
	require.Equal(t, acct.PubKey, published.Owner)
	require.NotEmpty(t, published.EventID)
	require.Equal(t, []string{srv.URL}, published.Relays)
	require.WithinDuration(t, time.Now().Add(30*24*time.Hour), published.Expiry, time.Minute)

	// A peer on another device sees the same credential.
	peer, _ := directoryOn(t, srv)
	got, err := peer.Fetch(context.Background(), acct.PubKey)
	require.NoError(t, err)
	require.Equal(t, published.EventID, got.EventID)
	require.Equal(t, published.InitKey, got.InitKey)
}

func TestFetchPrefersNewestPackage(t *testing.T) {
	d, _, srv := testDirectory(t)
	acct := testAccount(t)

	expiry := time.Now().Add(24 * time.Hour)
	older := packageEvent(t, acct, expiry, time.Now().Add(-10*time.Minute))
	newer := packageEvent(t, acct, expiry, time.Now().Add(-5*time.Minute))
	seed(t, srv.URL, older)
	seed(t, srv.URL, newer)

	got, err := d.Fetch(context.Background(), acct.PubKey)
	require.NoError(t, err)
	require.Equal(t, newer.ID, got.EventID)
}

func TestFetchSkipsConsumed(t *testing.T) {
	d, _, srv := testDirectory(t)
	acct := testAccount(t)

	expiry := time.Now().Add(24 * time.Hour)
	older := packageEvent(t, acct, expiry, time.Now().Add(-10*time.Minute))
	newer := packageEvent(t, acct, expiry, time.Now().Add(-5*time.Minute))
	seed(t, srv.URL, older)
	seed(t, srv.URL, newer)

	first, err := d.MarkConsumed(newer.ID)
	require.NoError(t, err)
	require.True(t, first)

	got, err := d.Fetch(context.Background(), acct.PubKey)
	require.NoError(t, err)
	require.Equal(t, older.ID, got.EventID)

	first, err = d.MarkConsumed(newer.ID)
	require.NoError(t, err)
	require.False(t, first, "second consume is not first")
}

func TestFetchSkipsExpired(t *testing.T) {
	d, _, srv := testDirectory(t)
	acct := testAccount(t)

	expired := packageEvent(t, acct, time.Now().Add(-time.Hour), time.Now().Add(-10*time.Minute))
	seed(t, srv.URL, expired)

	_, err := d.Fetch(context.Background(), acct.PubKey)
	require.ErrorIs(t, err, domain.ErrKeyPackageNotFound)
	require.Equal(t, domain.KindState, domain.KindOf(err))
}

func TestFetchNoPackage(t *testing.T) {
	d, _, _ := testDirectory(t)

	_, err := d.Fetch(context.Background(), testAccount(t).PubKey)
	require.ErrorIs(t, err, domain.ErrKeyPackageNotFound)
}

func TestInitKeyOpensSealedWelcome(t *testing.T) {
	d, _, _ := testDirectory(t)
	acct := testAccount(t)

	published, err := d.Publish(context.Background(), acct)
	require.NoError(t, err)

	// An inviter seals to the advertised init key; the publisher recovers
	// the private half and opens it.
	sealed, err := crypto.SealTo(published.InitKey, []byte("welcome payload"), []byte(published.EventID))
	require.NoError(t, err)

	priv, err := d.InitKey(acct, published.EventID)
	require.NoError(t, err)

	got, err := crypto.OpenSealed(priv, sealed, []byte(published.EventID))
	require.NoError(t, err)
	require.Equal(t, []byte("welcome payload"), got)
}

func TestInitKeyUnknownPackage(t *testing.T) {
	d, _, _ := testDirectory(t)

	_, err := d.InitKey(testAccount(t), "no-such-event")
	require.ErrorIs(t, err, domain.ErrStaleKeyPackage)
	require.Equal(t, domain.KindState, domain.KindOf(err))
}

func TestInitKeyExpiredRecord(t *testing.T) {
	d, _, _ := testDirectory(t)
	acct := testAccount(t)

	var priv domain.X25519Private
	priv[0] = 7
	require.NoError(t, d.retainInitKey(acct, "ev-old", priv, time.Now().Add(-time.Hour)))

	_, err := d.InitKey(acct, "ev-old")
	require.ErrorIs(t, err, domain.ErrStaleKeyPackage)
}

func TestRotatePrunesSpentAndExpiredKeys(t *testing.T) {
	d, st, _ := testDirectory(t)
	acct := testAccount(t)

	spent, err := d.Publish(context.Background(), acct)
	require.NoError(t, err)
	_, err = d.MarkConsumed(spent.EventID)
	require.NoError(t, err)

	var priv domain.X25519Private
	require.NoError(t, d.retainInitKey(acct, "ev-expired", priv, time.Now().Add(-time.Hour)))

	fresh, err := d.Rotate(context.Background(), acct)
	require.NoError(t, err)

	_, err = st.GetInitKey(acct.PubKey, spent.EventID)
	require.ErrorIs(t, err, domain.ErrStaleKeyPackage)
	_, err = st.GetInitKey(acct.PubKey, "ev-expired")
	require.ErrorIs(t, err, domain.ErrStaleKeyPackage)

	sealed, err := st.GetInitKey(acct.PubKey, fresh.EventID)
	require.NoError(t, err)
	require.NotEmpty(t, sealed)
}

func TestPublishFailureLeavesNoOrphanedKeys(t *testing.T) {
	backend, err := logbackend.New("", "ERROR", false)
	require.NoError(t, err)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pool, err := transport.New(backend, transport.Options{
		Records:        []domain.RelayRecord{{URL: "ws://127.0.0.1:1", Roles: domain.RoleAll}},
		DialTimeout:    time.Second,
		PublishTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	d := New(backend, st, pool, 0)
	acct := testAccount(t)

	_, err = d.Publish(context.Background(), acct)
	require.Error(t, err)
	require.Equal(t, domain.KindNetwork, domain.KindOf(err))

	recs, err := st.ListInitKeys(acct.PubKey)
	require.NoError(t, err)
	require.Empty(t, recs)
}
