package identity

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/require"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
	logbackend "github.com/aljazceru/whitenoise-cli/internal/logging"
	"github.com/aljazceru/whitenoise-cli/internal/relaytest"
	"github.com/aljazceru/whitenoise-cli/internal/store"
	"github.com/aljazceru/whitenoise-cli/internal/transport"
)

const goodPass = "Correct-Horse-9-Battery"

func testService(t *testing.T) (*Service, *store.Store, *relaytest.Server) {
	t.Helper()

	srv := relaytest.Start()
	t.Cleanup(srv.Stop)

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

	return New(backend, st, pool), st, srv
}

func relayKinds(srv *relaytest.Server) map[int]int {
	kinds := make(map[int]int)
	for _, ev := range srv.Events() {
		kinds[ev.Kind]++
	}
	return kinds
}

func TestCreateIdentityAnnounces(t *testing.T) {
	svc, _, srv := testService(t)

	acct, err := svc.CreateIdentity(context.Background(), goodPass)
	require.NoError(t, err)
	require.True(t, acct.PubKey.Valid())
	require.True(t, acct.Exportable)
	require.False(t, acct.CreatedAt.IsZero())

	kinds := relayKinds(srv)
	require.Equal(t, 1, kinds[nostr.KindProfileMetadata])
	require.Equal(t, 1, kinds[nostr.KindRelayListMetadata])
	require.Equal(t, 1, kinds[10050])
	require.Equal(t, 1, kinds[10051])

	current, err := svc.Current()
	require.NoError(t, err)
	require.Equal(t, acct.PubKey, current.PubKey)
}

func TestCreateIdentityRejectsWeakPassphrase(t *testing.T) {
	svc, _, _ := testService(t)

	_, err := svc.CreateIdentity(context.Background(), "short")
	require.ErrorIs(t, err, ErrWeakPassphrase)
	require.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = svc.CreateIdentity(context.Background(), "nosymbolsorupper1234")
	require.ErrorIs(t, err, ErrWeakPassphrase)
}

func TestLoginWithNsecAndHex(t *testing.T) {
	svc, _, _ := testService(t)

	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)

	acct, err := svc.Login(context.Background(), nsec, goodPass)
	require.NoError(t, err)
	require.Equal(t, domain.PubKey(pub), acct.PubKey)
	require.Equal(t, sk, acct.PrivKey)

	require.NoError(t, svc.Logout())

	// Second login finds the existing record.
	again, err := svc.Login(context.Background(), sk, goodPass)
	require.NoError(t, err)
	require.Equal(t, acct.PubKey, again.PubKey)
	require.Equal(t, acct.CreatedAt.Unix(), again.CreatedAt.Unix())
}

func TestLoginRejectsGarbage(t *testing.T) {
	svc, _, _ := testService(t)

	for _, secret := range []string{"", "zz", "nsec1qqqqqqqq", "0123"} {
		_, err := svc.Login(context.Background(), secret, goodPass)
		require.Error(t, err, "secret %q", secret)
		require.Equal(t, domain.KindValidation, domain.KindOf(err))
	}
}

func TestLoginRefreshesProfile(t *testing.T) {
	svc, _, srv := testService(t)

	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	seedProfile(t, srv.URL, sk, pub, `{"name":"seeded"}`)

	acct, err := svc.Login(context.Background(), sk, goodPass)
	require.NoError(t, err)
	require.Equal(t, "seeded", acct.Profile.Name)
	require.False(t, acct.LastSynced.IsZero())
}

func seedProfile(t *testing.T, url, sk, pub, content string) {
	t.Helper()
	ev := &nostr.Event{
		PubKey:    pub,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindProfileMetadata,
		Tags:      nostr.Tags{},
		Content:   content,
	}
	require.NoError(t, ev.Sign(sk))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := nostr.RelayConnect(ctx, url)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Publish(ctx, *ev))
}

func TestExportRoundTrip(t *testing.T) {
	svc, _, _ := testService(t)

	acct, err := svc.CreateIdentity(context.Background(), goodPass)
	require.NoError(t, err)

	nsec, err := svc.ExportPrivateKey()
	require.NoError(t, err)
	prefix, value, err := nip19.Decode(nsec)
	require.NoError(t, err)
	require.Equal(t, "nsec", prefix)
	require.Equal(t, acct.PrivKey, value.(string))

	npub, err := svc.ExportPublicKey()
	require.NoError(t, err)
	prefix, value, err = nip19.Decode(npub)
	require.NoError(t, err)
	require.Equal(t, "npub", prefix)
	require.Equal(t, string(acct.PubKey), value.(string))
}

func TestExportDeniedForLockedDownAccount(t *testing.T) {
	svc, st, _ := testService(t)

	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	acct := &domain.Account{
		PubKey:     domain.PubKey(pub),
		PrivKey:    sk,
		Exportable: false,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.Save(acct, goodPass))
	require.NoError(t, st.SetCurrent(acct.PubKey))

	_, err = svc.Unlock(goodPass)
	require.NoError(t, err)

	_, err = svc.ExportPrivateKey()
	require.ErrorIs(t, err, domain.ErrAccessDenied)
	require.Equal(t, domain.KindState, domain.KindOf(err))
}

func TestLogoutClearsCurrent(t *testing.T) {
	svc, _, _ := testService(t)

	_, err := svc.CreateIdentity(context.Background(), goodPass)
	require.NoError(t, err)
	require.NoError(t, svc.Logout())

	_, err = svc.Current()
	require.ErrorIs(t, err, domain.ErrNoAccount)
	_, err = svc.CurrentPubKey()
	require.ErrorIs(t, err, domain.ErrNoAccount)
	_, err = svc.ExportPrivateKey()
	require.ErrorIs(t, err, domain.ErrNoAccount)
}

func TestUnlockAcrossProcesses(t *testing.T) {
	svc, st, srv := testService(t)

	acct, err := svc.CreateIdentity(context.Background(), goodPass)
	require.NoError(t, err)

	// A fresh service over the same store stands in for a new process.
	backend, err := logbackend.New("", "ERROR", false)
	require.NoError(t, err)
	pool, err := transport.New(backend, transport.Options{
		Records: []domain.RelayRecord{{URL: srv.URL, Roles: domain.RoleAll}},
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	fresh := New(backend, st, pool)

	got, err := fresh.Unlock(goodPass)
	require.NoError(t, err)
	require.Equal(t, acct.PubKey, got.PubKey)
	require.Equal(t, acct.PrivKey, got.PrivKey)

	_, err = fresh.Unlock("Wrong-Passphrase-9!")
	require.Error(t, err)
}

func TestSignerSignsForCurrentAccount(t *testing.T) {
	svc, _, _ := testService(t)

	ev := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindTextNote,
		Tags:      nostr.Tags{},
		Content:   "signed by the unlocked account",
	}
	require.ErrorIs(t, svc.Sign(ev), domain.ErrNoAccount)
	require.Empty(t, svc.PubKey())

	acct, err := svc.CreateIdentity(context.Background(), goodPass)
	require.NoError(t, err)
	require.Equal(t, acct.PubKey, svc.PubKey())

	require.NoError(t, svc.Sign(ev))
	require.Equal(t, string(acct.PubKey), ev.PubKey)
	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUpdateProfilePublishes(t *testing.T) {
	svc, st, srv := testService(t)

	acct, err := svc.CreateIdentity(context.Background(), goodPass)
	require.NoError(t, err)

	p := domain.Profile{Name: "alice", About: "white noise enjoyer"}
	require.NoError(t, svc.UpdateProfile(context.Background(), p))

	// The relay keeps the newest kind 0 per author.
	var published *nostr.Event
	for _, ev := range srv.Events() {
		if ev.Kind == nostr.KindProfileMetadata && ev.PubKey == string(acct.PubKey) {
			published = ev
		}
	}
	require.NotNil(t, published)
	require.Contains(t, published.Content, `"alice"`)

	stored, err := st.Load(acct.PubKey, goodPass)
	require.NoError(t, err)
	require.Equal(t, "alice", stored.Profile.Name)
}

func TestDeleteRemovesAccount(t *testing.T) {
	svc, _, _ := testService(t)

	acct, err := svc.CreateIdentity(context.Background(), goodPass)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(acct.PubKey))

	_, err = svc.Current()
	require.ErrorIs(t, err, domain.ErrNoAccount)
	pks, err := svc.List()
	require.NoError(t, err)
	require.Empty(t, pks)
}
