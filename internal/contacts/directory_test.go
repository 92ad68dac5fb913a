package contacts

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

func testDirectory(t *testing.T) (*Directory, *relaytest.Server, domain.PubKey) {
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

	owner := domain.PubKey(mustPub(t, nostr.GeneratePrivateKey()))
	return New(backend, st, pool), srv, owner
}

func mustPub(t *testing.T, sk string) string {
	t.Helper()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return pub
}

func publishProfile(t *testing.T, url, sk, content string) string {
	t.Helper()
	ev := &nostr.Event{
		PubKey:    mustPub(t, sk),
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
	return ev.PubKey
}

func TestAddAcceptsHexAndNpub(t *testing.T) {
	d, _, owner := testDirectory(t)

	hexKey := mustPub(t, nostr.GeneratePrivateKey())
	c, err := d.Add(context.Background(), owner, "alice", hexKey)
	require.NoError(t, err)
	require.Equal(t, domain.PubKey(hexKey), c.PubKey)
	require.Equal(t, "alice", c.Petname)

	otherHex := mustPub(t, nostr.GeneratePrivateKey())
	npub, err := nip19.EncodePublicKey(otherHex)
	require.NoError(t, err)
	c, err = d.Add(context.Background(), owner, "bob", npub)
	require.NoError(t, err)
	require.Equal(t, domain.PubKey(otherHex), c.PubKey)

	list, err := d.List(owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestAddRejectsBadKey(t *testing.T) {
	d, _, owner := testDirectory(t)

	for _, key := range []string{"", "nothex", "npub1qqqq", "abcd"} {
		_, err := d.Add(context.Background(), owner, "x", key)
		require.Error(t, err, "key %q", key)
		require.Equal(t, domain.KindValidation, domain.KindOf(err))
	}
}

func TestAddFetchesPublishedProfile(t *testing.T) {
	d, srv, owner := testDirectory(t)

	sk := nostr.GeneratePrivateKey()
	pub := publishProfile(t, srv.URL, sk, `{"name":"carol","about":"likes noise"}`)

	c, err := d.Add(context.Background(), owner, "carol", pub)
	require.NoError(t, err)
	require.Equal(t, "carol", c.Profile.Name)
	require.Equal(t, "likes noise", c.Profile.About)
}

func TestAddKeepsOriginalAddedAt(t *testing.T) {
	d, _, owner := testDirectory(t)

	key := mustPub(t, nostr.GeneratePrivateKey())
	first, err := d.Add(context.Background(), owner, "dave", key)
	require.NoError(t, err)

	second, err := d.Add(context.Background(), owner, "david", key)
	require.NoError(t, err)
	require.Equal(t, first.AddedAt.UnixNano(), second.AddedAt.UnixNano())
	require.Equal(t, "david", second.Petname)

	list, err := d.List(owner)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestRemove(t *testing.T) {
	d, _, owner := testDirectory(t)

	key := mustPub(t, nostr.GeneratePrivateKey())
	_, err := d.Add(context.Background(), owner, "eve", key)
	require.NoError(t, err)

	require.NoError(t, d.Remove(owner, key))

	_, err = d.Get(owner, key)
	require.ErrorIs(t, err, domain.ErrContactNotFound)
	require.ErrorIs(t, d.Remove(owner, key), domain.ErrContactNotFound)
}

func TestResolve(t *testing.T) {
	d, _, owner := testDirectory(t)

	key := mustPub(t, nostr.GeneratePrivateKey())
	_, err := d.Add(context.Background(), owner, "frank", key)
	require.NoError(t, err)

	pk, err := d.Resolve(owner, "frank")
	require.NoError(t, err)
	require.Equal(t, domain.PubKey(key), pk)

	// Bare keys resolve without a directory entry.
	stranger := mustPub(t, nostr.GeneratePrivateKey())
	pk, err = d.Resolve(owner, stranger)
	require.NoError(t, err)
	require.Equal(t, domain.PubKey(stranger), pk)

	npub, err := nip19.EncodePublicKey(stranger)
	require.NoError(t, err)
	pk, err = d.Resolve(owner, npub)
	require.NoError(t, err)
	require.Equal(t, domain.PubKey(stranger), pk)

	_, err = d.Resolve(owner, "nobody")
	require.ErrorIs(t, err, domain.ErrContactNotFound)
}

func TestRefresh(t *testing.T) {
	d, srv, owner := testDirectory(t)

	sk := nostr.GeneratePrivateKey()
	pub := mustPub(t, sk)

	// Added before any profile exists.
	c, err := d.Add(context.Background(), owner, "grace", pub)
	require.NoError(t, err)
	require.Empty(t, c.Profile.Name)

	publishProfile(t, srv.URL, sk, `{"name":"grace","nip05":"grace@example.com"}`)

	updated, err := d.Refresh(context.Background(), owner)
	require.NoError(t, err)
	require.Equal(t, 1, updated)

	got, err := d.Get(owner, pub)
	require.NoError(t, err)
	require.Equal(t, "grace", got.Profile.Name)
	require.Equal(t, "grace@example.com", got.Profile.NIP05)

	// Nothing new to pick up the second time around.
	updated, err = d.Refresh(context.Background(), owner)
	require.NoError(t, err)
	require.Zero(t, updated)
}
