package wire

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/aljazceru/whitenoise-cli/internal/crypto"
	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

type testSigner struct {
	sk string
	pk domain.PubKey
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return &testSigner{sk: sk, pk: domain.PubKey(pub)}
}

func (s *testSigner) PubKey() domain.PubKey      { return s.pk }
func (s *testSigner) Sign(ev *nostr.Event) error { return ev.Sign(s.sk) }

func newCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New()
	require.NoError(t, err)
	return c
}

var testTime = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func TestKeyPackageRoundTrip(t *testing.T) {
	c := newCodec(t)
	signer := newTestSigner(t)

	_, initPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	relays := []string{"wss://a.example.com", "wss://b.example.com"}
	expiry := testTime.Add(30 * 24 * time.Hour)

	ev, err := c.KeyPackageEvent(signer, initPub, relays, expiry, testTime)
	require.NoError(t, err)
	require.Equal(t, KindKeyPackage, ev.Kind)

	kp, err := c.ParseKeyPackage(ev)
	require.NoError(t, err)
	require.Equal(t, signer.pk, kp.Owner)
	require.Equal(t, initPub, kp.InitKey)
	require.Equal(t, relays, kp.Relays)
	require.Equal(t, expiry.Unix(), kp.Expiry.Unix())
	require.Equal(t, ev.ID, kp.EventID)
}

func TestParseKeyPackageRejectsTampered(t *testing.T) {
	c := newCodec(t)
	signer := newTestSigner(t)
	_, initPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	ev, err := c.KeyPackageEvent(signer, initPub, nil, time.Time{}, testTime)
	require.NoError(t, err)

	ev.Content = base64.StdEncoding.EncodeToString([]byte("garbage"))
	_, err = c.ParseKeyPackage(ev)
	require.ErrorIs(t, err, domain.ErrMalformedEvent)
	require.True(t, domain.IsKind(err, domain.KindProtocol))
}

func TestParseKeyPackageRejectsWrongKind(t *testing.T) {
	c := newCodec(t)
	signer := newTestSigner(t)

	ev, err := c.ProfileEvent(signer, domain.Profile{Name: "x"}, testTime)
	require.NoError(t, err)

	_, err = c.ParseKeyPackage(ev)
	require.ErrorIs(t, err, domain.ErrMalformedEvent)
}

func TestProfileRoundTrip(t *testing.T) {
	c := newCodec(t)
	signer := newTestSigner(t)

	in := domain.Profile{Name: "alice", About: "hi", Picture: "https://pic.example/a.png"}
	ev, err := c.ProfileEvent(signer, in, testTime)
	require.NoError(t, err)
	require.Equal(t, nostr.KindProfileMetadata, ev.Kind)

	out, err := c.ParseProfile(ev)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestRelayListRoundTrip(t *testing.T) {
	c := newCodec(t)
	signer := newTestSigner(t)
	urls := []string{"wss://a.example.com", "wss://b.example.com"}

	for _, kind := range []int{nostr.KindRelayListMetadata, KindInboxRelays, KindKeyPackageRelays} {
		ev, err := c.RelayListEvent(signer, kind, urls, testTime)
		require.NoError(t, err)

		got, err := c.ParseRelayList(ev)
		require.NoError(t, err)
		require.Equal(t, urls, got, "kind %d", kind)
	}

	_, err := c.RelayListEvent(signer, nostr.KindTextNote, urls, testTime)
	require.Error(t, err)
}

func randomHex64() string {
	return nostr.GeneratePrivateKey()
}

func TestGroupEnvelopeRoundTrip(t *testing.T) {
	c := newCodec(t)
	sender := newTestSigner(t)
	wrapperSk := nostr.GeneratePrivateKey()
	wireID := domain.WireID(randomHex64())
	var key [32]byte
	copy(key[:], strings.Repeat("k", 32))

	inner, err := c.ChatRumor(sender, "hello group", testTime)
	require.NoError(t, err)

	ev, err := c.GroupEvent(wrapperSk, wireID, 3, key, inner, testTime)
	require.NoError(t, err)
	require.Equal(t, KindGroupMessage, ev.Kind)
	require.NotEqual(t, sender.pk.String(), ev.PubKey, "outer event is not signed by the member")

	env, err := c.ParseGroupEvent(ev)
	require.NoError(t, err)
	require.Equal(t, wireID, env.WireID)
	require.Equal(t, domain.Epoch(3), env.Epoch)

	got, err := c.OpenEnvelope(env, key)
	require.NoError(t, err)
	require.Equal(t, KindChat, got.Kind)
	require.Equal(t, sender.pk.String(), got.PubKey)
	require.Equal(t, "hello group", got.Content)
}

func TestOpenEnvelopeWrongKey(t *testing.T) {
	c := newCodec(t)
	sender := newTestSigner(t)
	wireID := domain.WireID(randomHex64())
	var key, wrong [32]byte
	key[0], wrong[0] = 1, 2

	inner, err := c.ChatRumor(sender, "x", testTime)
	require.NoError(t, err)
	ev, err := c.GroupEvent(nostr.GeneratePrivateKey(), wireID, 1, key, inner, testTime)
	require.NoError(t, err)

	env, err := c.ParseGroupEvent(ev)
	require.NoError(t, err)
	_, err = c.OpenEnvelope(env, wrong)
	require.True(t, domain.IsKind(err, domain.KindCrypto))
}

func TestOpenEnvelopeRejectsForeignInnerKind(t *testing.T) {
	c := newCodec(t)
	sender := newTestSigner(t)
	wireID := domain.WireID(randomHex64())
	var key [32]byte

	inner := &nostr.Event{
		PubKey:    sender.pk.String(),
		CreatedAt: nostr.Timestamp(testTime.Unix()),
		Kind:      nostr.KindTextNote,
		Tags:      nostr.Tags{},
		Content:   "note",
	}
	require.NoError(t, sender.Sign(inner))

	ev, err := c.GroupEvent(nostr.GeneratePrivateKey(), wireID, 1, key, inner, testTime)
	require.NoError(t, err)
	env, err := c.ParseGroupEvent(ev)
	require.NoError(t, err)

	_, err = c.OpenEnvelope(env, key)
	require.ErrorIs(t, err, domain.ErrMalformedEvent)
}

func TestParseGroupEventRejectsMissingTag(t *testing.T) {
	c := newCodec(t)
	sender := newTestSigner(t)
	var key [32]byte

	inner, err := c.ChatRumor(sender, "x", testTime)
	require.NoError(t, err)
	ev, err := c.GroupEvent(nostr.GeneratePrivateKey(), domain.WireID(randomHex64()), 1, key, inner, testTime)
	require.NoError(t, err)

	ev.Tags = nostr.Tags{}
	_, err = c.ParseGroupEvent(ev)
	require.ErrorIs(t, err, domain.ErrMalformedEvent, "tag removal breaks the signature or the shape")
}

func TestCommitRoundTrip(t *testing.T) {
	c := newCodec(t)
	committer := newTestSigner(t)

	leaf := []byte(strings.Repeat("l", 32))
	body := &CommitBody{
		NewEpoch: 4,
		Removes:  []string{strings.Repeat("f", 64), strings.Repeat("a", 64)},
		Adds: []CommitAdd{
			{Member: strings.Repeat("d", 64), KPEventID: "kp2", InitKey: leaf},
			{Member: strings.Repeat("b", 64), KPEventID: "kp1", InitKey: leaf},
		},
		Sealed:  map[string][]byte{strings.Repeat("c", 64): []byte("sealed")},
		Confirm: []byte("confirm-tag"),
	}

	inner, err := c.CommitRumor(committer, body, testTime)
	require.NoError(t, err)
	require.Equal(t, KindCommit, inner.Kind)

	got, err := c.ParseCommit(inner)
	require.NoError(t, err)
	require.Equal(t, uint64(4), got.NewEpoch)
	require.Equal(t, []string{strings.Repeat("a", 64), strings.Repeat("f", 64)}, got.Removes,
		"removes are canonically sorted")
	require.Equal(t, strings.Repeat("b", 64), got.Adds[0].Member, "adds are canonically sorted")
}

func TestParseCommitRejectsBadBodies(t *testing.T) {
	c := newCodec(t)

	build := func(body *CommitBody) *nostr.Event {
		raw, err := c.enc.Marshal(body)
		require.NoError(t, err)
		return &nostr.Event{
			Kind:    KindCommit,
			Content: base64.StdEncoding.EncodeToString(raw),
		}
	}

	valid := strings.Repeat("a", 64)
	cases := map[string]*CommitBody{
		"zero epoch":    {NewEpoch: 0, Removes: []string{valid}, Sealed: map[string][]byte{}, Confirm: []byte("c")},
		"empty changes": {NewEpoch: 2, Sealed: map[string][]byte{}, Confirm: []byte("c")},
		"unsorted": {NewEpoch: 2, Removes: []string{strings.Repeat("b", 64), valid},
			Sealed: map[string][]byte{}, Confirm: []byte("c")},
		"bad pubkey": {NewEpoch: 2, Removes: []string{"nothex"}, Sealed: map[string][]byte{}, Confirm: []byte("c")},
		"no confirm": {NewEpoch: 2, Removes: []string{valid}, Sealed: map[string][]byte{}},
		"add missing leaf": {NewEpoch: 2, Adds: []CommitAdd{{Member: valid, KPEventID: "kp"}},
			Sealed: map[string][]byte{}, Confirm: []byte("c")},
	}
	for name, body := range cases {
		_, err := c.ParseCommit(build(body))
		require.ErrorIs(t, err, domain.ErrMalformedEvent, name)
	}
}

func TestWelcomeSealOpen(t *testing.T) {
	c := newCodec(t)
	initPriv, initPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	leaf := []byte(strings.Repeat("l", 32))
	body := &WelcomeBody{
		GroupID:     randomHex64(),
		WireID:      randomHex64(),
		Name:        "pals",
		Relays:      []string{"wss://a.example.com"},
		Epoch:       2,
		EpochSecret: []byte(strings.Repeat("s", 32)),
		Members:     []string{strings.Repeat("a", 64), strings.Repeat("b", 64)},
		Admins:      []string{strings.Repeat("a", 64)},
		Leaves: map[string][]byte{
			strings.Repeat("a", 64): leaf,
			strings.Repeat("b", 64): leaf,
		},
	}

	sealed, err := c.SealWelcome(initPub, "kp-event-1", body)
	require.NoError(t, err)

	got, err := c.OpenWelcome(initPriv, "kp-event-1", sealed)
	require.NoError(t, err)
	require.Equal(t, body.GroupID, got.GroupID)
	require.Equal(t, body.EpochSecret, got.EpochSecret)
	require.Equal(t, body.Leaves, got.Leaves)

	// A welcome bound to one key package cannot be replayed against another.
	_, err = c.OpenWelcome(initPriv, "kp-event-2", sealed)
	require.ErrorIs(t, err, domain.ErrInvalidWelcome)
}

func TestWelcomeRumorAndGiftWrap(t *testing.T) {
	c := newCodec(t)
	inviter := newTestSigner(t)
	joinerSk := nostr.GeneratePrivateKey()
	joinerPk, err := nostr.GetPublicKey(joinerSk)
	require.NoError(t, err)

	rumor, err := c.WelcomeRumor(inviter, "kp-event-1", []byte("sealed-bytes"), testTime)
	require.NoError(t, err)

	wrap, err := c.GiftWrap(rumor, domain.PubKey(joinerPk), testTime)
	require.NoError(t, err)
	require.Equal(t, KindGiftWrap, wrap.Kind)
	require.NotEqual(t, inviter.pk.String(), wrap.PubKey, "wrap key is throwaway")
	require.LessOrEqual(t, int64(wrap.CreatedAt), testTime.Unix(), "wrap timestamp is backdated")

	got, err := c.OpenGift(wrap, joinerSk)
	require.NoError(t, err)

	kpID, sealed, err := c.ParseWelcomeRumor(got)
	require.NoError(t, err)
	require.Equal(t, "kp-event-1", kpID)
	require.Equal(t, []byte("sealed-bytes"), sealed)
	require.Equal(t, inviter.pk.String(), got.PubKey)
}

func TestOpenGiftWrongRecipient(t *testing.T) {
	c := newCodec(t)
	inviter := newTestSigner(t)
	joinerPk, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	rumor, err := c.WelcomeRumor(inviter, "kp", []byte("x"), testTime)
	require.NoError(t, err)
	wrap, err := c.GiftWrap(rumor, domain.PubKey(joinerPk), testTime)
	require.NoError(t, err)

	_, err = c.OpenGift(wrap, nostr.GeneratePrivateKey())
	require.True(t, domain.IsKind(err, domain.KindCrypto))
}

