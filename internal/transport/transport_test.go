package transport

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
	logbackend "github.com/aljazceru/whitenoise-cli/internal/logging"
	"github.com/aljazceru/whitenoise-cli/internal/relaytest"
)

func testPool(t *testing.T, records ...domain.RelayRecord) *Pool {
	t.Helper()
	backend, err := logbackend.New("", "ERROR", false)
	require.NoError(t, err)
	p, err := New(backend, Options{
		Records:        records,
		DialTimeout:    2 * time.Second,
		PublishTimeout: 8 * time.Second,
		FetchTimeout:   5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func signedEvent(t *testing.T, content string, at nostr.Timestamp) *nostr.Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	ev := &nostr.Event{
		PubKey:    pub,
		CreatedAt: at,
		Kind:      nostr.KindTextNote,
		Tags:      nostr.Tags{},
		Content:   content,
	}
	require.NoError(t, ev.Sign(sk))
	return ev
}

// seed publishes ev to one relay directly, bypassing the pool.
func seed(t *testing.T, url string, ev *nostr.Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := nostr.RelayConnect(ctx, url)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Publish(ctx, *ev))
}

func hasEvent(srv *relaytest.Server, id string) bool {
	for _, ev := range srv.Events() {
		if ev.ID == id {
			return true
		}
	}
	return false
}

func TestPublishReachesEveryRelay(t *testing.T) {
	a := relaytest.Start()
	defer a.Stop()
	b := relaytest.Start()
	defer b.Stop()

	p := testPool(t,
		domain.RelayRecord{URL: a.URL, Roles: domain.RoleGeneral},
		domain.RelayRecord{URL: b.URL, Roles: domain.RoleGeneral},
	)

	ev := signedEvent(t, "fanout", nostr.Now())
	receipt, err := p.Publish(context.Background(), ev, domain.RoleGeneral)
	require.NoError(t, err)
	require.True(t, receipt.Delivered())
	require.Equal(t, ev.ID, receipt.EventID)
	require.ElementsMatch(t, []string{a.URL, b.URL}, receipt.AckedBy)
	require.Empty(t, receipt.Failed)

	require.True(t, hasEvent(a, ev.ID))
	require.True(t, hasEvent(b, ev.ID))
}

func TestPublishHonorsRoles(t *testing.T) {
	general := relaytest.Start()
	defer general.Stop()
	inbox := relaytest.Start()
	defer inbox.Stop()

	p := testPool(t,
		domain.RelayRecord{URL: general.URL, Roles: domain.RoleGeneral},
		domain.RelayRecord{URL: inbox.URL, Roles: domain.RoleInbox},
	)

	ev := signedEvent(t, "for the inbox", nostr.Now())
	receipt, err := p.Publish(context.Background(), ev, domain.RoleInbox)
	require.NoError(t, err)
	require.Equal(t, []string{inbox.URL}, receipt.AckedBy)

	require.True(t, hasEvent(inbox, ev.ID))
	require.Empty(t, general.Events())
}

func TestPublishToReachesAdHocRelays(t *testing.T) {
	configured := relaytest.Start()
	defer configured.Stop()
	foreign := relaytest.Start()
	defer foreign.Stop()

	p := testPool(t, domain.RelayRecord{URL: configured.URL, Roles: domain.RoleAll})

	ev := signedEvent(t, "to a peer's inbox", nostr.Now())
	receipt, err := p.PublishTo(context.Background(), ev, []string{foreign.URL, foreign.URL, ""})
	require.NoError(t, err)
	require.Equal(t, []string{foreign.URL}, receipt.AckedBy, "duplicates and blanks dropped")

	require.True(t, hasEvent(foreign, ev.ID))
	require.Empty(t, configured.Events())

	_, err = p.PublishTo(context.Background(), ev, nil)
	require.Error(t, err)
	require.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestPublishSurvivesDeadRelay(t *testing.T) {
	live := relaytest.Start()
	defer live.Stop()
	const dead = "ws://127.0.0.1:1"

	p := testPool(t,
		domain.RelayRecord{URL: live.URL, Roles: domain.RoleGeneral},
		domain.RelayRecord{URL: dead, Roles: domain.RoleGeneral},
	)

	ev := signedEvent(t, "still delivered", nostr.Now())
	receipt, err := p.Publish(context.Background(), ev, domain.RoleGeneral)
	require.NoError(t, err)
	require.True(t, receipt.Delivered())
	require.Equal(t, []string{live.URL}, receipt.AckedBy)
	require.Contains(t, receipt.Failed, dead)
	require.True(t, hasEvent(live, ev.ID))
}

func TestPublishAllRelaysDown(t *testing.T) {
	p := testPool(t,
		domain.RelayRecord{URL: "ws://127.0.0.1:1", Roles: domain.RoleGeneral},
		domain.RelayRecord{URL: "ws://127.0.0.1:2", Roles: domain.RoleGeneral},
	)

	ev := signedEvent(t, "nowhere to go", nostr.Now())
	receipt, err := p.Publish(context.Background(), ev, domain.RoleGeneral)
	require.Error(t, err)
	require.Equal(t, domain.KindNetwork, domain.KindOf(err))
	require.False(t, receipt.Delivered())
	require.Len(t, receipt.Failed, 2)

	// Three failed attempts each crosses the unhealthy threshold.
	for _, h := range p.Health() {
		require.False(t, h.Healthy)
		require.GreaterOrEqual(t, h.Failures, defaultFailureThreshold)
	}
}

func TestPublishNoRelayForRole(t *testing.T) {
	srv := relaytest.Start()
	defer srv.Stop()

	p := testPool(t, domain.RelayRecord{URL: srv.URL, Roles: domain.RoleGeneral})

	ev := signedEvent(t, "unroutable", nostr.Now())
	_, err := p.Publish(context.Background(), ev, domain.RoleKeyPackage)
	require.Error(t, err)
	require.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = p.Fetch(context.Background(), nostr.Filters{{}}, domain.RoleKeyPackage)
	require.Error(t, err)
	require.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = p.Stream(context.Background(), nostr.Filters{{}}, domain.RoleKeyPackage)
	require.Error(t, err)
	require.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestUnhealthyRelayDeprioritized(t *testing.T) {
	live := relaytest.Start()
	defer live.Stop()
	const dead = "ws://127.0.0.1:1"

	backend, err := logbackend.New("", "ERROR", false)
	require.NoError(t, err)
	p, err := New(backend, Options{
		Records: []domain.RelayRecord{
			{URL: dead, Roles: domain.RoleGeneral},
			{URL: live.URL, Roles: domain.RoleGeneral},
		},
		DialTimeout:   time.Second,
		ProbeCooldown: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	ev := signedEvent(t, "probe", nostr.Now())
	receipt, err := p.Publish(context.Background(), ev, domain.RoleGeneral)
	require.NoError(t, err)
	require.True(t, receipt.Delivered())

	// Inside the cooldown the dead relay sits out.
	require.Equal(t, []string{live.URL}, p.matching(domain.RoleGeneral))

	// Once the cooldown expires it is probed again, after the healthy one.
	require.Eventually(t, func() bool {
		urls := p.matching(domain.RoleGeneral)
		return len(urls) == 2 && urls[0] == live.URL && urls[1] == dead
	}, 5*time.Second, 50*time.Millisecond)
}

func TestFetchMergesAcrossRelays(t *testing.T) {
	a := relaytest.Start()
	defer a.Stop()
	b := relaytest.Start()
	defer b.Stop()

	now := nostr.Now()
	older := signedEvent(t, "older", now-10)
	newer := signedEvent(t, "newer", now)

	// older lives on both relays, newer only on b.
	seed(t, a.URL, older)
	seed(t, b.URL, older)
	seed(t, b.URL, newer)

	p := testPool(t,
		domain.RelayRecord{URL: a.URL, Roles: domain.RoleGeneral},
		domain.RelayRecord{URL: b.URL, Roles: domain.RoleGeneral},
	)

	got, err := p.Fetch(context.Background(), nostr.Filters{{Kinds: []int{nostr.KindTextNote}}}, domain.RoleGeneral)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, older.ID, got[0].ID)
	require.Equal(t, newer.ID, got[1].ID)
}

func TestFetchToleratesPartialFailure(t *testing.T) {
	live := relaytest.Start()
	defer live.Stop()

	ev := signedEvent(t, "survivor", nostr.Now())
	seed(t, live.URL, ev)

	p := testPool(t,
		domain.RelayRecord{URL: live.URL, Roles: domain.RoleGeneral},
		domain.RelayRecord{URL: "ws://127.0.0.1:1", Roles: domain.RoleGeneral},
	)

	got, err := p.Fetch(context.Background(), nostr.Filters{{Kinds: []int{nostr.KindTextNote}}}, domain.RoleGeneral)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, ev.ID, got[0].ID)
}

func TestStreamDedupesAcrossRelays(t *testing.T) {
	a := relaytest.Start()
	defer a.Stop()
	b := relaytest.Start()
	defer b.Stop()

	p := testPool(t,
		domain.RelayRecord{URL: a.URL, Roles: domain.RoleGeneral},
		domain.RelayRecord{URL: b.URL, Roles: domain.RoleGeneral},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := p.Stream(ctx, nostr.Filters{{Kinds: []int{nostr.KindTextNote}}}, domain.RoleGeneral)
	require.NoError(t, err)

	ev := signedEvent(t, "once only", nostr.Now())
	seed(t, a.URL, ev)
	seed(t, b.URL, ev)

	select {
	case got := <-ch:
		require.Equal(t, ev.ID, got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}

	// The copy from the second relay must be swallowed.
	select {
	case got := <-ch:
		t.Fatalf("duplicate delivery: %s", got.ID)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case _, open := <-ch:
		require.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestStreamKeepsGoingWhenOneRelayDies(t *testing.T) {
	healthy := relaytest.Start()
	defer healthy.Stop()
	doomed := relaytest.Start()

	p := testPool(t,
		domain.RelayRecord{URL: healthy.URL, Roles: domain.RoleGeneral},
		domain.RelayRecord{URL: doomed.URL, Roles: domain.RoleGeneral},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := p.Stream(ctx, nostr.Filters{{Kinds: []int{nostr.KindTextNote}}}, domain.RoleGeneral)
	require.NoError(t, err)

	doomed.Stop()

	ev := signedEvent(t, "through the survivor", nostr.Now())
	seed(t, healthy.URL, ev)

	select {
	case got := <-ch:
		require.Equal(t, ev.ID, got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}
