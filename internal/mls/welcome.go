package mls

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/aljazceru/whitenoise-cli/internal/crypto"
	"github.com/aljazceru/whitenoise-cli/internal/domain"
	"github.com/aljazceru/whitenoise-cli/internal/wire"
)

// ApplyWelcome joins a group from a gift-wrapped welcome addressed to acct.
// The referenced key package must have been published from this device and
// must not have been consumed before; the inviter must be an admin of the
// group being joined. Applying the same welcome twice fails the second time.
func (e *Engine) ApplyWelcome(ctx context.Context, acct *domain.Account, ev *nostr.Event) (*domain.Group, error) {
	const op = "mls.ApplyWelcome"

	rumor, err := e.codec.OpenGift(ev, acct.PrivKey)
	if err != nil {
		return nil, err
	}
	kpEventID, sealed, err := e.codec.ParseWelcomeRumor(rumor)
	if err != nil {
		return nil, err
	}

	// Only welcomes against init keys we still hold can be opened.
	initPriv, err := e.kps.InitKey(acct, kpEventID)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(initPriv[:])

	body, err := e.codec.OpenWelcome(initPriv, kpEventID, sealed)
	if err != nil {
		return nil, err
	}

	inviter := domain.PubKey(rumor.PubKey)
	if !containsKey(stringsToKeys(body.Admins), inviter) {
		return nil, domain.E(domain.KindProtocol, op, ev.ID,
			fmt.Errorf("%w: inviter is not a group admin", domain.ErrInvalidWelcome))
	}
	if !containsKey(stringsToKeys(body.Members), acct.PubKey) {
		return nil, domain.E(domain.KindProtocol, op, ev.ID,
			fmt.Errorf("%w: we are not in the member list", domain.ErrInvalidWelcome))
	}

	first, err := e.kps.MarkConsumed(kpEventID)
	if err != nil {
		return nil, domain.E(domain.KindState, op, kpEventID, err)
	}
	if !first {
		return nil, domain.E(domain.KindState, op, kpEventID, domain.ErrInvalidWelcome)
	}

	now := time.Now().UTC()
	g := &domain.Group{
		ID:          domain.GroupID(body.GroupID),
		WireID:      domain.WireID(body.WireID),
		Name:        body.Name,
		Description: body.Description,
		Type:        domain.GroupType(body.GroupType),
		Status:      domain.GroupStatusActive,
		Epoch:       domain.Epoch(body.Epoch),
		Members:     sortKeys(stringsToKeys(body.Members)),
		Admins:      sortKeys(stringsToKeys(body.Admins)),
		Relays:      body.Relays,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	st := &groupState{
		Group:  g,
		MyLeaf: initPriv.Slice(),
		Leaves: body.Leaves,
		Secrets: map[uint64][]byte{
			body.Epoch: append([]byte(nil), body.EpochSecret...),
		},
		// The welcome rumor's timestamp approximates when the group last
		// changed; resync starts there, not at the dawn of time.
		LastEventAt: rumor.CreatedAt.Time().Unix(),
	}

	lk := e.lock(acct.PubKey, g.ID)
	lk.Lock()
	defer lk.Unlock()
	if err := e.saveState(op, acct, st); err != nil {
		return nil, err
	}

	e.log.Infof("joined %s %s at epoch %d via %s", g.Type, g.ID.Short(), g.Epoch, inviter.Short())
	return g, nil
}

// FetchWelcomes pulls gift wraps addressed to acct from inbox relays and
// applies every welcome found. It returns the groups joined by this call.
// Wraps that fail to apply are skipped; welcomes already applied fall out
// through the consumed-package check, which makes the whole fetch
// idempotent.
func (e *Engine) FetchWelcomes(ctx context.Context, acct *domain.Account) ([]*domain.Group, error) {
	const op = "mls.FetchWelcomes"

	// Gift wraps are backdated up to two days, so a Since cursor would
	// silently drop them. Fetch everything addressed to us instead.
	filters := nostr.Filters{{
		Kinds: []int{wire.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{acct.PubKey.String()}},
	}}
	evs, err := e.relays.Fetch(ctx, filters, domain.RoleInbox)
	if err != nil {
		return nil, err
	}

	var joined []*domain.Group
	for _, ev := range evs {
		g, err := e.ApplyWelcome(ctx, acct, ev)
		if err != nil {
			e.log.Debugf("skipping wrap %s: %v", ev.ID, err)
			continue
		}
		joined = append(joined, g)
	}
	if len(joined) > 0 {
		e.log.Infof("joined %d groups from %d wraps", len(joined), len(evs))
	}
	return joined, nil
}
