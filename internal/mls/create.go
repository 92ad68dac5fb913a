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

// invite pairs a member being brought in with the key package consumed to
// reach them.
type invite struct {
	member domain.PubKey
	kp     *domain.KeyPackage
}

// Create builds a new group at epoch zero, welcomes every listed member and
// persists the creator's state. Missing key packages fail the whole call;
// no partial group is created. The creator is always a member and an admin.
func (e *Engine) Create(ctx context.Context, acct *domain.Account, name, description string, members, admins []domain.PubKey) (*domain.Group, error) {
	const op = "mls.Create"
	if name == "" {
		return nil, domain.E(domain.KindValidation, op, "", fmt.Errorf("group name is required"))
	}
	return e.create(ctx, op, acct, name, description, domain.GroupTypeGroup, members, admins)
}

// GetOrCreateDM returns the existing direct-message group with peer, or
// creates one. A DM is a two-member group with both members admins.
func (e *Engine) GetOrCreateDM(ctx context.Context, acct *domain.Account, peer domain.PubKey) (*domain.Group, error) {
	const op = "mls.GetOrCreateDM"

	if !peer.Valid() {
		return nil, domain.E(domain.KindValidation, op, peer.Short(), fmt.Errorf("invalid peer pubkey"))
	}
	if peer == acct.PubKey {
		return nil, domain.E(domain.KindValidation, op, peer.Short(), fmt.Errorf("cannot open a dm with yourself"))
	}

	states, err := e.listStates(op, acct)
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		g := st.Group
		if g.Type == domain.GroupTypeDM && g.Status != domain.GroupStatusClosed &&
			len(g.Members) == 2 && g.IsMember(acct.PubKey) && g.IsMember(peer) {
			return g, nil
		}
	}
	return e.create(ctx, op, acct, "", "", domain.GroupTypeDM,
		[]domain.PubKey{acct.PubKey, peer}, []domain.PubKey{acct.PubKey, peer})
}

func (e *Engine) create(ctx context.Context, op string, acct *domain.Account, name, description string, typ domain.GroupType, members, admins []domain.PubKey) (*domain.Group, error) {
	self := acct.PubKey

	members = sortKeys(append(append([]domain.PubKey(nil), members...), self))
	for _, m := range members {
		if !m.Valid() {
			return nil, domain.E(domain.KindValidation, op, m.Short(), fmt.Errorf("invalid member pubkey"))
		}
	}
	admins = sortKeys(append(append([]domain.PubKey(nil), admins...), self))
	for _, a := range admins {
		if !containsKey(members, a) {
			return nil, domain.E(domain.KindValidation, op, a.Short(), fmt.Errorf("admin is not a member"))
		}
	}

	// Every invitee must be reachable before any state exists.
	invites := make([]invite, 0, len(members)-1)
	for _, m := range members {
		if m == self {
			continue
		}
		kp, err := e.kps.Fetch(ctx, m)
		if err != nil {
			return nil, domain.E(domain.KindState, op, m.Short(),
				fmt.Errorf("%w: %v", domain.ErrMemberUnreachable, err))
		}
		invites = append(invites, invite{member: m, kp: kp})
	}

	id, err := randomHex()
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, "", err)
	}
	wid, err := randomHex()
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, "", err)
	}
	secret, err := randomSecret()
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, "", err)
	}
	leafPriv, leafPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, "", err)
	}

	leaves := make(map[string][]byte, len(members))
	leaves[self.String()] = leafPub.Slice()
	for _, inv := range invites {
		leaves[inv.member.String()] = inv.kp.InitKey.Slice()
	}

	now := time.Now().UTC()
	g := &domain.Group{
		ID:          domain.GroupID(id),
		WireID:      domain.WireID(wid),
		Name:        name,
		Description: description,
		Type:        typ,
		Status:      domain.GroupStatusActive,
		Epoch:       0,
		Members:     members,
		Admins:      admins,
		Relays:      e.roleURLs(domain.RoleGeneral),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	st := &groupState{
		Group:       g,
		MyLeaf:      leafPriv.Slice(),
		Leaves:      leaves,
		Secrets:     map[uint64][]byte{0: secret},
		LastEventAt: now.Unix(),
	}

	body := &wire.WelcomeBody{
		GroupID:     id,
		WireID:      wid,
		Name:        name,
		Description: description,
		Relays:      g.Relays,
		GroupType:   uint8(typ),
		Epoch:       0,
		EpochSecret: secret,
		Members:     keysToStrings(members),
		Admins:      keysToStrings(admins),
		Leaves:      leaves,
	}
	for _, inv := range invites {
		if err := e.sendWelcome(ctx, acct, inv.kp, body, now); err != nil {
			return nil, err
		}
	}
	for _, inv := range invites {
		if _, err := e.kps.MarkConsumed(inv.kp.EventID); err != nil {
			e.log.Warningf("mark key package %s consumed: %v", inv.kp.EventID, err)
		}
	}

	lk := e.lock(self, g.ID)
	lk.Lock()
	defer lk.Unlock()
	if err := e.saveState(op, acct, st); err != nil {
		return nil, err
	}

	e.log.Infof("created %s %s with %d members", typ, g.ID.Short(), len(members))
	return g, nil
}

// sendWelcome seals body to the key package, wraps it for the package owner
// and publishes the wrap to their inbox relays. The package's advertised
// relays win, then the owner's published inbox relay list; our own inbox
// relays are the last resort.
func (e *Engine) sendWelcome(ctx context.Context, acct *domain.Account, kp *domain.KeyPackage, body *wire.WelcomeBody, now time.Time) error {
	const op = "mls.sendWelcome"

	sealed, err := e.codec.SealWelcome(kp.InitKey, kp.EventID, body)
	if err != nil {
		return domain.E(domain.KindCrypto, op, kp.Owner.Short(), err)
	}
	rumor, err := e.codec.WelcomeRumor(domain.NewAccountSigner(acct), kp.EventID, sealed, now)
	if err != nil {
		return domain.E(domain.KindCrypto, op, kp.Owner.Short(), err)
	}
	wrap, err := e.codec.GiftWrap(rumor, kp.Owner, now)
	if err != nil {
		return domain.E(domain.KindCrypto, op, kp.Owner.Short(), err)
	}

	urls := kp.Relays
	if len(urls) == 0 {
		urls = e.peerInboxRelays(ctx, kp.Owner)
	}
	if len(urls) == 0 {
		urls = e.roleURLs(domain.RoleInbox)
	}
	if _, err := e.relays.PublishTo(ctx, wrap, urls); err != nil {
		return err
	}
	e.log.Debugf("welcomed %s to %s", kp.Owner.Short(), domain.GroupID(body.GroupID).Short())
	return nil
}

// peerInboxRelays looks up owner's published inbox relay list, for package
// owners that did not advertise relays in the package itself.
func (e *Engine) peerInboxRelays(ctx context.Context, owner domain.PubKey) []string {
	evs, err := e.relays.Fetch(ctx, nostr.Filters{{
		Kinds:   []int{wire.KindInboxRelays},
		Authors: []string{owner.String()},
		Limit:   1,
	}}, domain.RoleGeneral)
	if err != nil || len(evs) == 0 {
		return nil
	}
	urls, err := e.codec.ParseRelayList(evs[len(evs)-1])
	if err != nil {
		e.log.Debugf("inbox relay list for %s unusable: %v", owner.Short(), err)
		return nil
	}
	return urls
}

// roleURLs lists the configured relay URLs serving role.
func (e *Engine) roleURLs(role domain.RelayRole) []string {
	var out []string
	for _, r := range e.relays.Records() {
		if r.Roles.Has(role) {
			out = append(out, r.URL)
		}
	}
	return out
}
