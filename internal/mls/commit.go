package mls

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/aljazceru/whitenoise-cli/internal/crypto"
	"github.com/aljazceru/whitenoise-cli/internal/domain"
	"github.com/aljazceru/whitenoise-cli/internal/wire"
)

// CommitResult reports a published membership change.
type CommitResult struct {
	Group   *domain.Group   `json:"group"`
	Added   []domain.PubKey `json:"added,omitempty"`
	Removed []domain.PubKey `json:"removed,omitempty"`
	EventID string          `json:"event_id"`
}

// ProposeAdd records a pending proposal to add member. Proposals are local
// until an admin commits them.
func (e *Engine) ProposeAdd(acct *domain.Account, id domain.GroupID, member domain.PubKey) error {
	return e.propose("mls.ProposeAdd", acct, id, member, proposalAdd)
}

// ProposeRemove records a pending proposal to remove member. Proposing our
// own removal is how a leave starts when another admin will commit it.
func (e *Engine) ProposeRemove(acct *domain.Account, id domain.GroupID, member domain.PubKey) error {
	return e.propose("mls.ProposeRemove", acct, id, member, proposalRemove)
}

func (e *Engine) propose(op string, acct *domain.Account, id domain.GroupID, member domain.PubKey, action uint8) error {
	if !member.Valid() {
		return domain.E(domain.KindValidation, op, member.Short(), fmt.Errorf("invalid member pubkey"))
	}

	lk := e.lock(acct.PubKey, id)
	lk.Lock()
	defer lk.Unlock()

	st, err := e.loadState(op, acct, id)
	if err != nil {
		return err
	}
	if st.Group.Status == domain.GroupStatusClosed {
		return domain.E(domain.KindState, op, id.Short(), domain.ErrGroupClosed)
	}
	if action == proposalAdd && st.Group.IsMember(member) {
		return domain.E(domain.KindValidation, op, member.Short(), fmt.Errorf("already a member"))
	}
	if action == proposalRemove && !st.Group.IsMember(member) {
		return domain.E(domain.KindValidation, op, member.Short(), fmt.Errorf("not a member"))
	}
	for _, p := range st.Pending {
		if p.Action == action && p.Member == string(member) {
			return nil
		}
	}

	st.Pending = append(st.Pending, proposal{
		Proposer: string(acct.PubKey),
		Action:   action,
		Member:   string(member),
	})
	st.Group.Status = domain.GroupStatusPendingCommit
	if err := e.saveState(op, acct, st); err != nil {
		return err
	}
	e.log.Debugf("proposal recorded on %s: %d pending", id.Short(), len(st.Pending))
	return nil
}

// Commit orders the pending proposals deterministically, applies them as one
// membership change and publishes the commit to the current epoch. Key
// packages for every added member are fetched up front; any missing package
// fails the whole commit. Welcomes for added members go out after the commit
// is published and applied locally.
func (e *Engine) Commit(ctx context.Context, acct *domain.Account, id domain.GroupID) (*CommitResult, error) {
	const op = "mls.Commit"

	lk := e.lock(acct.PubKey, id)
	lk.Lock()
	defer lk.Unlock()

	st, err := e.loadState(op, acct, id)
	if err != nil {
		return nil, err
	}
	if st.Group.Status == domain.GroupStatusClosed {
		return nil, domain.E(domain.KindState, op, id.Short(), domain.ErrGroupClosed)
	}
	if len(st.Pending) == 0 {
		return nil, domain.E(domain.KindValidation, op, id.Short(), fmt.Errorf("no pending proposals"))
	}

	removes, addKeys := mergeProposals(st)
	if len(removes) == 0 && len(addKeys) == 0 {
		// Every proposal was a no-op against current membership.
		st.Pending = nil
		st.Group.Status = domain.GroupStatusActive
		if err := e.saveState(op, acct, st); err != nil {
			return nil, err
		}
		return nil, domain.E(domain.KindValidation, op, id.Short(), fmt.Errorf("no effective changes to commit"))
	}

	selfLeaveOnly := len(addKeys) == 0 && len(removes) == 1 && removes[0] == acct.PubKey
	if !st.Group.IsAdmin(acct.PubKey) && !selfLeaveOnly {
		return nil, domain.E(domain.KindValidation, op, id.Short(), fmt.Errorf("only admins can commit membership changes"))
	}

	adds := make([]invite, 0, len(addKeys))
	for _, m := range addKeys {
		kp, err := e.kps.Fetch(ctx, m)
		if err != nil {
			return nil, domain.E(domain.KindState, op, m.Short(),
				fmt.Errorf("%w: %v", domain.ErrMemberUnreachable, err))
		}
		adds = append(adds, invite{member: m, kp: kp})
	}
	return e.commitChanges(ctx, op, acct, st, removes, adds, time.Now().UTC())
}

// LeaveGroup removes the local member through a commit containing only that
// removal, which every receiver accepts regardless of admin status. Any
// pending proposals are discarded; the group closes locally once the commit
// is published.
func (e *Engine) LeaveGroup(ctx context.Context, acct *domain.Account, id domain.GroupID) error {
	const op = "mls.LeaveGroup"

	lk := e.lock(acct.PubKey, id)
	lk.Lock()
	defer lk.Unlock()

	st, err := e.loadState(op, acct, id)
	if err != nil {
		return err
	}
	if st.Group.Status == domain.GroupStatusClosed {
		return domain.E(domain.KindState, op, id.Short(), domain.ErrGroupClosed)
	}
	_, err = e.commitChanges(ctx, op, acct, st, []domain.PubKey{acct.PubKey}, nil, time.Now().UTC())
	return err
}

// mergeProposals orders the pending set by proposer then encoded bytes,
// then collapses it into one remove list and one add list. Removes win over
// adds for the same pubkey; proposals that no longer change anything drop
// out.
func mergeProposals(st *groupState) (removes, adds []domain.PubKey) {
	type encoded struct {
		p   proposal
		raw []byte
	}
	ordered := make([]encoded, 0, len(st.Pending))
	for _, p := range st.Pending {
		raw, _ := cbor.Marshal(p)
		ordered = append(ordered, encoded{p: p, raw: raw})
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].p.Proposer != ordered[j].p.Proposer {
			return ordered[i].p.Proposer < ordered[j].p.Proposer
		}
		return bytes.Compare(ordered[i].raw, ordered[j].raw) < 0
	})

	removed := make(map[domain.PubKey]struct{})
	for _, ep := range ordered {
		if ep.p.Action != proposalRemove {
			continue
		}
		pk := domain.PubKey(ep.p.Member)
		if !st.Group.IsMember(pk) {
			continue
		}
		if _, dup := removed[pk]; dup {
			continue
		}
		removed[pk] = struct{}{}
		removes = append(removes, pk)
	}
	for _, ep := range ordered {
		if ep.p.Action != proposalAdd {
			continue
		}
		pk := domain.PubKey(ep.p.Member)
		if st.Group.IsMember(pk) || containsKey(adds, pk) {
			continue
		}
		if _, gone := removed[pk]; gone {
			continue
		}
		adds = append(adds, pk)
	}
	return sortKeys(removes), sortKeys(adds)
}

// commitChanges builds, publishes and locally applies one commit. The caller
// holds the group lock and has validated authorization. The commit envelope
// travels under the current epoch; any remove rotates the wire id.
func (e *Engine) commitChanges(ctx context.Context, op string, acct *domain.Account, st *groupState, removes []domain.PubKey, adds []invite, now time.Time) (*CommitResult, error) {
	newEpoch := uint64(st.Group.Epoch) + 1
	body := &wire.CommitBody{NewEpoch: newEpoch}
	for _, r := range removes {
		body.Removes = append(body.Removes, string(r))
	}
	for _, a := range adds {
		body.Adds = append(body.Adds, wire.CommitAdd{
			Member:    string(a.member),
			KPEventID: a.kp.EventID,
			InitKey:   a.kp.InitKey.Slice(),
		})
	}
	if len(removes) > 0 {
		// Removed members know the old wire id. Rotating it keeps the
		// group's future traffic off their filters.
		wid, err := randomHex()
		if err != nil {
			return nil, domain.E(domain.KindCrypto, op, st.Group.ID.Short(), err)
		}
		body.NewWireID = wid
	}

	commitSecret, err := randomSecret()
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, st.Group.ID.Short(), err)
	}
	defer crypto.Wipe(commitSecret)

	members, admins, _, leaves, ctxHash := commitProjection(st, body)

	newSecret, err := nextEpochSecret(commitSecret, ctxHash)
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, st.Group.ID.Short(), err)
	}
	defer crypto.Wipe(newSecret)
	body.Confirm, err = confirmTag(newSecret, ctxHash)
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, st.Group.ID.Short(), err)
	}

	body.Sealed = make(map[string][]byte, len(members))
	for _, m := range members {
		var leaf domain.X25519Public
		raw := leaves[string(m)]
		if len(raw) != 32 {
			return nil, domain.E(domain.KindState, op, m.Short(), fmt.Errorf("no leaf key for member"))
		}
		copy(leaf[:], raw)
		sealedTo, err := crypto.SealTo(leaf, commitSecret, ctxHash[:])
		if err != nil {
			return nil, domain.E(domain.KindCrypto, op, m.Short(), err)
		}
		body.Sealed[string(m)] = sealedTo
	}

	rumor, err := e.codec.CommitRumor(domain.NewAccountSigner(acct), body, now)
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, st.Group.ID.Short(), err)
	}
	secret, ok := st.Secrets[uint64(st.Group.Epoch)]
	if !ok {
		return nil, domain.E(domain.KindState, op, st.Group.ID.Short(), domain.ErrUnknownEpoch)
	}
	sched, err := deriveSchedule(secret)
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, st.Group.ID.Short(), err)
	}
	env, err := e.codec.GroupEvent(sched.wrapperSk, st.Group.WireID, st.Group.Epoch, sched.encryption, rumor, now)
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, st.Group.ID.Short(), err)
	}
	if _, err := e.relays.Publish(ctx, env, domain.RoleGeneral); err != nil {
		return nil, err
	}

	// Welcome payloads are built from the projection, not from st, so they
	// survive the local state tombstoning when this commit removes us.
	var wb *wire.WelcomeBody
	if len(adds) > 0 {
		wb = &wire.WelcomeBody{
			GroupID:     string(st.Group.ID),
			WireID:      string(st.Group.WireID),
			Name:        st.Group.Name,
			Description: st.Group.Description,
			Relays:      st.Group.Relays,
			GroupType:   uint8(st.Group.Type),
			Epoch:       newEpoch,
			EpochSecret: append([]byte(nil), newSecret...),
			Members:     keysToStrings(members),
			Admins:      keysToStrings(admins),
			Leaves:      leaves,
		}
		if body.NewWireID != "" {
			wb.WireID = body.NewWireID
		}
		defer crypto.Wipe(wb.EpochSecret)
	}

	if err := e.advance(acct, st, body, commitSecret, now); err != nil {
		return nil, domain.E(domain.KindCrypto, op, st.Group.ID.Short(), err)
	}
	st.Pending = nil
	if st.Group.Status != domain.GroupStatusClosed {
		st.Group.Status = domain.GroupStatusActive
	}
	if env.CreatedAt.Time().Unix() > st.LastEventAt {
		st.LastEventAt = env.CreatedAt.Time().Unix()
	}
	if err := e.saveState(op, acct, st); err != nil {
		return nil, err
	}

	added := make([]domain.PubKey, 0, len(adds))
	for _, a := range adds {
		added = append(added, a.member)
		if _, err := e.kps.MarkConsumed(a.kp.EventID); err != nil {
			e.log.Warningf("mark key package %s consumed: %v", a.kp.EventID, err)
		}
	}
	for _, a := range adds {
		// The commit is already out; a failed welcome means this member
		// must be re-added, it does not roll the epoch back.
		if err := e.sendWelcome(ctx, acct, a.kp, wb, now); err != nil {
			e.log.Warningf("welcome to %s failed: %v", a.member.Short(), err)
		}
	}

	e.log.Infof("committed epoch %d on %s: %d added, %d removed",
		newEpoch, st.Group.ID.Short(), len(added), len(removes))
	return &CommitResult{Group: st.Group, Added: added, Removed: removes, EventID: env.ID}, nil
}

// commitProjection computes the post-commit membership, admin set, wire id,
// leaf table and context hash from current state plus a commit body. The
// committer and every receiver run the same projection; the context hash
// binds each sealed commit secret to exactly this outcome.
func commitProjection(st *groupState, body *wire.CommitBody) (members, admins []domain.PubKey, wireID domain.WireID, leaves map[string][]byte, ctx [32]byte) {
	removed := make(map[string]struct{}, len(body.Removes))
	for _, r := range body.Removes {
		removed[r] = struct{}{}
	}

	members = make([]domain.PubKey, 0, len(st.Group.Members)+len(body.Adds))
	for _, m := range st.Group.Members {
		if _, gone := removed[string(m)]; !gone {
			members = append(members, m)
		}
	}
	for _, a := range body.Adds {
		if !containsKey(members, domain.PubKey(a.Member)) {
			members = append(members, domain.PubKey(a.Member))
		}
	}
	members = sortKeys(members)

	admins = make([]domain.PubKey, 0, len(st.Group.Admins))
	for _, a := range st.Group.Admins {
		if _, gone := removed[string(a)]; !gone {
			admins = append(admins, a)
		}
	}

	wireID = st.Group.WireID
	if body.NewWireID != "" {
		wireID = domain.WireID(body.NewWireID)
	}

	leaves = make(map[string][]byte, len(members))
	for pk, leaf := range st.Leaves {
		if _, gone := removed[pk]; gone {
			continue
		}
		leaves[pk] = leaf
	}
	for _, a := range body.Adds {
		leaves[a.Member] = append([]byte(nil), a.InitKey...)
	}

	ctx = contextHash(st.Group.ID, wireID, domain.Epoch(body.NewEpoch), members)
	return members, admins, wireID, leaves, ctx
}

// advance moves st across one commit. When the commit removes the local
// member the group tombstones: the summary updates, status flips to closed
// and every secret is wiped; commitSecret may be nil on that path, since a
// removed member has no sealed entry to open. Otherwise the next epoch
// secret is derived and checked against the commit's confirm tag before
// anything changes.
func (e *Engine) advance(acct *domain.Account, st *groupState, body *wire.CommitBody, commitSecret []byte, now time.Time) error {
	members, admins, wireID, leaves, ctx := commitProjection(st, body)

	selfRemoved := false
	for _, r := range body.Removes {
		if domain.PubKey(r) == acct.PubKey {
			selfRemoved = true
			break
		}
	}

	var newSecret []byte
	if !selfRemoved {
		var err error
		newSecret, err = nextEpochSecret(commitSecret, ctx)
		if err != nil {
			return err
		}
		want, err := confirmTag(newSecret, ctx)
		if err != nil {
			crypto.Wipe(newSecret)
			return err
		}
		if !confirmMatches(want, body.Confirm) {
			crypto.Wipe(newSecret)
			return fmt.Errorf("confirm tag mismatch")
		}
	}

	st.Group.Members = members
	st.Group.Admins = admins
	st.Group.Epoch = domain.Epoch(body.NewEpoch)
	st.Group.UpdatedAt = now

	if selfRemoved {
		// The tombstone keeps the wire id we were removed under; the
		// group's rotated id is none of our business anymore.
		st.Group.Status = domain.GroupStatusClosed
		st.wipe()
		return nil
	}

	if wireID != st.Group.WireID {
		st.WireHistory = append(st.WireHistory, string(st.Group.WireID))
		st.Group.WireID = wireID
	}
	st.Leaves = leaves
	st.Secrets[body.NewEpoch] = newSecret
	st.pruneSecrets(e.retain)
	return nil
}

// HandleCommit applies one received commit envelope. Only a commit for
// exactly the next epoch applies; a stale commit reports ErrEpochConflict
// and a commit from a future epoch is buffered and reports ErrUnknownEpoch
// so the caller can resync the gap.
func (e *Engine) HandleCommit(ctx context.Context, acct *domain.Account, ev *nostr.Event) (*domain.Group, error) {
	const op = "mls.HandleCommit"

	env, err := e.codec.ParseGroupEvent(ev)
	if err != nil {
		return nil, err
	}
	found, err := e.findByWire(op, acct, env.WireID)
	if err != nil {
		return nil, err
	}
	id := found.Group.ID

	lk := e.lock(acct.PubKey, id)
	lk.Lock()
	defer lk.Unlock()

	// Reload under the lock; another operation may have advanced the epoch
	// since the lookup.
	st, err := e.loadState(op, acct, id)
	if err != nil {
		return nil, err
	}
	if err := e.applyCommit(acct, st, env); err != nil {
		if errors.Is(err, domain.ErrUnknownEpoch) {
			e.bufferEvent(id, ev)
		}
		return nil, err
	}
	if err := e.saveState(op, acct, st); err != nil {
		return nil, err
	}

	e.drainBuffered(acct, st)
	return st.Group, nil
}

// applyCommit validates and applies one commit envelope against st. It does
// not persist; the caller saves on success.
func (e *Engine) applyCommit(acct *domain.Account, st *groupState, env *wire.Envelope) error {
	const op = "mls.HandleCommit"

	if st.Group.Status == domain.GroupStatusClosed {
		return domain.E(domain.KindState, op, st.Group.ID.Short(), domain.ErrGroupClosed)
	}
	current := uint64(st.Group.Epoch)
	switch {
	case uint64(env.Epoch) < current:
		return domain.E(domain.KindProtocol, op, env.EventID, domain.ErrEpochConflict)
	case uint64(env.Epoch) > current:
		return domain.E(domain.KindState, op, env.EventID, domain.ErrUnknownEpoch)
	}

	inner, err := e.openInner(op, st, env)
	if err != nil {
		return err
	}
	if inner.Kind != wire.KindCommit {
		return domain.E(domain.KindProtocol, op, env.EventID,
			fmt.Errorf("%w: inner kind %d", domain.ErrMalformedEvent, inner.Kind))
	}
	return e.applyParsedCommit(acct, st, env, inner)
}

// applyParsedCommit applies a commit whose envelope has already been opened
// and kind-checked. The envelope must be at the current epoch.
func (e *Engine) applyParsedCommit(acct *domain.Account, st *groupState, env *wire.Envelope, inner *nostr.Event) error {
	const op = "mls.HandleCommit"

	current := uint64(st.Group.Epoch)
	body, err := e.codec.ParseCommit(inner)
	if err != nil {
		return err
	}
	if body.NewEpoch != current+1 {
		return domain.E(domain.KindProtocol, op, env.EventID,
			fmt.Errorf("%w: commit targets epoch %d from epoch %d", domain.ErrMalformedEvent, body.NewEpoch, current))
	}

	committer := domain.PubKey(inner.PubKey)
	if !st.Group.IsMember(committer) {
		return domain.E(domain.KindProtocol, op, env.EventID, fmt.Errorf("committer is not a member"))
	}
	selfLeaveOnly := len(body.Adds) == 0 && len(body.Removes) == 1 && body.Removes[0] == string(committer)
	if !st.Group.IsAdmin(committer) && !selfLeaveOnly {
		return domain.E(domain.KindProtocol, op, env.EventID, fmt.Errorf("committer is not an admin"))
	}

	now := time.Now().UTC()
	removesUs := false
	for _, r := range body.Removes {
		if domain.PubKey(r) == acct.PubKey {
			removesUs = true
			break
		}
	}
	if removesUs {
		if err := e.advance(acct, st, body, nil, now); err != nil {
			return domain.E(domain.KindCrypto, op, env.EventID, err)
		}
		e.log.Noticef("removed from %s at epoch %d", st.Group.ID.Short(), body.NewEpoch)
		return nil
	}

	sealedTo, ok := body.Sealed[string(acct.PubKey)]
	if !ok {
		return domain.E(domain.KindProtocol, op, env.EventID,
			fmt.Errorf("%w: no sealed secret for us", domain.ErrMalformedEvent))
	}
	if len(st.MyLeaf) != 32 {
		return domain.E(domain.KindState, op, st.Group.ID.Short(), fmt.Errorf("leaf key missing"))
	}
	_, _, _, _, ctxHash := commitProjection(st, body)

	var leafPriv domain.X25519Private
	copy(leafPriv[:], st.MyLeaf)
	commitSecret, err := crypto.OpenSealed(leafPriv, sealedTo, ctxHash[:])
	crypto.Wipe(leafPriv[:])
	if err != nil {
		return domain.E(domain.KindCrypto, op, env.EventID, err)
	}
	defer crypto.Wipe(commitSecret)

	if err := e.advance(acct, st, body, commitSecret, now); err != nil {
		return domain.E(domain.KindProtocol, op, env.EventID,
			fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err))
	}
	if env.CreatedAt.Unix() > st.LastEventAt {
		st.LastEventAt = env.CreatedAt.Unix()
	}
	e.log.Infof("advanced %s to epoch %d: %d adds, %d removes",
		st.Group.ID.Short(), body.NewEpoch, len(body.Adds), len(body.Removes))
	return nil
}

// bufferEvent parks a commit that arrived ahead of our epoch. The buffer is
// bounded; the oldest entry falls out first.
func (e *Engine) bufferEvent(id domain.GroupID, ev *nostr.Event) {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	q := e.buffered[string(id)]
	for _, b := range q {
		if b.ID == ev.ID {
			return
		}
	}
	if len(q) >= maxBufferedEvents {
		q = q[1:]
	}
	e.buffered[string(id)] = append(q, ev)
}

func (e *Engine) takeBuffered(id domain.GroupID) []*nostr.Event {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	q := e.buffered[string(id)]
	delete(e.buffered, string(id))
	return q
}

// drainBuffered retries parked commits after the epoch moved. Commits still
// ahead of us go back to the buffer; anything else unplayable is dropped.
// The caller holds the group lock.
func (e *Engine) drainBuffered(acct *domain.Account, st *groupState) {
	const op = "mls.HandleCommit"

	for {
		q := e.takeBuffered(st.Group.ID)
		if len(q) == 0 {
			return
		}
		applied := false
		for _, ev := range q {
			env, err := e.codec.ParseGroupEvent(ev)
			if err != nil {
				continue
			}
			if err := e.applyCommit(acct, st, env); err != nil {
				if errors.Is(err, domain.ErrUnknownEpoch) {
					e.bufferEvent(st.Group.ID, ev)
				}
				continue
			}
			if err := e.saveState(op, acct, st); err != nil {
				e.log.Warningf("saving drained commit on %s: %v", st.Group.ID.Short(), err)
				return
			}
			applied = true
		}
		if !applied {
			return
		}
	}
}
