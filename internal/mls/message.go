package mls

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
	"github.com/aljazceru/whitenoise-cli/internal/wire"
)

// Encrypt seals plaintext into a publishable group envelope for the current
// epoch. The event is not published and nothing is stored; Send is the
// usual caller.
func (e *Engine) Encrypt(acct *domain.Account, id domain.GroupID, plaintext string) (*nostr.Event, error) {
	const op = "mls.Encrypt"

	lk := e.lock(acct.PubKey, id)
	lk.Lock()
	defer lk.Unlock()

	st, err := e.loadState(op, acct, id)
	if err != nil {
		return nil, err
	}
	return e.chatEnvelope(op, acct, st, plaintext, time.Now().UTC())
}

// chatEnvelope builds the sealed kind-445 event carrying one chat message.
// The caller holds the group lock.
func (e *Engine) chatEnvelope(op string, acct *domain.Account, st *groupState, plaintext string, now time.Time) (*nostr.Event, error) {
	if st.Group.Status == domain.GroupStatusClosed {
		return nil, domain.E(domain.KindState, op, st.Group.ID.Short(), domain.ErrGroupClosed)
	}
	secret, ok := st.Secrets[uint64(st.Group.Epoch)]
	if !ok {
		return nil, domain.E(domain.KindState, op, st.Group.ID.Short(), domain.ErrUnknownEpoch)
	}
	sched, err := deriveSchedule(secret)
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, st.Group.ID.Short(), err)
	}
	rumor, err := e.codec.ChatRumor(domain.NewAccountSigner(acct), plaintext, now)
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, st.Group.ID.Short(), err)
	}
	env, err := e.codec.GroupEvent(sched.wrapperSk, st.Group.WireID, st.Group.Epoch, sched.encryption, rumor, now)
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, st.Group.ID.Short(), err)
	}
	return env, nil
}

// Send seals plaintext, publishes it to the group's relays and records the
// message locally. The message is only stored once at least one relay
// accepted it.
func (e *Engine) Send(ctx context.Context, acct *domain.Account, id domain.GroupID, plaintext string) (*domain.Message, error) {
	const op = "mls.Send"

	lk := e.lock(acct.PubKey, id)
	lk.Lock()
	defer lk.Unlock()

	st, err := e.loadState(op, acct, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	env, err := e.chatEnvelope(op, acct, st, plaintext, now)
	if err != nil {
		return nil, err
	}
	if _, err := e.relays.Publish(ctx, env, domain.RoleGeneral); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ID:        env.ID,
		GroupID:   st.Group.ID,
		Sender:    acct.PubKey,
		Epoch:     st.Group.Epoch,
		Content:   plaintext,
		CreatedAt: now,
		Mine:      true,
	}
	if _, err := e.messages.AppendMessage(acct.PubKey, msg); err != nil {
		return nil, domain.E(domain.KindState, op, st.Group.ID.Short(), err)
	}
	st.Group.LastMessageAt = now
	if now.Unix() > st.LastEventAt {
		st.LastEventAt = now.Unix()
	}
	if err := e.saveState(op, acct, st); err != nil {
		return nil, err
	}
	return msg, nil
}

// Decrypt opens one received group envelope and stores the message. The
// envelope's epoch picks the secret; epochs we never reached or that fell
// out of the retention window report ErrUnknownEpoch. Duplicate deliveries
// dedupe on the carrying event id.
func (e *Engine) Decrypt(acct *domain.Account, ev *nostr.Event) (*domain.Message, error) {
	const op = "mls.Decrypt"

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

	st, err := e.loadState(op, acct, id)
	if err != nil {
		return nil, err
	}
	msg, _, err := e.openChat(op, acct, st, env)
	if err != nil {
		return nil, err
	}
	if err := e.saveState(op, acct, st); err != nil {
		return nil, err
	}
	return msg, nil
}

// openChat decrypts a chat envelope against st and appends the message.
// It reports whether the message was newly stored. The caller holds the
// group lock and persists st.
func (e *Engine) openChat(op string, acct *domain.Account, st *groupState, env *wire.Envelope) (*domain.Message, bool, error) {
	inner, err := e.openInner(op, st, env)
	if err != nil {
		return nil, false, err
	}
	return e.storeChat(op, acct, st, env, inner)
}

// storeChat records one decrypted chat message and moves the group's
// cursors forward.
func (e *Engine) storeChat(op string, acct *domain.Account, st *groupState, env *wire.Envelope, inner *nostr.Event) (*domain.Message, bool, error) {
	if inner.Kind != wire.KindChat {
		return nil, false, domain.E(domain.KindValidation, op, env.EventID,
			fmt.Errorf("inner kind %d is not a chat message", inner.Kind))
	}

	msg := &domain.Message{
		ID:        env.EventID,
		GroupID:   st.Group.ID,
		Sender:    domain.PubKey(inner.PubKey),
		Epoch:     env.Epoch,
		Content:   inner.Content,
		CreatedAt: inner.CreatedAt.Time(),
		Mine:      domain.PubKey(inner.PubKey) == acct.PubKey,
	}
	inserted, err := e.messages.AppendMessage(acct.PubKey, msg)
	if err != nil {
		return nil, false, domain.E(domain.KindState, op, st.Group.ID.Short(), err)
	}
	if msg.CreatedAt.After(st.Group.LastMessageAt) {
		st.Group.LastMessageAt = msg.CreatedAt
	}
	if env.CreatedAt.Unix() > st.LastEventAt {
		st.LastEventAt = env.CreatedAt.Unix()
	}
	return msg, inserted, nil
}
