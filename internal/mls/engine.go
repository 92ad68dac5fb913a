package mls

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"gopkg.in/op/go-logging.v1"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
	logbackend "github.com/aljazceru/whitenoise-cli/internal/logging"
	"github.com/aljazceru/whitenoise-cli/internal/wire"
)

const (
	// defaultRetainEpochs bounds how many past epoch secrets a group keeps.
	// Messages older than the window cannot be decrypted anymore.
	defaultRetainEpochs = 5

	// maxBufferedEvents caps per-group commits parked while their epoch is
	// still ahead of ours.
	maxBufferedEvents = 64
)

// Engine drives group conversations for local accounts: creating groups,
// changing membership through commits, sealing and opening messages, and
// replaying relay traffic into local state.
type Engine struct {
	log      *logging.Logger
	groups   domain.GroupStore
	messages domain.MessageStore
	relays   domain.RelayService
	kps      domain.KeyPackageSource
	codec    *wire.Codec
	retain   int

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	bufMu    sync.Mutex
	buffered map[string][]*nostr.Event
}

// New returns a group engine. retainEpochs bounds the window of past epoch
// secrets each group keeps; zero means the default.
func New(backend *logbackend.Backend, groups domain.GroupStore, messages domain.MessageStore, relays domain.RelayService, kps domain.KeyPackageSource, retainEpochs int) *Engine {
	if retainEpochs <= 0 {
		retainEpochs = defaultRetainEpochs
	}
	return &Engine{
		log:      backend.GetLogger("mls"),
		groups:   groups,
		messages: messages,
		relays:   relays,
		kps:      kps,
		codec:    wire.MustNew(),
		retain:   retainEpochs,
		locks:    make(map[string]*sync.Mutex),
		buffered: make(map[string][]*nostr.Event),
	}
}

// lock returns the mutex serializing state changes for one (account, group)
// pair. Distinct groups advance independently.
func (e *Engine) lock(owner domain.PubKey, id domain.GroupID) *sync.Mutex {
	key := string(owner) + "|" + string(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.locks[key]
	if !ok {
		m = new(sync.Mutex)
		e.locks[key] = m
	}
	return m
}

// loadState loads and unseals one group's state. Missing groups report
// ErrGroupNotFound under KindState.
func (e *Engine) loadState(op string, acct *domain.Account, id domain.GroupID) (*groupState, error) {
	sealed, err := e.groups.GetGroup(acct.PubKey, id)
	if err != nil {
		return nil, domain.E(domain.KindState, op, id.Short(), err)
	}
	st, err := openState(acct, id, sealed)
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, id.Short(), err)
	}
	return st, nil
}

// saveState seals and persists one group's state.
func (e *Engine) saveState(op string, acct *domain.Account, st *groupState) error {
	sealed, err := sealState(acct, st)
	if err != nil {
		return domain.E(domain.KindCrypto, op, st.Group.ID.Short(), err)
	}
	if err := e.groups.PutGroup(acct.PubKey, st.Group.ID, sealed); err != nil {
		return domain.E(domain.KindState, op, st.Group.ID.Short(), err)
	}
	return nil
}

// listStates loads every group state for acct. Blobs that fail to unseal
// are skipped with a warning rather than failing the whole listing.
func (e *Engine) listStates(op string, acct *domain.Account) ([]*groupState, error) {
	blobs, err := e.groups.ListGroups(acct.PubKey)
	if err != nil {
		return nil, domain.E(domain.KindState, op, acct.PubKey.Short(), err)
	}
	out := make([]*groupState, 0, len(blobs))
	for id, sealed := range blobs {
		st, err := openState(acct, id, sealed)
		if err != nil {
			e.log.Warningf("skipping unreadable group state %s: %v", id.Short(), err)
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// openInner unseals a group envelope against st's retained secrets and
// returns the verified inner event. The envelope's epoch picks the secret;
// an epoch outside the window reports ErrUnknownEpoch. The wrapper key the
// envelope was signed with must match the one derived for that epoch.
func (e *Engine) openInner(op string, st *groupState, env *wire.Envelope) (*nostr.Event, error) {
	secret, ok := st.Secrets[uint64(env.Epoch)]
	if !ok {
		return nil, domain.E(domain.KindState, op, env.EventID, domain.ErrUnknownEpoch)
	}
	sched, err := deriveSchedule(secret)
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, env.EventID, err)
	}
	if env.Wrapper.String() != sched.wrapperPk {
		return nil, domain.E(domain.KindProtocol, op, env.EventID,
			fmt.Errorf("%w: wrapper key mismatch", domain.ErrMalformedEvent))
	}
	return e.codec.OpenEnvelope(env, sched.encryption)
}

// findByWire locates the group whose current or historical wire id matches.
func (e *Engine) findByWire(op string, acct *domain.Account, wid domain.WireID) (*groupState, error) {
	states, err := e.listStates(op, acct)
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		if st.Group.WireID == wid {
			return st, nil
		}
		for _, old := range st.WireHistory {
			if domain.WireID(old) == wid {
				return st, nil
			}
		}
	}
	return nil, domain.E(domain.KindState, op, wid.Short(), domain.ErrGroupNotFound)
}

// Get returns the group summary for id.
func (e *Engine) Get(acct *domain.Account, id domain.GroupID) (*domain.Group, error) {
	st, err := e.loadState("mls.Get", acct, id)
	if err != nil {
		return nil, err
	}
	return st.Group, nil
}

// List returns every group acct belongs to, most recently active first.
func (e *Engine) List(acct *domain.Account) ([]*domain.Group, error) {
	states, err := e.listStates("mls.List", acct)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Group, 0, len(states))
	for _, st := range states {
		out = append(out, st.Group)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		if a.IsZero() {
			a = out[i].CreatedAt
		}
		if b.IsZero() {
			b = out[j].CreatedAt
		}
		if !a.Equal(b) {
			return a.After(b)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// History returns stored messages for the group in ascending creation
// order. A positive limit keeps only the newest limit messages.
func (e *Engine) History(acct *domain.Account, id domain.GroupID, since time.Time, limit int) ([]*domain.Message, error) {
	const op = "mls.History"

	if _, err := e.loadState(op, acct, id); err != nil {
		return nil, err
	}
	msgs, err := e.messages.ListMessages(acct.PubKey, id, since, limit)
	if err != nil {
		return nil, domain.E(domain.KindState, op, id.Short(), err)
	}
	return msgs, nil
}
