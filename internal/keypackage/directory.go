package keypackage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"gopkg.in/op/go-logging.v1"

	"github.com/aljazceru/whitenoise-cli/internal/crypto"
	"github.com/aljazceru/whitenoise-cli/internal/domain"
	logbackend "github.com/aljazceru/whitenoise-cli/internal/logging"
	"github.com/aljazceru/whitenoise-cli/internal/wire"
)

const (
	defaultRotateDays = 30

	// storageContext labels the storage-key derivation for sealed init
	// keys, separating them from other at-rest state.
	storageContext = "keypackage"
)

// Store is the persistence the directory needs: sealed init keys for
// packages this device published, and the spent-id set.
type Store interface {
	domain.InitKeyStore
	domain.ConsumedStore
}

// Directory publishes key packages for the local account and resolves
// packages peers have published.
type Directory struct {
	log    *logging.Logger
	store  Store
	relays domain.RelayService
	codec  *wire.Codec
	ttl    time.Duration
}

var _ domain.KeyPackageSource = (*Directory)(nil)

// New returns a key-package directory. rotateDays is the advertised
// lifetime of published packages; zero means the default.
func New(backend *logbackend.Backend, store Store, relays domain.RelayService, rotateDays int) *Directory {
	if rotateDays <= 0 {
		rotateDays = defaultRotateDays
	}
	return &Directory{
		log:    backend.GetLogger("keypackage"),
		store:  store,
		relays: relays,
		codec:  wire.MustNew(),
		ttl:    time.Duration(rotateDays) * 24 * time.Hour,
	}
}

// initKeyRecord is the plaintext form of a sealed init-key record.
type initKeyRecord struct {
	Priv   []byte    `json:"priv"`
	Expiry time.Time `json:"expiry,omitempty"`
}

// Publish builds, signs and publishes a fresh key package for acct. The
// private init key is sealed under the account's storage key and retained
// so a later welcome can be opened. Previously published packages stay
// valid until consumed or expired.
func (d *Directory) Publish(ctx context.Context, acct *domain.Account) (*domain.KeyPackage, error) {
	const op = "keypackage.Publish"

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, "", err)
	}
	defer crypto.Wipe(priv[:])

	now := time.Now().UTC()
	expiry := now.Add(d.ttl)

	ev, err := d.codec.KeyPackageEvent(domain.NewAccountSigner(acct), pub, d.roleURLs(domain.RoleInbox), expiry, now)
	if err != nil {
		return nil, err
	}
	if err := d.retainInitKey(acct, ev.ID, priv, expiry); err != nil {
		return nil, err
	}
	if _, err := d.relays.Publish(ctx, ev, domain.RoleKeyPackage); err != nil {
		// Nobody saw the package, so the sealed record has no future.
		_ = d.store.DeleteInitKey(acct.PubKey, ev.ID)
		return nil, err
	}

	kp, err := d.codec.ParseKeyPackage(ev)
	if err != nil {
		return nil, err
	}
	d.log.Infof("published key package %s for %s, expires %s", ev.ID, acct.PubKey.Short(), expiry.Format(time.RFC3339))
	return kp, nil
}

// Fetch returns the newest fresh key package owner has published, or
// ErrKeyPackageNotFound. Expired, consumed and malformed packages are
// skipped.
func (d *Directory) Fetch(ctx context.Context, owner domain.PubKey) (*domain.KeyPackage, error) {
	const op = "keypackage.Fetch"

	filters := nostr.Filters{{
		Kinds:   []int{wire.KindKeyPackage},
		Authors: []string{owner.String()},
	}}
	evs, err := d.relays.Fetch(ctx, filters, domain.RoleKeyPackage)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	// Results arrive oldest first; prefer the newest usable package.
	for i := len(evs) - 1; i >= 0; i-- {
		kp, err := d.codec.ParseKeyPackage(evs[i])
		if err != nil {
			d.log.Debugf("skipping key package %s: %v", evs[i].ID, err)
			continue
		}
		if kp.Expired(now) {
			continue
		}
		spent, err := d.store.IsConsumed(kp.EventID)
		if err != nil {
			return nil, domain.E(domain.KindState, op, kp.EventID, err)
		}
		if spent {
			continue
		}
		return kp, nil
	}
	return nil, domain.E(domain.KindState, op, owner.Short(), domain.ErrKeyPackageNotFound)
}

// MarkConsumed records the package event id spent and reports whether this
// call was the first. Only the first consumer may act on the package.
func (d *Directory) MarkConsumed(eventID string) (bool, error) {
	return d.store.MarkConsumed(eventID)
}

// InitKey recovers the private init key for a package acct published from
// this device. Returns ErrStaleKeyPackage when the key is no longer held or
// the package has expired.
func (d *Directory) InitKey(acct *domain.Account, eventID string) (domain.X25519Private, error) {
	const op = "keypackage.InitKey"
	var zero domain.X25519Private

	sealed, err := d.store.GetInitKey(acct.PubKey, eventID)
	if err != nil {
		return zero, domain.E(domain.KindState, op, eventID, err)
	}
	rec, err := d.openRecord(acct, eventID, sealed)
	if err != nil {
		return zero, domain.E(domain.KindCrypto, op, eventID, err)
	}
	defer crypto.Wipe(rec.Priv)

	if len(rec.Priv) != 32 {
		return zero, domain.E(domain.KindState, op, eventID, domain.ErrStaleKeyPackage)
	}
	if !rec.Expiry.IsZero() && time.Now().UTC().After(rec.Expiry) {
		return zero, domain.E(domain.KindState, op, eventID, domain.ErrStaleKeyPackage)
	}

	var priv domain.X25519Private
	copy(priv[:], rec.Priv)
	return priv, nil
}

// Rotate publishes a fresh package and prunes sealed init keys whose
// packages are expired or already consumed.
func (d *Directory) Rotate(ctx context.Context, acct *domain.Account) (*domain.KeyPackage, error) {
	kp, err := d.Publish(ctx, acct)
	if err != nil {
		return nil, err
	}
	d.prune(acct)
	return kp, nil
}

// prune discards acct's sealed init keys that can never open a welcome
// again. Errors are logged, not returned; pruning is housekeeping.
func (d *Directory) prune(acct *domain.Account) {
	recs, err := d.store.ListInitKeys(acct.PubKey)
	if err != nil {
		d.log.Warningf("prune: list init keys: %v", err)
		return
	}

	now := time.Now().UTC()
	dropped := 0
	for id, sealed := range recs {
		drop := false
		if spent, err := d.store.IsConsumed(id); err == nil && spent {
			drop = true
		}
		if !drop {
			rec, err := d.openRecord(acct, id, sealed)
			if err != nil {
				drop = true
			} else {
				drop = !rec.Expiry.IsZero() && now.After(rec.Expiry)
				crypto.Wipe(rec.Priv)
			}
		}
		if !drop {
			continue
		}
		if err := d.store.DeleteInitKey(acct.PubKey, id); err != nil {
			d.log.Warningf("prune: delete init key %s: %v", id, err)
			continue
		}
		dropped++
	}
	if dropped > 0 {
		d.log.Infof("pruned %d spent init keys for %s", dropped, acct.PubKey.Short())
	}
}

func (d *Directory) retainInitKey(acct *domain.Account, eventID string, priv domain.X25519Private, expiry time.Time) error {
	const op = "keypackage.Publish"

	key, err := crypto.StorageKey(acct.PrivKey, storageContext)
	if err != nil {
		return domain.E(domain.KindCrypto, op, eventID, err)
	}
	defer crypto.Wipe(key[:])

	raw, err := json.Marshal(initKeyRecord{Priv: priv.Slice(), Expiry: expiry})
	if err != nil {
		return domain.E(domain.KindState, op, eventID, err)
	}
	defer crypto.Wipe(raw)

	sealed, err := crypto.Seal(key, raw, []byte(eventID))
	if err != nil {
		return domain.E(domain.KindCrypto, op, eventID, err)
	}
	if err := d.store.PutInitKey(acct.PubKey, eventID, sealed); err != nil {
		return domain.E(domain.KindState, op, eventID, err)
	}
	return nil
}

// openRecord unseals one init-key record. The record is bound to its
// package event id through the seal's associated data.
func (d *Directory) openRecord(acct *domain.Account, eventID string, sealed []byte) (*initKeyRecord, error) {
	key, err := crypto.StorageKey(acct.PrivKey, storageContext)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key[:])

	raw, err := crypto.Open(key, sealed, []byte(eventID))
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(raw)

	rec := new(initKeyRecord)
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *Directory) roleURLs(role domain.RelayRole) []string {
	var out []string
	for _, r := range d.relays.Records() {
		if r.Roles.Has(role) {
			out = append(out, r.URL)
		}
	}
	return out
}
