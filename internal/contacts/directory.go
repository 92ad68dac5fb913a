package contacts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"gopkg.in/op/go-logging.v1"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
	logbackend "github.com/aljazceru/whitenoise-cli/internal/logging"
	"github.com/aljazceru/whitenoise-cli/internal/wire"
)

// Directory manages one account's contacts on top of the contact store.
type Directory struct {
	log    *logging.Logger
	store  domain.ContactStore
	relays domain.RelayService
	codec  *wire.Codec
}

// New returns a contact directory backed by the given store and relays.
func New(backend *logbackend.Backend, store domain.ContactStore, relays domain.RelayService) *Directory {
	return &Directory{
		log:    backend.GetLogger("contacts"),
		store:  store,
		relays: relays,
		codec:  wire.MustNew(),
	}
}

// ParseKey accepts a public key as 64 hex characters or npub bech32.
func ParseKey(key string) (domain.PubKey, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "npub") {
		prefix, value, err := nip19.Decode(key)
		if err != nil {
			return "", err
		}
		if prefix != "npub" {
			return "", fmt.Errorf("expected npub, got %s", prefix)
		}
		pk, ok := value.(string)
		if !ok {
			return "", errors.New("malformed npub payload")
		}
		return domain.PubKey(pk), nil
	}
	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) != 32 {
		return "", errors.New("public key must be 64 hex characters or npub")
	}
	return domain.PubKey(hex.EncodeToString(raw)), nil
}

// Add stores a contact under petname, pulling its current profile from the
// relays when one is published. The profile fetch is best-effort.
func (d *Directory) Add(ctx context.Context, owner domain.PubKey, petname, key string) (*domain.Contact, error) {
	const op = "contacts.Add"

	pk, err := ParseKey(key)
	if err != nil {
		return nil, domain.E(domain.KindValidation, op, key, err)
	}
	now := time.Now().UTC()
	c := &domain.Contact{
		PubKey:    pk,
		Petname:   strings.TrimSpace(petname),
		AddedAt:   now,
		UpdatedAt: now,
	}
	if existing, err := d.store.GetContact(owner, pk); err == nil {
		c.AddedAt = existing.AddedAt
		c.Profile = existing.Profile
	}

	if p, ok := d.fetchProfile(ctx, pk); ok {
		c.Profile = p
	}
	if err := d.store.PutContact(owner, c); err != nil {
		return nil, err
	}
	d.log.Infof("added contact %s", c.DisplayName())
	return c, nil
}

// Remove deletes the contact for key from owner's directory.
func (d *Directory) Remove(owner domain.PubKey, key string) error {
	const op = "contacts.Remove"

	pk, err := ParseKey(key)
	if err != nil {
		return domain.E(domain.KindValidation, op, key, err)
	}
	return d.store.DeleteContact(owner, pk)
}

// Get returns the stored contact for key.
func (d *Directory) Get(owner domain.PubKey, key string) (*domain.Contact, error) {
	const op = "contacts.Get"

	pk, err := ParseKey(key)
	if err != nil {
		return nil, domain.E(domain.KindValidation, op, key, err)
	}
	return d.store.GetContact(owner, pk)
}

// List returns owner's contacts sorted by display name.
func (d *Directory) List(owner domain.PubKey) ([]*domain.Contact, error) {
	return d.store.ListContacts(owner)
}

// Resolve turns a petname, npub or hex key into a public key. Bare keys
// resolve without a directory entry; anything else must match a stored
// petname exactly.
func (d *Directory) Resolve(owner domain.PubKey, nameOrKey string) (domain.PubKey, error) {
	const op = "contacts.Resolve"

	if pk, err := ParseKey(nameOrKey); err == nil {
		return pk, nil
	}
	list, err := d.store.ListContacts(owner)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(nameOrKey)
	for _, c := range list {
		if c.Petname == name {
			return c.PubKey, nil
		}
	}
	return "", domain.E(domain.KindState, op, name, domain.ErrContactNotFound)
}

// Refresh re-fetches published profiles for every stored contact in one
// query and folds updates back into the directory. It reports how many
// contacts changed.
func (d *Directory) Refresh(ctx context.Context, owner domain.PubKey) (int, error) {
	list, err := d.store.ListContacts(owner)
	if err != nil {
		return 0, err
	}
	if len(list) == 0 {
		return 0, nil
	}

	authors := make([]string, 0, len(list))
	byPK := make(map[string]*domain.Contact, len(list))
	for _, c := range list {
		authors = append(authors, string(c.PubKey))
		byPK[string(c.PubKey)] = c
	}

	evs, err := d.relays.Fetch(ctx, nostr.Filters{{
		Kinds:   []int{nostr.KindProfileMetadata},
		Authors: authors,
	}}, domain.RoleGeneral)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, ev := range evs {
		c := byPK[ev.PubKey]
		if c == nil {
			continue
		}
		p, err := d.codec.ParseProfile(ev)
		if err != nil {
			d.log.Debugf("profile for %s unusable: %v", c.PubKey.Short(), err)
			continue
		}
		if p == c.Profile {
			continue
		}
		c.Profile = p
		c.UpdatedAt = time.Now().UTC()
		if err := d.store.PutContact(owner, c); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// fetchProfile pulls the newest kind 0 for pk from the general relays.
func (d *Directory) fetchProfile(ctx context.Context, pk domain.PubKey) (domain.Profile, bool) {
	evs, err := d.relays.Fetch(ctx, nostr.Filters{{
		Kinds:   []int{nostr.KindProfileMetadata},
		Authors: []string{string(pk)},
		Limit:   1,
	}}, domain.RoleGeneral)
	if err != nil || len(evs) == 0 {
		if err != nil {
			d.log.Debugf("profile fetch for %s failed: %v", pk.Short(), err)
		}
		return domain.Profile{}, false
	}
	p, err := d.codec.ParseProfile(evs[len(evs)-1])
	if err != nil {
		return domain.Profile{}, false
	}
	return p, true
}
