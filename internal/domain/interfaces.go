package domain

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Signer signs relay events on behalf of one identity without exposing the
// private key to the caller.
type Signer interface {
	PubKey() PubKey
	Sign(ev *nostr.Event) error
}

type accountSigner struct{ acct *Account }

// NewAccountSigner wraps an unlocked account as a Signer.
func NewAccountSigner(a *Account) Signer { return accountSigner{acct: a} }

func (s accountSigner) PubKey() PubKey             { return s.acct.PubKey }
func (s accountSigner) Sign(ev *nostr.Event) error { return ev.Sign(s.acct.PrivKey) }

// RelayService is the transport boundary: it publishes and queries events
// against the subset of configured relays matching the requested roles.
// Implementations own connection pooling, retries and deduplication.
type RelayService interface {
	// Publish sends one signed event to every relay serving roles, waits
	// for each to accept or fail, and succeeds when at least one
	// acknowledged. The receipt reports per-relay outcomes.
	Publish(ctx context.Context, ev *nostr.Event, roles RelayRole) (*PublishReceipt, error)
	// PublishTo is Publish addressed at explicit relay URLs, for deliveries
	// that must land where a peer listens rather than where we are
	// configured to write.
	PublishTo(ctx context.Context, ev *nostr.Event, urls []string) (*PublishReceipt, error)
	// Fetch runs the filters against every relay serving roles, merges the
	// results and dedupes them by event id.
	Fetch(ctx context.Context, filters nostr.Filters, roles RelayRole) ([]*nostr.Event, error)
	// Stream opens a live subscription across every relay serving roles.
	// The channel closes when ctx is done.
	Stream(ctx context.Context, filters nostr.Filters, roles RelayRole) (<-chan *nostr.Event, error)
	// Records lists the configured relays and their roles.
	Records() []RelayRecord
}

// KeyPackageSource resolves published joining credentials. The group engine
// depends on this instead of the full key-package service.
type KeyPackageSource interface {
	// Fetch returns the newest fresh, unconsumed key package owner has
	// published, or ErrKeyPackageNotFound.
	Fetch(ctx context.Context, owner PubKey) (*KeyPackage, error)
	// MarkConsumed records the package event id spent and reports whether
	// this call was the first to consume it.
	MarkConsumed(eventID string) (bool, error)
	// InitKey recovers the private init key for a package acct published
	// from this device, or ErrStaleKeyPackage when it is no longer held.
	InitKey(acct *Account, eventID string) (X25519Private, error)
}

// AccountStore persists accounts at rest. Implementations encrypt the
// private key material under the account passphrase.
type AccountStore interface {
	Save(a *Account, passphrase string) error
	Load(pk PubKey, passphrase string) (*Account, error)
	List() ([]PubKey, error)
	Delete(pk PubKey) error
	// SetCurrent records which account is active across invocations.
	SetCurrent(pk PubKey) error
	// Current returns the active account pubkey, or ErrNoAccount.
	Current() (PubKey, error)
	ClearCurrent() error
}

// ContactStore persists the per-account contact directory. Method names
// carry the entity so one store type can satisfy every interface here.
type ContactStore interface {
	PutContact(owner PubKey, c *Contact) error
	GetContact(owner, pk PubKey) (*Contact, error)
	ListContacts(owner PubKey) ([]*Contact, error)
	DeleteContact(owner, pk PubKey) error
}

// GroupStore persists sealed group state blobs. The engine serializes and
// seals state before handing it over; the store never sees key schedules in
// the clear.
type GroupStore interface {
	PutGroup(owner PubKey, id GroupID, sealed []byte) error
	GetGroup(owner PubKey, id GroupID) ([]byte, error)
	ListGroups(owner PubKey) (map[GroupID][]byte, error)
	DeleteGroupState(owner PubKey, id GroupID) error
}

// MessageStore persists decrypted message history per account and group.
type MessageStore interface {
	// AppendMessage stores m unless a message with the same id exists. It
	// reports whether the message was newly inserted.
	AppendMessage(owner PubKey, m *Message) (bool, error)
	// ListMessages returns messages for the group created at or after since
	// in ascending creation order. A positive limit keeps only the newest
	// limit messages; 0 means no limit.
	ListMessages(owner PubKey, id GroupID, since time.Time, limit int) ([]*Message, error)
	DeleteGroupMessages(owner PubKey, id GroupID) error
}

// ConsumedStore remembers which key-package event ids were spent, across
// restarts, so a republished or refetched package is never reused.
type ConsumedStore interface {
	// MarkConsumed records id and reports whether this was the first time.
	MarkConsumed(id string) (bool, error)
	IsConsumed(id string) (bool, error)
}

// InitKeyStore persists sealed init private keys for key packages this
// device published, keyed by package event id. Values are sealed by the
// key-package service before they arrive here.
type InitKeyStore interface {
	PutInitKey(owner PubKey, eventID string, sealed []byte) error
	// GetInitKey returns the sealed record, or ErrStaleKeyPackage.
	GetInitKey(owner PubKey, eventID string) ([]byte, error)
	DeleteInitKey(owner PubKey, eventID string) error
	ListInitKeys(owner PubKey) (map[string][]byte, error)
}
