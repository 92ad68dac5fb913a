package domain

import "time"

// Profile is the public metadata an account or contact publishes about
// itself. All fields are optional free text.
type Profile struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Banner      string `json:"banner,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
	LUD16       string `json:"lud16,omitempty"`
	Website     string `json:"website,omitempty"`
}

// BestName returns the most specific human-readable name the profile offers,
// or the empty string when it offers none.
func (p Profile) BestName() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

// Account is a locally held identity: the signing key pair plus the profile
// published under it. PrivKey is lowercase hex and is only ever persisted
// inside the encrypted account store. Exportable gates whether the private
// key may leave the store through an export operation.
type Account struct {
	PubKey     PubKey    `json:"pubkey"`
	PrivKey    string    `json:"privkey"`
	Profile    Profile   `json:"profile"`
	Exportable bool      `json:"exportable"`
	CreatedAt  time.Time `json:"created_at"`
	LastSynced time.Time `json:"last_synced,omitempty"`
}

// Contact is a remote identity the user has chosen to remember, keyed by
// public key. Petname is the user's private label and never leaves the
// device; Profile mirrors whatever the contact last published.
type Contact struct {
	PubKey    PubKey    `json:"pubkey"`
	Petname   string    `json:"petname,omitempty"`
	Profile   Profile   `json:"profile"`
	AddedAt   time.Time `json:"added_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName returns the petname when set, otherwise the best published
// name, otherwise the abbreviated public key.
func (c *Contact) DisplayName() string {
	if c.Petname != "" {
		return c.Petname
	}
	if n := c.Profile.BestName(); n != "" {
		return n
	}
	return c.PubKey.Short()
}

// KeyPackage is a published single-use joining credential: the owner's
// identity key plus a fresh init key under which a welcome can be sealed.
// EventID is the relay event carrying it and doubles as the consumption
// handle.
type KeyPackage struct {
	EventID   string       `json:"event_id"`
	Owner     PubKey       `json:"owner"`
	InitKey   X25519Public `json:"init_key"`
	Cipher    string       `json:"cipher"`
	CreatedAt time.Time    `json:"created_at"`
	Expiry    time.Time    `json:"expiry,omitempty"`
	Relays    []string     `json:"relays,omitempty"`
}

// Expired reports whether the package carries an expiry in the past.
func (kp *KeyPackage) Expired(now time.Time) bool {
	return !kp.Expiry.IsZero() && now.After(kp.Expiry)
}

// GroupType distinguishes two-member direct conversations from arbitrary
// groups. A DM is an ordinary group with exactly two members and both of
// them admins; the type only changes how UIs label it.
type GroupType uint8

const (
	GroupTypeGroup GroupType = iota
	GroupTypeDM
)

// String returns the display form of the group type.
func (t GroupType) String() string {
	if t == GroupTypeDM {
		return "dm"
	}
	return "group"
}

// GroupStatus tracks whether the local member can still act in a group.
// A group becomes closed when the local member leaves or is removed; closed
// groups keep their history but refuse new sends. Pending-commit groups
// behave like active ones; the status only flags staged proposals awaiting
// a commit.
type GroupStatus uint8

const (
	GroupStatusActive GroupStatus = iota
	GroupStatusPendingCommit
	GroupStatusClosed
)

// String returns the display form of the group status.
func (s GroupStatus) String() string {
	switch s {
	case GroupStatusPendingCommit:
		return "pending-commit"
	case GroupStatusClosed:
		return "closed"
	default:
		return "active"
	}
}

// Group is the externally visible summary of a conversation: membership,
// naming, and where its traffic lives. The key schedule backing it is held
// separately by the group engine.
type Group struct {
	ID            GroupID     `json:"id"`
	WireID        WireID      `json:"wire_id"`
	Name          string      `json:"name"`
	Description   string      `json:"description,omitempty"`
	Type          GroupType   `json:"type"`
	Status        GroupStatus `json:"status"`
	Epoch         Epoch       `json:"epoch"`
	Members       []PubKey    `json:"members"`
	Admins        []PubKey    `json:"admins"`
	Relays        []string    `json:"relays"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	LastMessageAt time.Time   `json:"last_message_at,omitempty"`
}

// IsMember reports whether pk is a current member.
func (g *Group) IsMember(pk PubKey) bool {
	for _, m := range g.Members {
		if m == pk {
			return true
		}
	}
	return false
}

// IsAdmin reports whether pk is a current admin.
func (g *Group) IsAdmin(pk PubKey) bool {
	for _, a := range g.Admins {
		if a == pk {
			return true
		}
	}
	return false
}

// Message is a decrypted application message attributed to its sender and
// the epoch it was sealed under. ID is the carrying event's id, which dedupes
// copies fetched from multiple relays.
type Message struct {
	ID        string    `json:"id"`
	GroupID   GroupID   `json:"group_id"`
	Sender    PubKey    `json:"sender"`
	Epoch     Epoch     `json:"epoch"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Mine      bool      `json:"mine,omitempty"`
}

// RelayRole says which duties a relay performs for the local account. Roles
// combine as a bitset: one relay may serve general, inbox and key-package
// traffic at once.
type RelayRole uint8

const (
	RoleGeneral RelayRole = 1 << iota
	RoleInbox
	RoleKeyPackage

	RoleAll = RoleGeneral | RoleInbox | RoleKeyPackage
)

// Has reports whether r includes all roles in want.
func (r RelayRole) Has(want RelayRole) bool { return r&want == want }

// String returns a compact display form such as "general|inbox".
func (r RelayRole) String() string {
	var out string
	add := func(s string) {
		if out != "" {
			out += "|"
		}
		out += s
	}
	if r.Has(RoleGeneral) {
		add("general")
	}
	if r.Has(RoleInbox) {
		add("inbox")
	}
	if r.Has(RoleKeyPackage) {
		add("keypackage")
	}
	if out == "" {
		return "none"
	}
	return out
}

// RelayRecord binds a relay URL to the roles it serves.
type RelayRecord struct {
	URL   string    `json:"url"`
	Roles RelayRole `json:"roles"`
}

// PublishReceipt reports the per-relay outcome of one publish. A publish
// counts as delivered once any relay acknowledged the event.
type PublishReceipt struct {
	EventID string
	AckedBy []string
	Failed  map[string]string
}

// Delivered reports whether at least one relay accepted the event.
func (r *PublishReceipt) Delivered() bool { return len(r.AckedBy) > 0 }
