package wire

import (
	"encoding/base64"
	"fmt"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

// CommitAdd names one member being added, the key package that was consumed
// to welcome them, and the leaf public key existing members record for them.
type CommitAdd struct {
	Member    string `cbor:"member"`
	KPEventID string `cbor:"kp_event"`
	InitKey   []byte `cbor:"init_key"`
}

// CommitBody is the membership change distributed to the current epoch.
// Removes apply before adds; both are sorted ascending by member pubkey so
// every receiver replays the change identically. Sealed carries the next
// commit secret encrypted per surviving member; anyone absent from Sealed
// cannot follow the group past this commit.
type CommitBody struct {
	NewEpoch  uint64            `cbor:"new_epoch"`
	Removes   []string          `cbor:"removes,omitempty"`
	Adds      []CommitAdd       `cbor:"adds,omitempty"`
	NewWireID string            `cbor:"new_wire_id,omitempty"`
	Sealed    map[string][]byte `cbor:"sealed"`
	Confirm   []byte            `cbor:"confirm"`
}

// normalize sorts the change lists into canonical order.
func (b *CommitBody) normalize() {
	sort.Strings(b.Removes)
	sort.Slice(b.Adds, func(i, j int) bool {
		if b.Adds[i].Member != b.Adds[j].Member {
			return b.Adds[i].Member < b.Adds[j].Member
		}
		return b.Adds[i].KPEventID < b.Adds[j].KPEventID
	})
}

// sorted reports whether the change lists are already canonical.
func (b *CommitBody) sorted() bool {
	if !sort.StringsAreSorted(b.Removes) {
		return false
	}
	return sort.SliceIsSorted(b.Adds, func(i, j int) bool {
		if b.Adds[i].Member != b.Adds[j].Member {
			return b.Adds[i].Member < b.Adds[j].Member
		}
		return b.Adds[i].KPEventID < b.Adds[j].KPEventID
	})
}

// CommitRumor builds the signed inner commit event for body. The signer is
// the committer; receivers check it against the group's admin list.
func (c *Codec) CommitRumor(signer domain.Signer, body *CommitBody, now time.Time) (*nostr.Event, error) {
	body.normalize()
	raw, err := c.enc.Marshal(body)
	if err != nil {
		return nil, err
	}
	ev := &nostr.Event{
		PubKey:    signer.PubKey().String(),
		CreatedAt: nostr.Timestamp(now.Unix()),
		Kind:      KindCommit,
		Tags:      nostr.Tags{},
		Content:   base64.StdEncoding.EncodeToString(raw),
	}
	if err := signer.Sign(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ParseCommit extracts and validates a commit body from a signed inner
// event already opened from an envelope.
func (c *Codec) ParseCommit(inner *nostr.Event) (*CommitBody, error) {
	const op = "wire.ParseCommit"

	if inner.Kind != KindCommit {
		return nil, malformed(op, inner.ID, fmt.Errorf("kind %d", inner.Kind))
	}
	raw, err := base64.StdEncoding.DecodeString(inner.Content)
	if err != nil {
		return nil, malformed(op, inner.ID, err)
	}
	body := new(CommitBody)
	if err := c.dec.Unmarshal(raw, body); err != nil {
		return nil, malformed(op, inner.ID, err)
	}

	if body.NewEpoch == 0 {
		return nil, malformed(op, inner.ID, fmt.Errorf("new epoch 0"))
	}
	if len(body.Removes) == 0 && len(body.Adds) == 0 {
		return nil, malformed(op, inner.ID, fmt.Errorf("empty commit"))
	}
	if !body.sorted() {
		return nil, malformed(op, inner.ID, fmt.Errorf("changes out of order"))
	}
	for _, r := range body.Removes {
		if !domain.PubKey(r).Valid() {
			return nil, malformed(op, inner.ID, fmt.Errorf("remove pubkey"))
		}
	}
	for _, a := range body.Adds {
		if !domain.PubKey(a.Member).Valid() || a.KPEventID == "" || len(a.InitKey) != 32 {
			return nil, malformed(op, inner.ID, fmt.Errorf("add entry"))
		}
	}
	if body.NewWireID != "" && !domain.WireID(body.NewWireID).Valid() {
		return nil, malformed(op, inner.ID, fmt.Errorf("new wire id"))
	}
	for pk := range body.Sealed {
		if !domain.PubKey(pk).Valid() {
			return nil, malformed(op, inner.ID, fmt.Errorf("sealed entry pubkey"))
		}
	}
	if len(body.Confirm) == 0 {
		return nil, malformed(op, inner.ID, fmt.Errorf("missing confirm tag"))
	}
	return body, nil
}
