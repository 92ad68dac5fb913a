package wire

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/aljazceru/whitenoise-cli/internal/crypto"
	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

// WelcomeBody is the joining payload sealed to a key package's init key.
// EpochSecret is the group secret for Epoch; the joiner can derive nothing
// before that epoch. Leaves maps every member to their X25519 leaf public
// key so the joiner can seal future commit secrets to them.
type WelcomeBody struct {
	GroupID     string            `cbor:"group_id"`
	WireID      string            `cbor:"wire_id"`
	Name        string            `cbor:"name"`
	Description string            `cbor:"description,omitempty"`
	Relays      []string          `cbor:"relays"`
	GroupType   uint8             `cbor:"group_type"`
	Epoch       uint64            `cbor:"epoch"`
	EpochSecret []byte            `cbor:"epoch_secret"`
	Members     []string          `cbor:"members"`
	Admins      []string          `cbor:"admins"`
	Leaves      map[string][]byte `cbor:"leaves"`
}

func (b *WelcomeBody) validate() error {
	if !domain.GroupID(b.GroupID).Valid() {
		return fmt.Errorf("group id")
	}
	if !domain.WireID(b.WireID).Valid() {
		return fmt.Errorf("wire id")
	}
	if len(b.EpochSecret) != 32 {
		return fmt.Errorf("epoch secret length %d", len(b.EpochSecret))
	}
	if len(b.Members) == 0 {
		return fmt.Errorf("no members")
	}
	for _, m := range append(append([]string(nil), b.Members...), b.Admins...) {
		if !domain.PubKey(m).Valid() {
			return fmt.Errorf("member pubkey")
		}
	}
	for _, m := range b.Members {
		if len(b.Leaves[m]) != 32 {
			return fmt.Errorf("missing leaf key for member")
		}
	}
	return nil
}

// SealWelcome encrypts body to the key package's init key, bound to the
// package's event id so a welcome cannot be replayed against another
// package.
func (c *Codec) SealWelcome(initKey domain.X25519Public, kpEventID string, body *WelcomeBody) ([]byte, error) {
	raw, err := c.enc.Marshal(body)
	if err != nil {
		return nil, err
	}
	return crypto.SealTo(initKey, raw, []byte(kpEventID))
}

// OpenWelcome decrypts a sealed welcome with the init key's private half.
func (c *Codec) OpenWelcome(initPriv domain.X25519Private, kpEventID string, sealed []byte) (*WelcomeBody, error) {
	const op = "wire.OpenWelcome"

	raw, err := crypto.OpenSealed(initPriv, sealed, []byte(kpEventID))
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, kpEventID, domain.ErrInvalidWelcome)
	}
	body := new(WelcomeBody)
	if err := c.dec.Unmarshal(raw, body); err != nil {
		return nil, domain.E(domain.KindProtocol, op, kpEventID, domain.ErrInvalidWelcome)
	}
	if err := body.validate(); err != nil {
		return nil, domain.E(domain.KindProtocol, op, kpEventID,
			fmt.Errorf("%w: %v", domain.ErrInvalidWelcome, err))
	}
	return body, nil
}

// WelcomeRumor builds the signed inner welcome event referencing the
// consumed key package. The signature lets the joiner authenticate the
// inviter; it is never exposed to relays because the rumor only travels
// inside a gift wrap.
func (c *Codec) WelcomeRumor(signer domain.Signer, kpEventID string, sealed []byte, now time.Time) (*nostr.Event, error) {
	ev := &nostr.Event{
		PubKey:    signer.PubKey().String(),
		CreatedAt: nostr.Timestamp(now.Unix()),
		Kind:      KindWelcome,
		Tags:      nostr.Tags{nostr.Tag{tagEvent, kpEventID}},
		Content:   base64.StdEncoding.EncodeToString(sealed),
	}
	if err := signer.Sign(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ParseWelcomeRumor validates an inner welcome event and returns the key
// package id it references plus the sealed body.
func (c *Codec) ParseWelcomeRumor(inner *nostr.Event) (kpEventID string, sealed []byte, err error) {
	const op = "wire.ParseWelcomeRumor"

	if inner.Kind != KindWelcome {
		return "", nil, malformed(op, inner.ID, fmt.Errorf("kind %d", inner.Kind))
	}
	if err := checkSigned(op, inner); err != nil {
		return "", nil, err
	}
	kpEventID, ok := firstTag(inner, tagEvent)
	if !ok || kpEventID == "" {
		return "", nil, malformed(op, inner.ID, fmt.Errorf("missing key package reference"))
	}
	sealed, err = base64.StdEncoding.DecodeString(inner.Content)
	if err != nil {
		return "", nil, malformed(op, inner.ID, err)
	}
	return kpEventID, sealed, nil
}

// GiftWrap seals any rumor to one recipient under a throwaway key. The
// wrap's timestamp is backdated by a random amount up to two days so
// delivery time does not correlate with send time.
func (c *Codec) GiftWrap(rumor *nostr.Event, recipient domain.PubKey, now time.Time) (*nostr.Event, error) {
	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nil, err
	}
	ephSk := nostr.GeneratePrivateKey()
	ephPub, err := nostr.GetPublicKey(ephSk)
	if err != nil {
		return nil, err
	}
	sealed, err := convSeal(ephSk, recipient, "giftwrap", rumorJSON)
	if err != nil {
		return nil, err
	}
	ev := &nostr.Event{
		PubKey:    ephPub,
		CreatedAt: backdate(now),
		Kind:      KindGiftWrap,
		Tags:      nostr.Tags{nostr.Tag{tagRecipient, recipient.String()}},
		Content:   base64.StdEncoding.EncodeToString(sealed),
	}
	if err := ev.Sign(ephSk); err != nil {
		return nil, err
	}
	return ev, nil
}

// OpenGift unwraps a kind 1059 event addressed to the holder of
// recipientSk and returns the inner rumor. The rumor's own signature is the
// caller's to verify.
func (c *Codec) OpenGift(ev *nostr.Event, recipientSk string) (*nostr.Event, error) {
	const op = "wire.OpenGift"

	if ev.Kind != KindGiftWrap {
		return nil, malformed(op, ev.ID, fmt.Errorf("kind %d", ev.Kind))
	}
	if err := checkSigned(op, ev); err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		return nil, malformed(op, ev.ID, err)
	}
	rumorJSON, err := convOpen(recipientSk, domain.PubKey(ev.PubKey), "giftwrap", sealed)
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, ev.ID, err)
	}
	rumor := new(nostr.Event)
	if err := json.Unmarshal(rumorJSON, rumor); err != nil {
		return nil, malformed(op, ev.ID, err)
	}
	return rumor, nil
}

// backdate shifts a wrap timestamp back by up to two days.
func backdate(now time.Time) nostr.Timestamp {
	const window = 2 * 24 * time.Hour
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nostr.Timestamp(now.Unix())
	}
	off := time.Duration(binary.BigEndian.Uint64(buf[:]) % uint64(window))
	return nostr.Timestamp(now.Add(-off).Unix())
}
