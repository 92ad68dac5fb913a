package wire

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

// keyPackagePayload is the CBOR body of a key-package event.
type keyPackagePayload struct {
	V       int    `cbor:"v"`
	InitKey []byte `cbor:"init_key"`
}

// KeyPackageEvent builds a signed kind 443 event advertising a fresh init
// key. relays says where the owner wants group traffic; expiry is advertised
// via an expiration tag so relays may prune stale packages on their own.
func (c *Codec) KeyPackageEvent(signer domain.Signer, initKey domain.X25519Public, relays []string, expiry time.Time, now time.Time) (*nostr.Event, error) {
	body, err := c.enc.Marshal(keyPackagePayload{V: 1, InitKey: initKey.Slice()})
	if err != nil {
		return nil, err
	}

	tags := nostr.Tags{
		nostr.Tag{tagVersion, protocolVersion},
		nostr.Tag{tagCipher, cipherSuite},
	}
	if len(relays) > 0 {
		relayTag := nostr.Tag{tagRelays}
		relayTag = append(relayTag, relays...)
		tags = append(tags, relayTag)
	}
	if !expiry.IsZero() {
		tags = append(tags, nostr.Tag{tagExpiration, strconv.FormatInt(expiry.Unix(), 10)})
	}

	ev := &nostr.Event{
		PubKey:    signer.PubKey().String(),
		CreatedAt: nostr.Timestamp(now.Unix()),
		Kind:      KindKeyPackage,
		Tags:      tags,
		Content:   base64.StdEncoding.EncodeToString(body),
	}
	if err := signer.Sign(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ParseKeyPackage validates a kind 443 event and extracts the credential.
func (c *Codec) ParseKeyPackage(ev *nostr.Event) (*domain.KeyPackage, error) {
	const op = "wire.ParseKeyPackage"

	if ev.Kind != KindKeyPackage {
		return nil, malformed(op, ev.ID, fmt.Errorf("kind %d", ev.Kind))
	}
	if err := checkSigned(op, ev); err != nil {
		return nil, err
	}
	if v, ok := firstTag(ev, tagVersion); !ok || v != protocolVersion {
		return nil, malformed(op, ev.ID, fmt.Errorf("protocol version %q", v))
	}
	if cs, ok := firstTag(ev, tagCipher); !ok || cs != cipherSuite {
		return nil, malformed(op, ev.ID, fmt.Errorf("ciphersuite %q", cs))
	}

	raw, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		return nil, malformed(op, ev.ID, err)
	}
	var body keyPackagePayload
	if err := c.dec.Unmarshal(raw, &body); err != nil {
		return nil, malformed(op, ev.ID, err)
	}
	if body.V != 1 || len(body.InitKey) != 32 {
		return nil, malformed(op, ev.ID, fmt.Errorf("payload v%d", body.V))
	}

	owner := domain.PubKey(ev.PubKey)
	if !owner.Valid() {
		return nil, malformed(op, ev.ID, fmt.Errorf("owner pubkey"))
	}

	kp := &domain.KeyPackage{
		EventID:   ev.ID,
		Owner:     owner,
		Cipher:    cipherSuite,
		CreatedAt: ev.CreatedAt.Time(),
		Relays:    multiTag(ev, tagRelays),
	}
	copy(kp.InitKey[:], body.InitKey)

	if expStr, ok := firstTag(ev, tagExpiration); ok {
		sec, err := strconv.ParseInt(expStr, 10, 64)
		if err != nil {
			return nil, malformed(op, ev.ID, err)
		}
		kp.Expiry = time.Unix(sec, 0).UTC()
	}
	return kp, nil
}

// multiTag returns the values of the first tag with the given name, which
// may carry several values after the name.
func multiTag(ev *nostr.Event, name string) []string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return append([]string(nil), tag[1:]...)
		}
	}
	return nil
}
