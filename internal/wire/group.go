package wire

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/aljazceru/whitenoise-cli/internal/crypto"
	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

// groupPayload is the CBOR body of a kind 445 event's content.
type groupPayload struct {
	V     int    `cbor:"v"`
	Epoch uint64 `cbor:"epoch"`
	Box   []byte `cbor:"box"` // nonce then AEAD ciphertext of the inner event
}

// Envelope is a parsed but still sealed group event. The epoch is readable
// before decryption so the engine can pick the right secret, mirroring how
// group ciphertext framing exposes its epoch.
type Envelope struct {
	EventID   string
	Wrapper   domain.PubKey
	WireID    domain.WireID
	Epoch     domain.Epoch
	CreatedAt time.Time

	box []byte
}

// envelopeAAD binds the ciphertext to the wire id and epoch it was published
// under, so a box cannot be replayed under another group or epoch.
func envelopeAAD(wireID domain.WireID, epoch domain.Epoch) []byte {
	aad := make([]byte, 0, len(wireID)+8)
	aad = append(aad, wireID...)
	aad = binary.BigEndian.AppendUint64(aad, uint64(epoch))
	return aad
}

// GroupEvent seals inner into a kind 445 event. The event is signed by the
// epoch's wrapper key, not any member's identity key, so relays see nothing
// linkable; key is the epoch's encryption secret.
func (c *Codec) GroupEvent(wrapperSk string, wireID domain.WireID, epoch domain.Epoch, key [32]byte, inner *nostr.Event, now time.Time) (*nostr.Event, error) {
	innerJSON, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	box := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(innerJSON)+chacha20poly1305.Overhead)
	if _, err := rand.Read(box); err != nil {
		return nil, err
	}
	box = aead.Seal(box, box[:chacha20poly1305.NonceSize], innerJSON, envelopeAAD(wireID, epoch))

	body, err := c.enc.Marshal(groupPayload{V: 1, Epoch: uint64(epoch), Box: box})
	if err != nil {
		return nil, err
	}

	wrapperPub, err := nostr.GetPublicKey(wrapperSk)
	if err != nil {
		return nil, err
	}
	ev := &nostr.Event{
		PubKey:    wrapperPub,
		CreatedAt: nostr.Timestamp(now.Unix()),
		Kind:      KindGroupMessage,
		Tags:      nostr.Tags{nostr.Tag{tagGroup, string(wireID)}},
		Content:   base64.StdEncoding.EncodeToString(body),
	}
	if err := ev.Sign(wrapperSk); err != nil {
		return nil, err
	}
	return ev, nil
}

// ParseGroupEvent validates the outer framing of a kind 445 event without
// decrypting it.
func (c *Codec) ParseGroupEvent(ev *nostr.Event) (*Envelope, error) {
	const op = "wire.ParseGroupEvent"

	if ev.Kind != KindGroupMessage {
		return nil, malformed(op, ev.ID, fmt.Errorf("kind %d", ev.Kind))
	}
	if err := checkSigned(op, ev); err != nil {
		return nil, err
	}
	wid, ok := firstTag(ev, tagGroup)
	if !ok || !domain.WireID(wid).Valid() {
		return nil, malformed(op, ev.ID, fmt.Errorf("group tag"))
	}

	raw, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		return nil, malformed(op, ev.ID, err)
	}
	var body groupPayload
	if err := c.dec.Unmarshal(raw, &body); err != nil {
		return nil, malformed(op, ev.ID, err)
	}
	if body.V != 1 || len(body.Box) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, malformed(op, ev.ID, fmt.Errorf("payload v%d", body.V))
	}

	return &Envelope{
		EventID:   ev.ID,
		Wrapper:   domain.PubKey(ev.PubKey),
		WireID:    domain.WireID(wid),
		Epoch:     domain.Epoch(body.Epoch),
		CreatedAt: ev.CreatedAt.Time(),
		box:       body.Box,
	}, nil
}

// OpenEnvelope decrypts the envelope with its epoch key and verifies the
// inner event's signature. Only chat and commit inner kinds are accepted.
func (c *Codec) OpenEnvelope(env *Envelope, key [32]byte) (*nostr.Event, error) {
	const op = "wire.OpenEnvelope"

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	innerJSON, err := aead.Open(nil,
		env.box[:chacha20poly1305.NonceSize],
		env.box[chacha20poly1305.NonceSize:],
		envelopeAAD(env.WireID, env.Epoch))
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, env.EventID, crypto.ErrOpenFailed)
	}

	inner := new(nostr.Event)
	if err := json.Unmarshal(innerJSON, inner); err != nil {
		return nil, malformed(op, env.EventID, err)
	}
	if inner.Kind != KindChat && inner.Kind != KindCommit {
		return nil, malformed(op, env.EventID, fmt.Errorf("inner kind %d", inner.Kind))
	}
	if err := checkSigned(op, inner); err != nil {
		return nil, err
	}
	if !domain.PubKey(inner.PubKey).Valid() {
		return nil, malformed(op, env.EventID, fmt.Errorf("inner pubkey"))
	}
	return inner, nil
}

// ChatRumor builds the signed inner application message. It only ever
// travels inside a group envelope.
func (c *Codec) ChatRumor(signer domain.Signer, content string, now time.Time) (*nostr.Event, error) {
	ev := &nostr.Event{
		PubKey:    signer.PubKey().String(),
		CreatedAt: nostr.Timestamp(now.Unix()),
		Kind:      KindChat,
		Tags:      nostr.Tags{},
		Content:   content,
	}
	if err := signer.Sign(ev); err != nil {
		return nil, err
	}
	return ev, nil
}
