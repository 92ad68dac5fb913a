package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

// Codec builds and parses wire events. It is stateless apart from the CBOR
// modes and safe for concurrent use.
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// New returns a codec with deterministic CBOR encoding, so the same payload
// always serializes to the same bytes regardless of map iteration order.
func New() (*Codec, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// MustNew is New for wiring code. The codec options are fixed, so a failure
// here is a programming error.
func MustNew() *Codec {
	c, err := New()
	if err != nil {
		panic(err)
	}
	return c
}

// malformed wraps a parse failure as a protocol error carrying the event id.
// The result matches both errors.Is(err, domain.ErrMalformedEvent) and
// domain.KindProtocol.
func malformed(op, eventID string, cause error) error {
	err := error(domain.ErrMalformedEvent)
	if cause != nil {
		err = fmt.Errorf("%w: %v", domain.ErrMalformedEvent, cause)
	}
	return domain.E(domain.KindProtocol, op, eventID, err)
}

// checkSigned verifies the event's id and signature.
func checkSigned(op string, ev *nostr.Event) error {
	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		return malformed(op, ev.ID, nil)
	}
	return nil
}

// firstTag returns the first value for name among the event's tags.
func firstTag(ev *nostr.Event, name string) (string, bool) {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// allTags returns every value for name among the event's tags.
func allTags(ev *nostr.Event, name string) []string {
	var out []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}
