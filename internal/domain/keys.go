package domain

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// PubKey is a 32-byte x-only schnorr public key in lowercase hex form, the
// canonical identity of an account or contact on the relay network.
type PubKey string

// String returns the hex form of the public key.
func (p PubKey) String() string { return string(p) }

// Valid reports whether the key is 64 lowercase hex characters.
func (p PubKey) Valid() bool {
	if len(p) != 64 {
		return false
	}
	for _, c := range p {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Bytes decodes the hex form into the raw 32-byte key.
func (p PubKey) Bytes() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("pubkey %q: not 64 lowercase hex chars", truncate(string(p), 16))
	}
	return hex.DecodeString(string(p))
}

// Short returns an abbreviated form for logs and UI listings.
func (p PubKey) Short() string {
	if len(p) < 16 {
		return string(p)
	}
	return string(p[:8]) + ".." + string(p[len(p)-8:])
}

// GroupID is the 32-byte MLS group identifier in lowercase hex form. It is
// private to the membership and never appears on the wire.
type GroupID string

// String returns the hex form of the group identifier.
func (g GroupID) String() string { return string(g) }

// Valid reports whether the identifier is 64 lowercase hex characters.
func (g GroupID) Valid() bool { return PubKey(g).Valid() }

// Short returns an abbreviated form for logs.
func (g GroupID) Short() string { return PubKey(g).Short() }

// WireID is the 32-byte rotating group identifier in lowercase hex form. It
// is the only group handle that appears in relay events and changes when the
// membership wants to unlink old traffic from new.
type WireID string

// String returns the hex form of the wire identifier.
func (w WireID) String() string { return string(w) }

// Valid reports whether the identifier is 64 lowercase hex characters.
func (w WireID) Valid() bool { return PubKey(w).Valid() }

// Short returns an abbreviated form for logs.
func (w WireID) Short() string { return PubKey(w).Short() }

// X25519Public is a Curve25519 public key used for sealing secrets to group
// members and key-package init keys.
type X25519Public [32]byte

// Slice returns the key as a byte slice.
func (k X25519Public) Slice() []byte { return k[:] }

// Hex returns the lowercase hex form of the key.
func (k X25519Public) Hex() string { return hex.EncodeToString(k[:]) }

// Equal compares two public keys in constant time.
func (k X25519Public) Equal(other X25519Public) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// X25519Private is a Curve25519 private scalar. Callers zero it when done.
type X25519Private [32]byte

// Slice returns the key as a byte slice.
func (k X25519Private) Slice() []byte { return k[:] }

// Epoch numbers a group key generation. Epochs start at zero and increase by
// exactly one per applied commit; they never repeat or go backwards.
type Epoch uint64

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + ".."
}
