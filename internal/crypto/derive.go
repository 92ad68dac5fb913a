package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// protocol version prefix baked into every derivation label so secrets from
// one schedule version can never collide with another.
const labelPrefix = "whitenoise/v1|"

// Derive expands secret into a 32-byte output bound to label and context
// using HKDF-SHA256. Distinct labels yield independent secrets from the same
// input keying material.
func Derive(secret []byte, label string, context []byte) (out [32]byte, err error) {
	info := make([]byte, 0, len(labelPrefix)+len(label)+1+len(context))
	info = append(info, labelPrefix...)
	info = append(info, label...)
	info = append(info, '|')
	info = append(info, context...)

	r := hkdf.New(sha256.New, secret, nil, info)
	if _, err = io.ReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// Hash returns the SHA-256 digest of the concatenation of its inputs.
func Hash(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}
