package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// Seal encrypts plaintext under a symmetric key. Layout: nonce, AEAD
// ciphertext. aad is authenticated but not encrypted and must be presented
// again on open.
func Seal(key [32]byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:chacha20poly1305.NonceSize], plaintext, aad), nil
}

// Open reverses Seal with the same key and aad.
func Open(key [32]byte, box, aad []byte) ([]byte, error) {
	if len(box) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrOpenFailed
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, box[:chacha20poly1305.NonceSize], box[chacha20poly1305.NonceSize:], aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}

// StorageKey derives the at-rest sealing key for an account's local protocol
// state from its identity secret. The identity key never touches disk in any
// other form.
func StorageKey(privHex, context string) ([32]byte, error) {
	raw, err := hex.DecodeString(privHex)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, errors.New("invalid identity secret")
	}
	defer Wipe(raw)
	return Derive(raw, "storage", []byte(context))
}
