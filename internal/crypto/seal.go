package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

// Sealed box layout: ephemeral public key, nonce, AEAD ciphertext.
const (
	sealEphLen   = 32
	sealNonceLen = chacha20poly1305.NonceSize
	sealMinLen   = sealEphLen + sealNonceLen + chacha20poly1305.Overhead
)

// ErrOpenFailed is returned when a sealed box fails authentication: either
// the wrong private key or a tampered box.
var ErrOpenFailed = errors.New("sealed box authentication failed")

// SealTo encrypts plaintext so that only the holder of the private half of
// pub can read it. A fresh ephemeral key is generated per call, so sealing
// the same plaintext twice yields unrelated boxes. aad is authenticated but
// not encrypted and must be presented again on open.
func SealTo(pub domain.X25519Public, plaintext, aad []byte) ([]byte, error) {
	ephPriv, ephPub, err := GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	defer Wipe(ephPriv[:])

	shared, err := DH(ephPriv, pub)
	if err != nil {
		return nil, fmt.Errorf("seal dh: %w", err)
	}
	defer Wipe(shared[:])

	key, err := sealKey(shared, ephPub, pub)
	if err != nil {
		return nil, err
	}
	defer Wipe(key[:])

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, sealEphLen+sealNonceLen, sealEphLen+sealNonceLen+len(plaintext)+chacha20poly1305.Overhead)
	copy(out, ephPub[:])
	nonce := out[sealEphLen : sealEphLen+sealNonceLen]
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// OpenSealed reverses SealTo with the recipient's private key.
func OpenSealed(priv domain.X25519Private, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < sealMinLen {
		return nil, fmt.Errorf("sealed box too short: %d bytes", len(sealed))
	}
	var ephPub domain.X25519Public
	copy(ephPub[:], sealed[:sealEphLen])
	nonce := sealed[sealEphLen : sealEphLen+sealNonceLen]
	ct := sealed[sealEphLen+sealNonceLen:]

	shared, err := DH(priv, ephPub)
	if err != nil {
		return nil, fmt.Errorf("open dh: %w", err)
	}
	defer Wipe(shared[:])

	// Recompute our public key so the KDF context matches the sealer's.
	pb, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var pub domain.X25519Public
	copy(pub[:], pb)

	key, err := sealKey(shared, ephPub, pub)
	if err != nil {
		return nil, err
	}
	defer Wipe(key[:])

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}

func sealKey(shared [32]byte, ephPub, recipient domain.X25519Public) ([32]byte, error) {
	ctx := make([]byte, 0, sealEphLen*2)
	ctx = append(ctx, ephPub[:]...)
	ctx = append(ctx, recipient[:]...)
	return Derive(shared[:], "seal", ctx)
}
