package wire

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/aljazceru/whitenoise-cli/internal/crypto"
	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

// convKey derives a pairwise symmetric key between the holder of skHex and
// the holder of the private half of pubHex. The shared secret is the x
// coordinate of the ECDH point, which is identical in both directions even
// for x-only keys, so either party derives the same key.
func convKey(skHex string, pub domain.PubKey, label string) ([32]byte, error) {
	var key [32]byte

	skBytes, err := hex.DecodeString(skHex)
	if err != nil || len(skBytes) != 32 {
		return key, fmt.Errorf("wire: bad private key")
	}
	sk, _ := btcec.PrivKeyFromBytes(skBytes)
	defer crypto.Wipe(skBytes)

	pubBytes, err := pub.Bytes()
	if err != nil {
		return key, err
	}
	pk, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return key, fmt.Errorf("wire: bad public key: %w", err)
	}

	shared := btcec.GenerateSharedSecret(sk, pk)
	defer crypto.Wipe(shared)
	return crypto.Derive(shared, label, nil)
}

// convSeal encrypts plaintext for the pair (skHex, pub) under label.
// Layout: nonce, AEAD ciphertext.
func convSeal(skHex string, pub domain.PubKey, label string, plaintext []byte) ([]byte, error) {
	key, err := convKey(skHex, pub, label)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key[:])

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:chacha20poly1305.NonceSize], plaintext, nil), nil
}

// convOpen reverses convSeal from the other side of the pair.
func convOpen(skHex string, pub domain.PubKey, label string, sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("wire: sealed payload too short")
	}
	key, err := convKey(skHex, pub, label)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key[:])

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, crypto.ErrOpenFailed
	}
	return pt, nil
}
