package store

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/aljazceru/whitenoise-cli/internal/crypto"
)

// The current supported version of the encrypted blob format stored on disk.
const envelopeFormatVersion = 1

// Returned when the passphrase is incorrect or the ciphertext has been
// modified or corrupted.
var errWrongPassphrase = errors.New("wrong passphrase or corrupted account file")

// blob is the on-disk JSON structure holding the ciphertext and KDF
// parameters, so parameters can be raised later without breaking old files.
type blob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	Time   uint32 `json:"argon_t"`
	Memory uint32 `json:"argon_m"`
	Lanes  uint8  `json:"argon_p"`
	Cipher []byte `json:"cipher"`
}

// Tunables for argon2id key derivation.
func argonParamsDefault() (t, m uint32, p uint8) { return 3, 64 * 1024, 4 }

// sealEnvelope derives a key from passphrase and seals raw into a JSON blob.
func sealEnvelope(passphrase string, raw []byte) ([]byte, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	t, m, p := argonParamsDefault()
	key := argon2.IDKey([]byte(passphrase), salt[:], t, m, p, chacha20poly1305.KeySize)
	defer crypto.Wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte // zero nonce; salt-bound key guarantees uniqueness
	ct := aead.Seal(nil, nonce[:], raw, salt[:])

	return json.Marshal(blob{
		V:      envelopeFormatVersion,
		Salt:   salt[:],
		Time:   t,
		Memory: m,
		Lanes:  p,
		Cipher: ct,
	})
}

// openEnvelope opens the JSON blob using a key derived from passphrase.
func openEnvelope(passphrase string, b []byte) ([]byte, error) {
	var bl blob
	if err := json.Unmarshal(b, &bl); err != nil {
		return nil, err
	}
	if bl.V > envelopeFormatVersion {
		return nil, fmt.Errorf("unsupported account file version %d", bl.V)
	}

	key := argon2.IDKey([]byte(passphrase), bl.Salt, bl.Time, bl.Memory, bl.Lanes, chacha20poly1305.KeySize)
	defer crypto.Wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], bl.Cipher, bl.Salt)
	if err != nil {
		return nil, errWrongPassphrase
	}
	return pt, nil
}
