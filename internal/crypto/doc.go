// Package crypto exposes the minimal primitives used by whitenoise.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie-Hellman (GenerateX25519, DH)
//   - Single-shot sealing of a secret to an X25519 public key using an
//     ephemeral key and ChaCha20-Poly1305 (SealTo, OpenSealed)
//   - Symmetric sealing under a caller-held key (Seal, Open) and the at-rest
//     storage-key derivation shared by the stateful services (StorageKey)
//   - Labeled HKDF-SHA256 derivation for the group key schedule (Derive)
//   - Best-effort memory wiping for sensitive byte slices (Wipe)
//
// # Notes
//
// Functions operate on fixed-size array types defined in internal/domain to
// avoid accidental reallocations. Callers should treat returned secrets as
// sensitive and rely on Wipe when practical to reduce lifetime in memory.
package crypto
