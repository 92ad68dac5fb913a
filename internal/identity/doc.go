// Package identity manages local accounts: key generation, encrypted
// persistence, login with hex or bech32 secrets, and profile and relay-list
// publication.
//
// The unlocked account doubles as the event signer for every other service;
// private key material never leaves the package except through
// ExportPrivateKey, and only for accounts marked exportable.
package identity
