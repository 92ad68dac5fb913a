// Package keypackage publishes and resolves joining credentials.
//
// A key package is a signed kind-443 event advertising a single-use X25519
// init key. Inviters seal group welcomes to that key; the publisher retains
// the private half, sealed under its storage key, until the welcome arrives.
// Spent package ids are remembered across restarts so a credential is never
// accepted twice.
package keypackage
