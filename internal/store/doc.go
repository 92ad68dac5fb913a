// Package store provides persistence for whitenoise's core data.
//
// It contains the concrete implementation of the domain storage interfaces.
// Accounts are JSON files sealed under the account passphrase; contacts,
// group state, message history and consumed key-package ids live in a single
// bbolt database. All methods are concurrency-safe. Stored files live under
// the configured data directory.
//
// One Store implements:
//   - domain.AccountStore (encrypted account files plus the current pointer)
//   - domain.ContactStore
//   - domain.GroupStore (sealed blobs, opaque to the store)
//   - domain.MessageStore
//   - domain.ConsumedStore
package store
