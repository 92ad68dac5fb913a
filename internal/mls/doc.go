// Package mls is the group engine: membership, epoch advancement and
// message protection for relay-carried groups.
//
// Every group runs an epoch-numbered secret schedule. The epoch secret
// yields an encryption secret for sealing messages, an exporter secret, and
// a per-epoch wrapper key that signs the published envelopes so relays see
// no member identity. Commits advance the epoch by exactly one: the
// committer seals a fresh commit secret to every post-commit member's leaf
// key, and removed members, lacking an entry, fall off the schedule. New
// members receive the epoch secret for their joining epoch in a welcome and
// can derive nothing earlier.
//
// State is serialized per (account, group), sealed under a key derived from
// the account's identity secret, and mutated under a per-group lock. A
// bounded window of past epoch secrets is retained so slightly stale
// messages stay readable; anything older fails with ErrUnknownEpoch.
package mls
