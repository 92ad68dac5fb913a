// Package transport maintains the relay pool and is the only place that
// touches the network. Every configured relay carries a role set; operations
// address roles, never individual relays.
//
// Publish fans out to every relay serving the requested roles and succeeds
// once at least one acknowledges, with per-relay outcomes in the receipt.
// Fetch runs the same query everywhere, merges and dedupes by event id.
// Stream keeps one live subscription per relay with exponential reconnect
// backoff and an LRU guard against cross-relay duplicates.
//
// Connections are dialed lazily and dropped on first error; the next
// operation redials. A relay that fails repeatedly is marked unhealthy and
// sits out until a cooldown expires, after which it is probed again.
package transport
