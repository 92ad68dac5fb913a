// Package main runs the in-memory relay used during development. It speaks
// the plain websocket relay protocol (EVENT, REQ, CLOSE with OK and EOSE
// replies) and holds everything in memory, so a restart clears all state.
//
// Point the client at it from config.toml:
//
//	[[Relay]]
//	URL = "ws://127.0.0.1:7447"
//	Roles = ["general", "inbox", "keypackage"]
//
// The relay only ever sees ciphertext; group envelopes and gift wraps arrive
// encrypted and key packages carry public material only.
package main
