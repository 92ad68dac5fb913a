// Package relaytest runs an in-memory relay speaking the plain websocket
// relay protocol: EVENT to publish, REQ with filters to query and subscribe,
// CLOSE to unsubscribe, with OK and EOSE replies. It backs the transport and
// service tests and the relayd development binary.
//
// Behaviour
//
//   - All state is held in memory and lost on close.
//   - Published events are signature-checked; rejects carry an OK=false with
//     a short reason.
//   - REQ replays matching stored events, sends EOSE, then streams live
//     matches until CLOSE or disconnect.
//   - Replaceable kinds (0, 10002, 10050, 10051) keep only the newest event
//     per author.
//
// The relay never sees plaintext; envelopes and wraps arrive encrypted.
package relaytest
