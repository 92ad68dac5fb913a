// Package wire encodes and decodes every relay-visible event the app
// produces, and the encrypted payloads carried inside them.
//
// Three layers of framing appear here:
//
//   - Plain signed events: profiles, relay lists and key packages. These are
//     ordinary events any relay client can read.
//   - Group envelopes: kind 445 events signed by a per-epoch wrapper key so
//     relays cannot link them to any member. The content is an AEAD box
//     keyed by the group's epoch; inside is a signed inner event carrying
//     either chat or a membership commit.
//   - Gift wraps: kind 1059 events signed by a throwaway key, sealing a
//     welcome to one recipient's identity key.
//
// Structured payloads use deterministic CBOR. All parse functions validate
// shape and signatures and classify failures as protocol errors.
package wire
