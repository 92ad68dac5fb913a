package wire

// Event kinds. Standard kinds (profile metadata 0, relay list 10002) come
// from the nostr package; these are the group-messaging kinds.
const (
	// KindChat is the inner application message rumor. It never appears on
	// a relay in the clear.
	KindChat = 9

	// KindKeyPackage is a published joining credential.
	KindKeyPackage = 443

	// KindWelcome is the inner welcome rumor delivered inside a gift wrap.
	KindWelcome = 444

	// KindGroupMessage is the outer group envelope.
	KindGroupMessage = 445

	// KindCommit is the inner membership-change rumor. Like KindChat it
	// only ever exists inside a group envelope.
	KindCommit = 446

	// KindGiftWrap is the sealed per-recipient delivery envelope.
	KindGiftWrap = 1059

	// KindInboxRelays advertises where to send a user's gift wraps.
	KindInboxRelays = 10050

	// KindKeyPackageRelays advertises where a user publishes key packages.
	KindKeyPackageRelays = 10051
)

// Tag names used across event kinds.
const (
	tagGroup      = "h"
	tagEvent      = "e"
	tagRecipient  = "p"
	tagRelay      = "relay"
	tagR          = "r"
	tagExpiration = "expiration"
	tagVersion    = "mls_protocol_version"
	tagCipher     = "mls_ciphersuite"
	tagRelays     = "relays"
)

// protocolVersion is advertised on key packages and checked on parse.
const protocolVersion = "1.0"

// cipherSuite names the only suite this build speaks.
const cipherSuite = "x25519-chacha20poly1305-sha256"
