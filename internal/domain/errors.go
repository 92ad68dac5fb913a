package domain

import (
	"errors"
	"strings"
)

// Kind classifies a failure by the boundary it crossed, so callers can
// decide between retrying, resyncing and surfacing without string-matching
// messages.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindNetwork covers relay dial, write and timeout failures. Retryable.
	KindNetwork
	// KindProtocol covers well-formed-but-wrong remote data: bad signatures,
	// unknown framing, events that fail validation rules.
	KindProtocol
	// KindCrypto covers local sealing and opening failures.
	KindCrypto
	// KindState covers operations that conflict with local group or account
	// state, such as stale epochs or closed groups.
	KindState
	// KindValidation covers rejected caller input.
	KindValidation
)

// String returns the display form of the kind.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindCrypto:
		return "crypto"
	case KindState:
		return "state"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is the classified error wrapper used at package boundaries. Op names
// the failing operation, ID the subject (a group, event or pubkey) when one
// exists, and Err the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	ID   string
	Err  error
}

// E builds a classified error. Err may be a sentinel from this package, a
// lower-level error, or another *Error being re-raised at a new operation.
func E(kind Kind, op, id string, err error) error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.ID != "" {
		b.WriteString(e.ID)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(e.Kind.String() + " error")
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, walking the wrap chain to the
// outermost *Error. Unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as k.
func IsKind(err error, k Kind) bool { return KindOf(err) == k }

// Sentinel errors shared across packages. Raise sites wrap these with E so
// the error carries both an identity (for errors.Is) and a Kind.
var (
	// ErrNoAccount means no account is loaded or none exists yet.
	ErrNoAccount = errors.New("no account loaded")
	// ErrAccessDenied means the caller asked for material that is never
	// handed out, such as a private key export without explicit confirmation.
	ErrAccessDenied = errors.New("access denied")
	// ErrContactNotFound means the pubkey is not in the contact directory.
	ErrContactNotFound = errors.New("contact not found")
	// ErrGroupNotFound means no group with that id exists locally.
	ErrGroupNotFound = errors.New("group not found")
	// ErrGroupClosed means the local member has left or been removed and the
	// group no longer accepts sends or commits.
	ErrGroupClosed = errors.New("group is closed")
	// ErrMemberUnreachable means no usable key package could be found for a
	// member being added.
	ErrMemberUnreachable = errors.New("no key package found for member")
	// ErrKeyPackageNotFound means the relay query returned no key package.
	ErrKeyPackageNotFound = errors.New("key package not found")
	// ErrStaleKeyPackage means the key package was already consumed or has
	// expired.
	ErrStaleKeyPackage = errors.New("key package is stale")
	// ErrInvalidWelcome means a welcome failed authentication or referenced
	// a key package that is not ours.
	ErrInvalidWelcome = errors.New("invalid welcome")
	// ErrEpochConflict means a commit was built against an epoch that is no
	// longer current and must be rebuilt.
	ErrEpochConflict = errors.New("commit epoch is not current")
	// ErrUnknownEpoch means the message references an epoch outside the
	// retained secret window.
	ErrUnknownEpoch = errors.New("no secret retained for epoch")
	// ErrMalformedEvent means an event failed structural validation and was
	// dropped.
	ErrMalformedEvent = errors.New("malformed event")
)
