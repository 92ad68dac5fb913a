package mls

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/aljazceru/whitenoise-cli/internal/crypto"
	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

// storageContext labels the storage-key derivation for sealed group state.
const storageContext = "group"

const (
	proposalAdd uint8 = iota + 1
	proposalRemove
)

// proposal is one pending membership change awaiting commit.
type proposal struct {
	Proposer string `cbor:"proposer"`
	Action   uint8  `cbor:"action"`
	Member   string `cbor:"member"`
}

// groupState is the complete per-group record: the visible summary plus the
// key schedule. It exists in the clear only inside the engine; at rest it is
// CBOR sealed under the account's storage key.
type groupState struct {
	Group *domain.Group `cbor:"group"`

	// MyLeaf is the local member's X25519 leaf private key; Leaves maps
	// every member to their leaf public key.
	MyLeaf []byte            `cbor:"my_leaf"`
	Leaves map[string][]byte `cbor:"leaves"`

	// Secrets holds the retained epoch secrets, newest epochs only.
	Secrets map[uint64][]byte `cbor:"secrets"`

	Pending []proposal `cbor:"pending,omitempty"`

	// WireHistory lists superseded wire ids, oldest first, so history can
	// still be fetched after rotations.
	WireHistory []string `cbor:"wire_history,omitempty"`

	// LastEventAt is the creation time (unix seconds) of the newest group
	// event this member processed, the resync cursor.
	LastEventAt int64 `cbor:"last_event_at,omitempty"`
}

// memberLeaf returns pk's leaf public key from the state.
func (st *groupState) memberLeaf(pk string) (domain.X25519Public, bool) {
	var leaf domain.X25519Public
	raw, ok := st.Leaves[pk]
	if len(raw) != 32 {
		return leaf, false
	}
	copy(leaf[:], raw)
	return leaf, ok
}

// wipe erases the state's secret material in place.
func (st *groupState) wipe() {
	crypto.Wipe(st.MyLeaf)
	st.MyLeaf = nil
	for _, s := range st.Secrets {
		crypto.Wipe(s)
	}
	st.Secrets = nil
}

// pruneSecrets drops epoch secrets outside the retention window ending at
// the current epoch.
func (st *groupState) pruneSecrets(retain int) {
	current := uint64(st.Group.Epoch)
	for epoch, s := range st.Secrets {
		if epoch+uint64(retain) <= current {
			crypto.Wipe(s)
			delete(st.Secrets, epoch)
		}
	}
}

// contextHash binds an epoch's derivations to the group identity, its wire
// id and the exact membership at that epoch.
func contextHash(id domain.GroupID, wireID domain.WireID, epoch domain.Epoch, members []domain.PubKey) [32]byte {
	sorted := make([]string, len(members))
	for i, m := range members {
		sorted[i] = string(m)
	}
	sort.Strings(sorted)

	var num [8]byte
	binary.BigEndian.PutUint64(num[:], uint64(epoch))

	parts := make([][]byte, 0, len(sorted)+3)
	parts = append(parts, []byte(id), []byte(wireID), num[:])
	for _, m := range sorted {
		parts = append(parts, []byte(m))
	}
	return crypto.Hash(parts...)
}

// schedule is one epoch's derived keys.
type schedule struct {
	encryption [32]byte
	exporter   [32]byte
	wrapperSk  string
	wrapperPk  string
}

// deriveSchedule expands an epoch secret into the epoch's working keys. The
// wrapper key is derived through the exporter secret and doubles as a valid
// schnorr keypair shared by the whole membership for that epoch.
func deriveSchedule(secret []byte) (*schedule, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("epoch secret length %d", len(secret))
	}
	enc, err := crypto.Derive(secret, "encryption", nil)
	if err != nil {
		return nil, err
	}
	exp, err := crypto.Derive(secret, "exporter", nil)
	if err != nil {
		return nil, err
	}
	seed, err := crypto.Derive(exp[:], "wrapper", nil)
	if err != nil {
		return nil, err
	}
	sk := hex.EncodeToString(seed[:])
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, err
	}
	return &schedule{encryption: enc, exporter: exp, wrapperSk: sk, wrapperPk: pk}, nil
}

// nextEpochSecret derives epoch n+1's secret from a commit secret and the
// post-commit context hash.
func nextEpochSecret(commitSecret []byte, ctx [32]byte) ([]byte, error) {
	out, err := crypto.Derive(commitSecret, "epoch", ctx[:])
	if err != nil {
		return nil, err
	}
	return out[:], nil
}

// confirmTag authenticates a commit against the epoch secret it produces.
func confirmTag(newSecret []byte, ctx [32]byte) ([]byte, error) {
	out, err := crypto.Derive(newSecret, "confirm", ctx[:])
	if err != nil {
		return nil, err
	}
	return out[:], nil
}

func confirmMatches(want, got []byte) bool {
	return len(want) == 32 && subtle.ConstantTimeCompare(want, got) == 1
}

// randomSecret returns 32 fresh random bytes.
func randomSecret() ([]byte, error) {
	out := make([]byte, 32)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

// randomHex returns a fresh random 64-character hex identifier.
func randomHex() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// sortKeys returns pks deduplicated and in ascending order.
func sortKeys(pks []domain.PubKey) []domain.PubKey {
	seen := make(map[domain.PubKey]struct{}, len(pks))
	out := make([]domain.PubKey, 0, len(pks))
	for _, pk := range pks {
		if _, dup := seen[pk]; dup {
			continue
		}
		seen[pk] = struct{}{}
		out = append(out, pk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func containsKey(pks []domain.PubKey, pk domain.PubKey) bool {
	for _, p := range pks {
		if p == pk {
			return true
		}
	}
	return false
}

func keysToStrings(pks []domain.PubKey) []string {
	out := make([]string, len(pks))
	for i, pk := range pks {
		out[i] = string(pk)
	}
	return out
}

func stringsToKeys(ss []string) []domain.PubKey {
	out := make([]domain.PubKey, len(ss))
	for i, s := range ss {
		out[i] = domain.PubKey(s)
	}
	return out
}

// sealState serializes and seals st for the account's group store.
func sealState(acct *domain.Account, st *groupState) ([]byte, error) {
	raw, err := cbor.Marshal(st)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(raw)

	key, err := crypto.StorageKey(acct.PrivKey, storageContext)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key[:])

	return crypto.Seal(key, raw, []byte(st.Group.ID))
}

// openState reverses sealState.
func openState(acct *domain.Account, id domain.GroupID, sealed []byte) (*groupState, error) {
	key, err := crypto.StorageKey(acct.PrivKey, storageContext)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key[:])

	raw, err := crypto.Open(key, sealed, []byte(id))
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(raw)

	st := new(groupState)
	if err := cbor.Unmarshal(raw, st); err != nil {
		return nil, err
	}
	return st, nil
}
