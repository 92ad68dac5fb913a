package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPubKeyValid(t *testing.T) {
	good := PubKey(strings.Repeat("ab", 32))
	require.True(t, good.Valid())

	require.False(t, PubKey("").Valid())
	require.False(t, PubKey(strings.Repeat("ab", 31)).Valid())
	require.False(t, PubKey(strings.Repeat("AB", 32)).Valid(), "uppercase hex is rejected")
	require.False(t, PubKey(strings.Repeat("zz", 32)).Valid())

	raw, err := good.Bytes()
	require.NoError(t, err)
	require.Len(t, raw, 32)

	_, err = PubKey("nothex").Bytes()
	require.Error(t, err)
}

func TestPubKeyShort(t *testing.T) {
	pk := PubKey("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.Equal(t, "01234567..89abcdef", pk.Short())
}

func TestRelayRoleBitset(t *testing.T) {
	r := RoleGeneral | RoleInbox
	require.True(t, r.Has(RoleGeneral))
	require.True(t, r.Has(RoleInbox))
	require.False(t, r.Has(RoleKeyPackage))
	require.True(t, RoleAll.Has(RoleKeyPackage))
	require.True(t, RoleAll.Has(r))

	require.Equal(t, "general|inbox", r.String())
	require.Equal(t, "none", RelayRole(0).String())
	require.Equal(t, "general|inbox|keypackage", RoleAll.String())
}

func TestContactDisplayName(t *testing.T) {
	pk := PubKey(strings.Repeat("cd", 32))

	c := &Contact{PubKey: pk}
	require.Equal(t, pk.Short(), c.DisplayName())

	c.Profile.Name = "alice"
	require.Equal(t, "alice", c.DisplayName())

	c.Profile.DisplayName = "Alice A."
	require.Equal(t, "Alice A.", c.DisplayName())

	c.Petname = "sis"
	require.Equal(t, "sis", c.DisplayName())
}

func TestGroupMembership(t *testing.T) {
	a, b, c := PubKey(strings.Repeat("aa", 32)), PubKey(strings.Repeat("bb", 32)), PubKey(strings.Repeat("cc", 32))
	g := &Group{Members: []PubKey{a, b}, Admins: []PubKey{a}}

	require.True(t, g.IsMember(a))
	require.True(t, g.IsMember(b))
	require.False(t, g.IsMember(c))
	require.True(t, g.IsAdmin(a))
	require.False(t, g.IsAdmin(b))
}

func TestKeyPackageExpiry(t *testing.T) {
	now := time.Now()

	kp := &KeyPackage{}
	require.False(t, kp.Expired(now), "zero expiry never expires")

	kp.Expiry = now.Add(time.Hour)
	require.False(t, kp.Expired(now))

	kp.Expiry = now.Add(-time.Hour)
	require.True(t, kp.Expired(now))
}

func TestGroupStatusAndTypeStrings(t *testing.T) {
	require.Equal(t, "active", GroupStatusActive.String())
	require.Equal(t, "pending-commit", GroupStatusPendingCommit.String())
	require.Equal(t, "closed", GroupStatusClosed.String())
	require.Equal(t, "dm", GroupTypeDM.String())
	require.Equal(t, "group", GroupTypeGroup.String())
}

func TestPublishReceiptDelivered(t *testing.T) {
	r := &PublishReceipt{EventID: "ev"}
	require.False(t, r.Delivered())
	r.AckedBy = append(r.AckedBy, "wss://relay.test")
	require.True(t, r.Delivered())
}
