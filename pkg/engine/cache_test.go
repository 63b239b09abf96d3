package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembershipCache_UnknownGroup(t *testing.T) {
	c := NewMembershipCache()

	_, ok := c.Members(SideLocal, "cn=devs,dc=example,dc=org")
	assert.False(t, ok)
	assert.False(t, c.Contains(SideLocal, "cn=devs,dc=example,dc=org", "uid=alice,dc=example,dc=org"))
	assert.True(t, c.Changed(SideLocal, "cn=devs,dc=example,dc=org", nil))
}

func TestMembershipCache_ReplaceAndContains(t *testing.T) {
	c := NewMembershipCache()
	c.Replace(SideLocal, "cn=devs,dc=example,dc=org", []string{
		"uid=alice,dc=example,dc=org",
		"uid=bob,dc=example,dc=org",
	})

	// Lookups are case-insensitive on both keys.
	assert.True(t, c.Contains(SideLocal, "CN=Devs,DC=example,DC=org", "UID=Alice,DC=example,DC=org"))
	assert.False(t, c.Contains(SideLocal, "cn=devs,dc=example,dc=org", "uid=carol,dc=example,dc=org"))

	// The other side is independent.
	assert.False(t, c.Contains(SideRemote, "cn=devs,dc=example,dc=org", "uid=alice,dc=example,dc=org"))
}

func TestMembershipCache_Changed(t *testing.T) {
	c := NewMembershipCache()
	c.Replace(SideRemote, "cn=devs", []string{"a", "b"})

	assert.False(t, c.Changed(SideRemote, "cn=devs", []string{"b", "a"}))
	assert.True(t, c.Changed(SideRemote, "cn=devs", []string{"a"}))
	assert.True(t, c.Changed(SideRemote, "cn=devs", []string{"a", "b", "c"}))
}

func TestMembershipCache_RenameMovesEdges(t *testing.T) {
	c := NewMembershipCache()
	c.Replace(SideLocal, "cn=devs", []string{"uid=alice", "uid=bob"})
	c.Replace(SideLocal, "cn=ops", []string{"uid=alice"})

	c.Rename(SideLocal, "uid=alice", "uid=alice.smith")

	assert.True(t, c.Contains(SideLocal, "cn=devs", "uid=alice.smith"))
	assert.False(t, c.Contains(SideLocal, "cn=devs", "uid=alice"))
	assert.True(t, c.Contains(SideLocal, "cn=ops", "uid=alice.smith"))

	// A renamed group keeps its member set under the new key.
	c.Rename(SideLocal, "cn=devs", "cn=developers")
	assert.True(t, c.Contains(SideLocal, "cn=developers", "uid=bob"))
	_, ok := c.Members(SideLocal, "cn=devs")
	assert.False(t, ok)
}

func TestMembershipCache_ForgetRemovesEdges(t *testing.T) {
	c := NewMembershipCache()
	c.Replace(SideLocal, "cn=devs", []string{"uid=alice", "uid=bob"})

	c.Forget(SideLocal, "uid=alice")
	assert.False(t, c.Contains(SideLocal, "cn=devs", "uid=alice"))
	assert.True(t, c.Contains(SideLocal, "cn=devs", "uid=bob"))

	c.Forget(SideLocal, "cn=devs")
	_, ok := c.Members(SideLocal, "cn=devs")
	assert.False(t, ok)
}

func TestDNCache_RoundTrip(t *testing.T) {
	c := NewDNCache()
	guid := []byte("0123456789abcdef")

	c.Set(guid, "CN=alice,CN=Users,DC=ad,DC=example,DC=org")

	dn, ok := c.Get(guid)
	require.True(t, ok)
	assert.Equal(t, "CN=alice,CN=Users,DC=ad,DC=example,DC=org", dn)

	id, ok := c.Reverse("cn=alice,cn=users,dc=ad,dc=example,dc=org")
	require.True(t, ok)
	assert.Equal(t, guid, id)
}

func TestDNCache_SetClearsStaleReverse(t *testing.T) {
	c := NewDNCache()
	guid := []byte("0123456789abcdef")

	c.Set(guid, "CN=alice,DC=example,DC=org")
	c.Set(guid, "CN=alice,OU=Staff,DC=example,DC=org")

	_, ok := c.Reverse("cn=alice,dc=example,dc=org")
	assert.False(t, ok)

	id, ok := c.Reverse("cn=alice,ou=staff,dc=example,dc=org")
	require.True(t, ok)
	assert.Equal(t, guid, id)
}

func TestDNCache_Delete(t *testing.T) {
	c := NewDNCache()
	guid := []byte("0123456789abcdef")

	c.Set(guid, "CN=alice,DC=example,DC=org")
	c.Delete(guid)

	_, ok := c.Get(guid)
	assert.False(t, ok)
	_, ok = c.Reverse("cn=alice,dc=example,dc=org")
	assert.False(t, ok)
}

func TestRawCache_RoundTrip(t *testing.T) {
	c := NewRawCache()
	guid := []byte("0123456789abcdef")

	attrs := map[string][][]byte{"mail": {[]byte("a@b.c")}}
	c.Set(guid, attrs)

	got, ok := c.Get(guid)
	require.True(t, ok)
	assert.Equal(t, attrs, got)

	c.Delete(guid)
	_, ok = c.Get(guid)
	assert.False(t, ok)
}
