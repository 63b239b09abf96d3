package engine

import (
	"sort"
	"strings"

	"github.com/gohugoio/hashstructure"
	"github.com/puzpuzpuz/xsync/v4"

	"codeberg.org/dirbridge/dirbridge/pkg/state"
)

// Side names one of the two directories for cache addressing.
type Side int

const (
	SideLocal Side = iota
	SideRemote
)

// MembershipCache remembers, per group and per side, the member DNs this
// process has itself confirmed as synced. An absent edge therefore means
// "never observed synced", which is the safety rule that keeps the
// reconciler from deleting members added concurrently on the other side.
// The cache is in-memory only; losing it forces conservative
// re-derivation, never destructive writes.
type MembershipCache struct {
	local  *xsync.Map[string, map[string]struct{}]
	remote *xsync.Map[string, map[string]struct{}]
	hashes *xsync.Map[string, uint64]
}

func NewMembershipCache() *MembershipCache {
	return &MembershipCache{
		local:  xsync.NewMap[string, map[string]struct{}](),
		remote: xsync.NewMap[string, map[string]struct{}](),
		hashes: xsync.NewMap[string, uint64](),
	}
}

func (c *MembershipCache) side(s Side) *xsync.Map[string, map[string]struct{}] {
	if s == SideLocal {
		return c.local
	}
	return c.remote
}

// Members returns the confirmed member set; ok is false when the group
// was never observed.
func (c *MembershipCache) Members(s Side, groupDN string) (map[string]struct{}, bool) {
	members, ok := c.side(s).Load(normDN(groupDN))
	if !ok {
		return nil, false
	}
	out := make(map[string]struct{}, len(members))
	for m := range members {
		out[m] = struct{}{}
	}
	return out, true
}

func (c *MembershipCache) Contains(s Side, groupDN, memberDN string) bool {
	members, ok := c.side(s).Load(normDN(groupDN))
	if !ok {
		return false
	}
	_, present := members[normDN(memberDN)]
	return present
}

func (c *MembershipCache) Replace(s Side, groupDN string, memberDNs []string) {
	set := make(map[string]struct{}, len(memberDNs))
	for _, m := range memberDNs {
		set[normDN(m)] = struct{}{}
	}
	key := normDN(groupDN)
	c.side(s).Store(key, set)
	c.hashes.Store(hashKey(s, key), hashMembers(set))
}

// Changed is a cheap pre-check: true when the candidate member set
// differs from the confirmed one (or the group is unknown).
func (c *MembershipCache) Changed(s Side, groupDN string, memberDNs []string) bool {
	stored, ok := c.hashes.Load(hashKey(s, normDN(groupDN)))
	if !ok {
		return true
	}
	set := make(map[string]struct{}, len(memberDNs))
	for _, m := range memberDNs {
		set[normDN(m)] = struct{}{}
	}
	return stored != hashMembers(set)
}

// Rename rewrites every cache key and member edge referring to a DN
// after a move, on the given side.
func (c *MembershipCache) Rename(s Side, oldDN, newDN string) {
	oldKey, newKey := normDN(oldDN), normDN(newDN)
	m := c.side(s)

	if members, ok := m.Load(oldKey); ok {
		m.Delete(oldKey)
		m.Store(newKey, members)
		if h, ok := c.hashes.Load(hashKey(s, oldKey)); ok {
			c.hashes.Delete(hashKey(s, oldKey))
			c.hashes.Store(hashKey(s, newKey), h)
		}
	}

	m.Range(func(groupDN string, members map[string]struct{}) bool {
		if _, ok := members[oldKey]; ok {
			delete(members, oldKey)
			members[newKey] = struct{}{}
			c.hashes.Store(hashKey(s, groupDN), hashMembers(members))
		}
		return true
	})
}

func (c *MembershipCache) Forget(s Side, dn string) {
	key := normDN(dn)
	m := c.side(s)
	m.Delete(key)
	c.hashes.Delete(hashKey(s, key))

	m.Range(func(groupDN string, members map[string]struct{}) bool {
		if _, ok := members[key]; ok {
			delete(members, key)
			c.hashes.Store(hashKey(s, groupDN), hashMembers(members))
		}
		return true
	})
}

func hashMembers(set map[string]struct{}) uint64 {
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	h, err := hashstructure.Hash(members, nil)
	if err != nil {
		return 0
	}
	return h
}

func hashKey(s Side, groupDN string) string {
	if s == SideLocal {
		return "l/" + groupDN
	}
	return "r/" + groupDN
}

func normDN(dn string) string {
	return strings.ToLower(dn)
}

// DNCache remembers the last DN observed for a foreign identifier, the
// in-memory sibling of the durable identity map. The poller consults it
// to tell a move from a plain modify; after a restart unknown entries
// degrade to the conservative classification.
type DNCache struct {
	byID *xsync.Map[string, string]
	byDN *xsync.Map[string, string]
}

func NewDNCache() *DNCache {
	return &DNCache{
		byID: xsync.NewMap[string, string](),
		byDN: xsync.NewMap[string, string](),
	}
}

func (c *DNCache) Get(foreignID []byte) (string, bool) {
	return c.byID.Load(state.EncodeID(foreignID))
}

func (c *DNCache) Reverse(dn string) ([]byte, bool) {
	key, ok := c.byDN.Load(normDN(dn))
	if !ok {
		return nil, false
	}
	id, err := state.DecodeID(key)
	if err != nil {
		return nil, false
	}
	return id, true
}

func (c *DNCache) Set(foreignID []byte, dn string) {
	key := state.EncodeID(foreignID)
	if prev, ok := c.byID.Load(key); ok {
		c.byDN.Delete(normDN(prev))
	}
	c.byID.Store(key, dn)
	c.byDN.Store(normDN(dn), key)
}

func (c *DNCache) Delete(foreignID []byte) {
	key := state.EncodeID(foreignID)
	if prev, ok := c.byID.Load(key); ok {
		c.byDN.Delete(normDN(prev))
	}
	c.byID.Delete(key)
}

// RawCache keeps the last raw attribute set seen per foreign object, so
// a modify can be diffed incrementally. On a miss the engine falls back
// to idempotent replace-style modifications.
type RawCache struct {
	entries *xsync.Map[string, map[string][][]byte]
}

func NewRawCache() *RawCache {
	return &RawCache{entries: xsync.NewMap[string, map[string][][]byte]()}
}

func (c *RawCache) Get(foreignID []byte) (map[string][][]byte, bool) {
	return c.entries.Load(state.EncodeID(foreignID))
}

func (c *RawCache) Set(foreignID []byte, attrs map[string][][]byte) {
	c.entries.Store(state.EncodeID(foreignID), attrs)
}

func (c *RawCache) Delete(foreignID []byte) {
	c.entries.Delete(state.EncodeID(foreignID))
}
