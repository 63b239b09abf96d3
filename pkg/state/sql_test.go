package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSQLiteStore(t *testing.T, connector string) *SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "state.db")
	s, err := NewSQLStore(connector, "sqlite", dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStore_CursorRoundTrip(t *testing.T) {
	s := newSQLiteStore(t, "test/inbound")
	ctx := context.Background()

	usn, err := s.LastUSN(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), usn)

	require.NoError(t, s.SetLastUSN(ctx, 42))
	require.NoError(t, s.SetLastUSN(ctx, 4711))

	usn, err = s.LastUSN(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4711), usn)
}

func TestSQLStore_MappingRoundTrip(t *testing.T) {
	s := newSQLiteStore(t, "test/inbound")
	ctx := context.Background()
	id := []byte{0xde, 0xad, 0xbe, 0xef}

	_, err := s.Resolve(ctx, "user", id)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Record(ctx, "user", id, "uid=alice,dc=example,dc=org"))

	dn, err := s.Resolve(ctx, "user", id)
	require.NoError(t, err)
	assert.Equal(t, "uid=alice,dc=example,dc=org", dn)

	// An empty property type matches any mapping.
	dn, err = s.Resolve(ctx, "", id)
	require.NoError(t, err)
	assert.Equal(t, "uid=alice,dc=example,dc=org", dn)

	_, err = s.Resolve(ctx, "group", id)
	assert.ErrorIs(t, err, ErrNotFound)

	m, err := s.ResolveReverse(ctx, "uid=alice,dc=example,dc=org")
	require.NoError(t, err)
	assert.Equal(t, "user", m.PropertyType)
	assert.Equal(t, id, m.ForeignID)
}

func TestSQLStore_RecordOverwritesExisting(t *testing.T) {
	s := newSQLiteStore(t, "test/inbound")
	ctx := context.Background()
	id := []byte{1, 2, 3}

	require.NoError(t, s.Record(ctx, "user", id, "uid=alice,dc=example,dc=org"))
	require.NoError(t, s.Record(ctx, "user", id, "uid=alice,ou=staff,dc=example,dc=org"))

	dn, err := s.Resolve(ctx, "user", id)
	require.NoError(t, err)
	assert.Equal(t, "uid=alice,ou=staff,dc=example,dc=org", dn)
}

func TestSQLStore_Forget(t *testing.T) {
	s := newSQLiteStore(t, "test/inbound")
	ctx := context.Background()
	id := []byte{1, 2, 3}

	require.NoError(t, s.Record(ctx, "user", id, "uid=alice,dc=example,dc=org"))
	require.NoError(t, s.Forget(ctx, id))

	_, err := s.Resolve(ctx, "user", id)
	assert.ErrorIs(t, err, ErrNotFound)

	// Forgetting an unknown identifier is not an error.
	require.NoError(t, s.Forget(ctx, []byte{9, 9, 9}))
}

func TestSQLStore_RejectsOrderedByUSN(t *testing.T) {
	s := newSQLiteStore(t, "test/inbound")
	ctx := context.Background()

	require.NoError(t, s.PutReject(ctx, 300, "cn=c,dc=example,dc=org"))
	require.NoError(t, s.PutReject(ctx, 100, "cn=a,dc=example,dc=org"))
	require.NoError(t, s.PutReject(ctx, 200, "cn=b,dc=example,dc=org"))

	// Re-parking the same USN updates in place.
	require.NoError(t, s.PutReject(ctx, 200, "cn=b2,dc=example,dc=org"))

	rejects, err := s.ListRejects(ctx)
	require.NoError(t, err)
	require.Len(t, rejects, 3)
	assert.Equal(t, Reject{USN: 100, DN: "cn=a,dc=example,dc=org"}, rejects[0])
	assert.Equal(t, Reject{USN: 200, DN: "cn=b2,dc=example,dc=org"}, rejects[1])
	assert.Equal(t, Reject{USN: 300, DN: "cn=c,dc=example,dc=org"}, rejects[2])

	require.NoError(t, s.RemoveReject(ctx, 200))
	rejects, err = s.ListRejects(ctx)
	require.NoError(t, err)
	require.Len(t, rejects, 2)
	assert.Equal(t, uint64(100), rejects[0].USN)
	assert.Equal(t, uint64(300), rejects[1].USN)
}

func TestSQLStore_ConnectorsAreIsolated(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "state.db")

	inbound, err := NewSQLStore("test/inbound", "sqlite", dsn, zap.NewNop())
	require.NoError(t, err)
	defer inbound.Close()

	outbound, err := NewSQLStore("test/outbound", "sqlite", dsn, zap.NewNop())
	require.NoError(t, err)
	defer outbound.Close()

	ctx := context.Background()
	require.NoError(t, inbound.SetLastUSN(ctx, 100))
	require.NoError(t, outbound.SetLastUSN(ctx, 7))
	require.NoError(t, inbound.PutReject(ctx, 5, "cn=a,dc=example,dc=org"))

	usn, err := outbound.LastUSN(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), usn)

	rejects, err := outbound.ListRejects(ctx)
	require.NoError(t, err)
	assert.Empty(t, rejects)
}

func TestEncodeID_RoundTrip(t *testing.T) {
	id := []byte{0x00, 0xff, 0x10, 0x20}
	decoded, err := DecodeID(EncodeID(id))
	require.NoError(t, err)
	assert.Equal(t, id, decoded)
}
