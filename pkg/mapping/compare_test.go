package mapping

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func binarySID(authority byte, subAuths ...uint32) []byte {
	sid := make([]byte, 8+4*len(subAuths))
	sid[0] = 1
	sid[1] = byte(len(subAuths))
	sid[7] = authority
	for i, sub := range subAuths {
		binary.LittleEndian.PutUint32(sid[8+4*i:], sub)
	}
	return sid
}

func TestNormalizeSID_Binary(t *testing.T) {
	sid := binarySID(5, 21, 1004336348, 1177238915, 512)
	assert.Equal(t, "S-1-5-21-1004336348-1177238915-512", NormalizeSID(sid))
}

func TestNormalizeSID_TextPassthrough(t *testing.T) {
	assert.Equal(t, "S-1-5-32-544", NormalizeSID([]byte("s-1-5-32-544")))
}

func TestCompareSID_RIDOnly(t *testing.T) {
	cmp := builtinCompares["sid"]
	require.NotNil(t, cmp)

	// Same RID under different domain prefixes compares equal.
	old := [][]byte{binarySID(5, 21, 111, 222, 512)}
	new := [][]byte{[]byte("S-1-5-21-999-888-512")}
	assert.True(t, cmp(old, new))

	new = [][]byte{[]byte("S-1-5-21-999-888-513")}
	assert.False(t, cmp(old, new))
}

func TestCompareFold_IgnoresCase(t *testing.T) {
	cmp := builtinCompares["case-insensitive"]
	assert.True(t, cmp(
		[][]byte{[]byte("Alice@Example.Org")},
		[][]byte{[]byte("alice@example.org")},
	))
	assert.False(t, cmp(
		[][]byte{[]byte("alice@example.org")},
		[][]byte{[]byte("bob@example.org")},
	))
}

func TestCompareExact_MultiValueSet(t *testing.T) {
	cmp := builtinCompares["exact"]

	// Order must not matter.
	assert.True(t, cmp(
		[][]byte{[]byte("a"), []byte("b")},
		[][]byte{[]byte("b"), []byte("a")},
	))
	assert.False(t, cmp(
		[][]byte{[]byte("a"), []byte("a")},
		[][]byte{[]byte("a"), []byte("b")},
	))
}

func TestTransformFiletimeDays_BothDirections(t *testing.T) {
	tf := builtinTransforms["windows-filetime-days"]

	out, err := tf([]byte("19000"), LocalToRemote)
	require.NoError(t, err)

	back, err := tf(out, RemoteToLocal)
	require.NoError(t, err)
	assert.Equal(t, "19000", string(back))
}

func TestTransformFiletimeDays_NonNumeric(t *testing.T) {
	tf := builtinTransforms["windows-filetime-days"]
	_, err := tf([]byte("never"), LocalToRemote)
	assert.Error(t, err)
}
