package mapping

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// CompareFunc reports whether two value sets are equal under a rule's
// normalization, in which case the attribute sync is a no-op.
type CompareFunc func(old, new [][]byte) bool

// TransformFunc rewrites a single value toward the target side's
// representation.
type TransformFunc func(value []byte, dir Direction) ([]byte, error)

var builtinCompares = map[string]CompareFunc{
	"exact":            compareExact,
	"case-insensitive": compareFold,
	"sid":              compareSID,
}

var builtinTransforms = map[string]TransformFunc{
	"windows-filetime-days":    transformFiletimeDays,
	"windows-filetime-seconds": transformFiletimeSeconds,
	"lowercase":                transformLowercase,
}

func compareExact(old, new [][]byte) bool {
	return setsEqual(old, new, func(v []byte) string { return string(v) })
}

func compareFold(old, new [][]byte) bool {
	return setsEqual(old, new, func(v []byte) string { return strings.ToLower(string(v)) })
}

// compareSID treats a binary SID and its string form as equal and only
// considers the RID, so a resource-domain prefix rewrite is a no-op.
func compareSID(old, new [][]byte) bool {
	return setsEqual(old, new, func(v []byte) string {
		s := NormalizeSID(v)
		if idx := strings.LastIndex(s, "-"); idx >= 0 {
			return s[idx+1:]
		}
		return s
	})
}

func setsEqual(old, new [][]byte, norm func([]byte) string) bool {
	if len(old) != len(new) {
		return false
	}
	seen := make(map[string]int, len(old))
	for _, v := range old {
		seen[norm(v)]++
	}
	for _, v := range new {
		key := norm(v)
		if seen[key] == 0 {
			return false
		}
		seen[key]--
	}
	return true
}

// NormalizeSID renders a SID in S-1-... form. Values that already look
// textual pass through unchanged.
func NormalizeSID(v []byte) string {
	if len(v) == 0 {
		return ""
	}
	if v[0] == 'S' || v[0] == 's' {
		return strings.ToUpper(string(v))
	}
	if len(v) < 8 {
		return string(v)
	}

	revision := v[0]
	subCount := int(v[1])
	authority := uint64(0)
	for i := 2; i < 8; i++ {
		authority = authority<<8 | uint64(v[i])
	}

	var b strings.Builder
	fmt.Fprintf(&b, "S-%d-%d", revision, authority)
	for i := 0; i < subCount && 8+4*(i+1) <= len(v); i++ {
		sub := binary.LittleEndian.Uint32(v[8+4*i:])
		fmt.Fprintf(&b, "-%d", sub)
	}
	return b.String()
}

func transformFiletimeDays(value []byte, dir Direction) ([]byte, error) {
	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("non-numeric time value %q: %w", value, err)
	}
	if dir == RemoteToLocal {
		return []byte(strconv.FormatInt(WindowsToUnixDay(n), 10)), nil
	}
	return []byte(strconv.FormatInt(UnixDayToWindows(n), 10)), nil
}

func transformFiletimeSeconds(value []byte, dir Direction) ([]byte, error) {
	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("non-numeric time value %q: %w", value, err)
	}
	if dir == RemoteToLocal {
		return []byte(strconv.FormatInt(WindowsToUnixSeconds(n), 10)), nil
	}
	return []byte(strconv.FormatInt(UnixSecondsToWindows(n), 10)), nil
}

func transformLowercase(value []byte, dir Direction) ([]byte, error) {
	return []byte(strings.ToLower(string(value))), nil
}
