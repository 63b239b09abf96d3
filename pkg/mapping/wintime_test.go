package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnixDayToWindows_RoundTrip(t *testing.T) {
	days := int64(19000)
	ticks := UnixDayToWindows(days)
	assert.Equal(t, days, WindowsToUnixDay(ticks))
}

func TestUnixDayToWindows_NeverSentinel(t *testing.T) {
	assert.Equal(t, windowsTimeNever, UnixDayToWindows(0))
	assert.Equal(t, windowsTimeNever, UnixDayToWindows(-1))
}

func TestWindowsToUnixDay_Sentinels(t *testing.T) {
	assert.Equal(t, int64(0), WindowsToUnixDay(0))
	assert.Equal(t, int64(0), WindowsToUnixDay(windowsTimeNever))
}

func TestUnixSecondsToWindows_RoundTrip(t *testing.T) {
	seconds := int64(1700000000)
	ticks := UnixSecondsToWindows(seconds)
	assert.Equal(t, seconds, WindowsToUnixSeconds(ticks))
}

func TestUnixSecondsToWindows_EpochOffset(t *testing.T) {
	// One second past the Unix epoch lands exactly one tick-second past
	// the 1601 offset.
	assert.Equal(t, windowsEpochOffset+ticksPerSecond, UnixSecondsToWindows(1))
}
