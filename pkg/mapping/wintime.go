package mapping

// Windows stores timestamps as 100-nanosecond intervals since 1601-01-01,
// the local side counts days since the Unix epoch (shadowExpire style).
// Zero and the maximum int64 both mean "never expires" on the Windows
// side; the local sentinel for that is zero.
const (
	windowsEpochOffset = int64(116444736000000000)
	windowsTimeNever   = int64(9223372036854775807)
	ticksPerSecond     = int64(10_000_000)
	secondsPerDay      = int64(86400)
)

func UnixDayToWindows(days int64) int64 {
	if days <= 0 {
		return windowsTimeNever
	}
	return days*secondsPerDay*ticksPerSecond + windowsEpochOffset
}

func WindowsToUnixDay(ticks int64) int64 {
	if ticks == 0 || ticks == windowsTimeNever {
		return 0
	}
	return (ticks - windowsEpochOffset) / ticksPerSecond / secondsPerDay
}

func UnixSecondsToWindows(seconds int64) int64 {
	if seconds <= 0 {
		return windowsTimeNever
	}
	return seconds*ticksPerSecond + windowsEpochOffset
}

func WindowsToUnixSeconds(ticks int64) int64 {
	if ticks == 0 || ticks == windowsTimeNever {
		return 0
	}
	return (ticks - windowsEpochOffset) / ticksPerSecond
}
