//go:build linux

package hosttimer

import "golang.org/x/sys/unix"

// MonotonicClock returns CLOCK_MONOTONIC, the clock timerfd deadlines use.
func MonotonicClock() Clock {
	return ClockFunc(func() int64 {
		var ts unix.Timespec
		if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
			return fallbackNow()
		}
		return ts.Nano()
	})
}
