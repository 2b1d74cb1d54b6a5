//go:build !linux

package hosttimer

// MonotonicClock returns the Go runtime's monotonic clock.
func MonotonicClock() Clock {
	return ClockFunc(fallbackNow)
}
