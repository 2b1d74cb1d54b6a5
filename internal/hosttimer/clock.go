package hosttimer

import "time"

var processStart = time.Now()

// fallbackNow is a monotonic reading relative to process start.
func fallbackNow() int64 {
	return int64(time.Since(processStart))
}
