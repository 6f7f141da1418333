package httpconn

import (
	"time"

	"github.com/newacorn/goutils/unsafefn"
)

// Clock returns monotonic nanoseconds. All deadlines kept by TimeoutControl
// are expressed on this scale.
type Clock interface {
	Now() int64
}

// SystemClock reads the runtime's monotonic clock.
type SystemClock struct{}

func (SystemClock) Now() int64 {
	return absoluteNano()
}

var (
	startTimeUTC      = time.Now().UTC()
	startAbsoluteNano = unsafefn.NanoTime()
)

// absoluteToUTC converts a clock reading to wall time for log output.
func absoluteToUTC(n int64) time.Time {
	return startTimeUTC.Add(time.Duration(n - startAbsoluteNano))
}

func absoluteNano() int64 {
	return unsafefn.NanoTime()
}
