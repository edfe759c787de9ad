package time2

import (
	"time"
)

// These methods are all equivalent to those provided by the time package.
// Components that make time based decisions (e.g., server restoration) take
// a Clock so that tests can drive time explicitly.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

type realClock struct{}

func NewRealClock() Clock {
	return &realClock{}
}

func (c *realClock) Now() time.Time {
	return time.Now()
}

func (c *realClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

var DefaultClock = NewRealClock()
