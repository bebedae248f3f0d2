package bus

import "time"

// Clock provides time operations for testability.
// Use RealClock for production and a fake in tests to drive the
// coalescing cadence deterministically.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }
