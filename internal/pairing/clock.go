package pairing

import "time"

// Clock abstracts wall time and timer scheduling so session TTL, idle
// expiry and retry backoff can run on virtual time in tests.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules fn to run in its own goroutine after d.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired.
	Stop() bool
}

type systemClock struct{}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
