package util

import "time"

// Clock abstracts wall time so refund-window and expiry arithmetic can
// run against a fake clock in tests. The engine and the sim chain share
// one instance per process.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock delegates to the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
