// Package clock abstracts wall time so schedulers can be tested
// without real waiting.
package clock

import "time"

// Clock provides the current time and timer channels. Engine code that
// sleeps does so via After in a select, alongside its cancel signal.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is the production clock backed by the time package.
type Real struct{}

// NewReal returns the production clock.
func NewReal() *Real {
	return &Real{}
}

func (*Real) Now() time.Time {
	return time.Now()
}

func (*Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
