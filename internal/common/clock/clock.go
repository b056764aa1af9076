// Package clock provides an injectable time source so polling and timeout
// logic can be unit-tested without real wall-clock delays.
package clock

import (
	"context"
	"time"
)

// Timer is a cancellable, resettable one-shot timer.
type Timer interface {
	// Stop prevents the timer from firing. Returns false if the timer
	// already fired or was stopped.
	Stop() bool

	// Reset re-arms the timer with a new duration.
	Reset(d time.Duration) bool
}

// Clock abstracts the time operations used by the orchestrator.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc arms a timer that calls f after d elapses.
	AfterFunc(d time.Duration, f func()) Timer

	// Sleep blocks for d or until the context is cancelled.
	Sleep(ctx context.Context, d time.Duration) error
}

// realClock delegates to the time package.
type realClock struct{}

// New returns a Clock backed by real wall-clock time.
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
