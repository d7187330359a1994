// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time operations for testability. Production
// code injects Real(); tests inject Fake() with deterministic time
// control. Every Chronicle function that calls time.Now, time.After,
// or time.NewTicker accepts a Clock (or is a method on a struct with a
// Clock field) instead of calling the time package directly.
package clock

import "time"

// Clock is the time source injected into components that make
// time-based decisions (queue lease expiry, runner duration logging,
// dispatcher polling).
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. Equivalent to time.After.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker that delivers ticks on its C channel
	// at the specified interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer. Read ticks from C. Call Stop when the
// Ticker is no longer needed to release resources.
type Ticker struct {
	// C delivers ticks. Buffered with capacity 1; if the consumer
	// falls behind, ticks are dropped rather than queued.
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No more ticks will be sent on C after
// Stop returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
