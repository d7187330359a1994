// Copyright 2026 The Chronicle Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeNowAdvances(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clk := Fake(start)

	if got := clk.Now(); !got.Equal(start) {
		t.Errorf("Now = %v, want %v", got, start)
	}
	clk.Advance(90 * time.Second)
	if got, want := clk.Now(), start.Add(90*time.Second); !got.Equal(want) {
		t.Errorf("Now after Advance = %v, want %v", got, want)
	}
}

func TestFakeAfter(t *testing.T) {
	t.Parallel()

	clk := Fake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	ch := clk.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("After fired before the deadline")
	default:
	}

	clk.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired halfway to the deadline")
	default:
	}

	clk.Advance(30 * time.Second)
	select {
	case fired := <-ch:
		if want := clk.Now(); !fired.Equal(want) {
			t.Errorf("fired at %v, want %v", fired, want)
		}
	default:
		t.Fatal("After did not fire at the deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	t.Parallel()

	clk := Fake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	select {
	case <-clk.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeTicker(t *testing.T) {
	t.Parallel()

	clk := Fake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	ticker := clk.NewTicker(time.Second)
	defer ticker.Stop()

	clk.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after one interval")
	}

	// Multiple elapsed intervals with a behind consumer deliver one
	// tick, like time.Ticker.
	clk.Advance(5 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after several intervals")
	}
	select {
	case <-ticker.C:
		t.Fatal("ticker buffered more than one pending tick")
	default:
	}
}

func TestFakeTickerStop(t *testing.T) {
	t.Parallel()

	clk := Fake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	ticker := clk.NewTicker(time.Second)
	ticker.Stop()

	clk.Advance(3 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestRealClock(t *testing.T) {
	t.Parallel()

	clk := Real()
	before := time.Now()
	now := clk.Now()
	after := time.Now()
	if now.Before(before) || now.After(after) {
		t.Errorf("Real().Now() = %v outside [%v, %v]", now, before, after)
	}

	select {
	case <-clk.After(time.Millisecond):
	case <-time.After(5 * time.Second):
		t.Fatal("Real().After never fired")
	}
}
