package platform

import (
	"testing"
	"time"
)

func TestFakeClockAdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewFakeClock(start)

	ch := clk.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("waiter fired before deadline")
	default:
	}

	clk.Advance(5 * time.Second)

	select {
	case got := <-ch:
		want := start.Add(5 * time.Second)
		if !got.Equal(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	default:
		t.Fatal("waiter did not fire after Advance")
	}
}

func TestFakeClockAfterZeroFiresImmediately(t *testing.T) {
	clk := NewFakeClock(time.Now())
	ch := clk.After(0)
	select {
	case <-ch:
	default:
		t.Fatal("expected immediate fire for non-positive duration")
	}
}

func TestFakeClockNowAdvances(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewFakeClock(start)
	clk.Advance(time.Hour)
	if !clk.Now().Equal(start.Add(time.Hour)) {
		t.Fatalf("expected Now() to reflect the advance, got %v", clk.Now())
	}
}
