package ratelimit_test

import (
	"testing"
	"time"

	"github.com/kapellhq/kapell/internal/ratelimit"
)

func TestAllow_UpToLimit(t *testing.T) {
	t.Parallel()

	lim := ratelimit.NewSlidingWindow(3, time.Minute)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !lim.Allow(now.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("admission %d: want allowed", i+1)
		}
	}
	if lim.Allow(now.Add(3 * time.Second)) {
		t.Error("admission 4: want refused")
	}
}

func TestAllow_RefusalDoesNotConsume(t *testing.T) {
	t.Parallel()

	lim := ratelimit.NewSlidingWindow(1, time.Minute)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	if !lim.Allow(now) {
		t.Fatal("first admission: want allowed")
	}
	// Hammering a full window must not extend it.
	for i := 0; i < 10; i++ {
		if lim.Allow(now.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("admission during full window: want refused")
		}
	}
	if got := lim.Len(); got != 1 {
		t.Errorf("recorded admissions: want 1, got %d", got)
	}
}

func TestAllow_WindowSlides(t *testing.T) {
	t.Parallel()

	lim := ratelimit.NewSlidingWindow(2, time.Minute)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	if !lim.Allow(now) || !lim.Allow(now.Add(time.Second)) {
		t.Fatal("initial admissions: want allowed")
	}
	if lim.Allow(now.Add(2 * time.Second)) {
		t.Fatal("third admission inside window: want refused")
	}

	// 61s after the first admission, one slot has expired.
	later := now.Add(61 * time.Second)
	if !lim.Allow(later) {
		t.Error("admission after window slides: want allowed")
	}
	// The second original stamp (now+1s) is still inside the window.
	if lim.Allow(later) {
		t.Error("want refused, window holds two admissions again")
	}
}

func TestNewSlidingWindow_Defaults(t *testing.T) {
	t.Parallel()

	lim := ratelimit.NewSlidingWindow(0, 0)
	now := time.Now()
	for i := 0; i < ratelimit.DefaultLimit; i++ {
		if !lim.Allow(now) {
			t.Fatalf("default limiter refused admission %d", i+1)
		}
	}
	if lim.Allow(now) {
		t.Errorf("default limiter admitted more than %d events", ratelimit.DefaultLimit)
	}
}
