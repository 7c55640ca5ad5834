// Package ratelimit provides the per-connection admission limiter.
//
// The limiter is a sliding-window counter: at most N admissions per window.
// One limiter is created per client connection; it is not shared across
// connections or sessions.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultLimit is the default number of admissions per window.
const DefaultLimit = 30

// DefaultWindow is the default sliding-window length.
const DefaultWindow = time.Minute

// SlidingWindow admits at most limit events per window. It is safe for
// concurrent use, though a connection's read loop is its usual single caller.
type SlidingWindow struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	stamps []time.Time
}

// NewSlidingWindow creates a limiter admitting limit events per window.
// Non-positive arguments fall back to the defaults.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
		stamps: make([]time.Time, 0, limit),
	}
}

// Allow reports whether an event arriving at now is admitted. Timestamps
// older than now-window are evicted first; if the remaining count is below
// the limit the event is admitted and recorded, otherwise it is refused
// without being recorded.
func (s *SlidingWindow) Allow(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.window)
	kept := s.stamps[:0]
	for _, ts := range s.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.stamps = kept

	if len(s.stamps) >= s.limit {
		return false
	}
	s.stamps = append(s.stamps, now)
	return true
}

// Len returns the number of admissions currently inside the window, without
// evicting. Primarily useful in tests.
func (s *SlidingWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stamps)
}
