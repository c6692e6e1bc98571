// Package ratelimit implements an in-process sliding-window limiter.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaitTimeout is returned when admission was not granted within maxWait.
var ErrWaitTimeout = errors.New("rate limit wait timed out")

// DefaultPollInterval is how often WaitUntilAllowed re-checks admission.
const DefaultPollInterval = time.Second

// SlidingWindow admits at most MaxRequests per key within any Window.
// State is per process; it has no view of other instances.
type SlidingWindow struct {
	maxRequests int
	window      time.Duration

	mu      sync.Mutex
	history map[string][]time.Time

	now  func() time.Time
	poll time.Duration
}

// NewSlidingWindow returns a limiter allowing maxRequests per window.
func NewSlidingWindow(maxRequests int, window time.Duration) *SlidingWindow {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &SlidingWindow{
		maxRequests: maxRequests,
		window:      window,
		history:     make(map[string][]time.Time),
		now:         time.Now,
		poll:        DefaultPollInterval,
	}
}

// WithClock replaces the time source.
func (s *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	s.now = now
	return s
}

// WithPollInterval changes the WaitUntilAllowed re-check interval.
func (s *SlidingWindow) WithPollInterval(d time.Duration) *SlidingWindow {
	if d > 0 {
		s.poll = d
	}
	return s
}

// Acquire records a request for key and reports whether it was admitted.
// Rejected attempts are not recorded.
func (s *SlidingWindow) Acquire(key string) bool {
	return s.AcquireN(key, s.maxRequests, s.window)
}

// AcquireN is Acquire with a per-call limit and window, sharing the same
// timestamp log as Acquire.
func (s *SlidingWindow) AcquireN(key string, limit int, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	kept := s.prune(key, now, window)
	if len(kept) >= limit {
		return false
	}
	s.history[key] = append(kept, now)
	return true
}

// Remaining returns how many requests key may still make in the current window.
func (s *SlidingWindow) Remaining(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	left := s.maxRequests - len(s.prune(key, s.now(), s.window))
	if left < 0 {
		return 0
	}
	return left
}

// Count returns the number of admitted requests for key inside window.
func (s *SlidingWindow) Count(key string, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prune(key, s.now(), window))
}

// Reset forgets all history for key.
func (s *SlidingWindow) Reset(key string) {
	s.mu.Lock()
	delete(s.history, key)
	s.mu.Unlock()
}

// WaitUntilAllowed polls Acquire until it succeeds, maxWait elapses or ctx ends.
func (s *SlidingWindow) WaitUntilAllowed(ctx context.Context, key string, maxWait time.Duration) error {
	return WaitFor(ctx, func(context.Context) bool { return s.Acquire(key) }, maxWait, s.poll)
}

// prune drops timestamps outside window and must be called with mu held.
func (s *SlidingWindow) prune(key string, now time.Time, window time.Duration) []time.Time {
	entries := s.history[key]
	cutoff := now.Add(-window)
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	if i == len(entries) {
		delete(s.history, key)
		return nil
	}
	kept := entries[i:]
	s.history[key] = kept
	return kept
}

// WaitFor calls allow until it returns true, polling every poll interval.
// It returns ErrWaitTimeout once maxWait has elapsed, or ctx.Err().
func WaitFor(ctx context.Context, allow func(context.Context) bool, maxWait, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	deadline := time.Now().Add(maxWait)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if allow(ctx) {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrWaitTimeout
		}
		wait := poll
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
