// Package nonce issues strictly increasing per-key nonces seeded from wall-clock milliseconds.
package nonce

import (
	"sync/atomic"
	"time"
)

// Source hands out nonces for one signing key.
// The zero value is not usable; construct with New or NewWithClock.
type Source struct {
	last  atomic.Uint64
	clock func() time.Time
}

// New creates a Source backed by time.Now.
func New() *Source {
	return NewWithClock(time.Now)
}

// NewWithClock creates a Source that reads the given clock.
func NewWithClock(clock func() time.Time) *Source {
	return &Source{clock: clock}
}

// Next returns max(now_ms, last+1). It never blocks and never repeats a value,
// even when called concurrently or when the clock steps backwards.
func (s *Source) Next() uint64 {
	for {
		prev := s.last.Load()
		curr := uint64(s.clock().UnixMilli())
		if curr <= prev {
			curr = prev + 1
		}
		if s.last.CompareAndSwap(prev, curr) {
			return curr
		}
	}
}

// Last returns the most recently issued nonce, or zero.
func (s *Source) Last() uint64 {
	return s.last.Load()
}

// Observe raises the floor so the next nonce is strictly greater than n.
// Used after the exchange reports a nonce it has already seen.
func (s *Source) Observe(n uint64) {
	for {
		prev := s.last.Load()
		if n <= prev || s.last.CompareAndSwap(prev, n) {
			return
		}
	}
}
