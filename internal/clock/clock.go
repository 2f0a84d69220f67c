// Package clock provides the wall clock used for every expiry and TTL
// computation in the engine. Components take a Clock instead of calling
// time.Now directly so tests can drive time deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock is the single time source consumed by the engine.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns a Clock backed by the real wall clock.
func System() Clock { return systemClock{} }

// Fake is a manually driven Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock frozen at the given time.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
