// Package pool tracks entitlement capacity: the declared maximum per
// entitlement definition versus the quantity currently checked out.
// A Set holds every pool of one license and serializes all mutation, so
// reserve/release sequences against the same license are linearizable.
package pool

import (
	"sync"

	"licensed/internal/errors"
)

// Definition is the immutable capacity declaration of one entitlement.
type Definition struct {
	Name         string
	Unit         string
	MaxCount     int64
	Overage      bool
	AllowCheckIn bool
}

// Usage is a point-in-time consumption snapshot of one pool.
type Usage struct {
	Name     string `json:"name"`
	Unit     string `json:"unit"`
	MaxCount int64  `json:"max_count"`
	Consumed int64  `json:"consumed"`
}

type entry struct {
	def      Definition
	consumed int64
}

// Set holds the entitlement pools of a single license.
type Set struct {
	mu    sync.Mutex
	pools map[string]*entry
}

// NewSet builds pools from the license's entitlement definitions.
func NewSet(defs []Definition) *Set {
	pools := make(map[string]*entry, len(defs))
	for _, d := range defs {
		pools[d.Name] = &entry{def: d}
	}
	return &Set{pools: pools}
}

// Definition returns the capacity declaration of the named pool.
func (s *Set) Definition(name string) (Definition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pools[name]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Reserve atomically attempts to reserve qty units. Pools with overage
// enabled always grant in full. Otherwise the grant is capped at the
// remaining capacity: with allowPartial the caller gets min(qty,
// remaining) (possibly zero), without it an insufficient pool fails with
// CapacityExceeded.
func (s *Set) Reserve(name string, qty int64, allowPartial bool) (int64, error) {
	if qty <= 0 {
		return 0, errors.ErrInvalidRequest.WithMessagef("reserve quantity must be positive, got %d", qty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pools[name]
	if !ok {
		return 0, errors.ErrEntitlementNotFound.WithMessagef("entitlement %q is not defined on the license", name)
	}

	if e.def.Overage {
		e.consumed += qty
		return qty, nil
	}

	remaining := e.def.MaxCount - e.consumed
	if remaining <= 0 {
		if allowPartial {
			return 0, nil
		}
		return 0, errors.ErrCapacityExceeded.WithMessagef(
			"entitlement %q has no remaining capacity (max %d)", name, e.def.MaxCount)
	}

	granted := qty
	if qty > remaining {
		if !allowPartial {
			return 0, errors.ErrCapacityExceeded.WithMessagef(
				"entitlement %q has %d of %d remaining, requested %d", name, remaining, e.def.MaxCount, qty)
		}
		granted = remaining
	}

	e.consumed += granted
	return granted, nil
}

// Release returns qty units to the pool. Releasing against an unknown
// pool is a no-op (the license was already deleted); consumption is
// clamped at zero so a double release cannot create phantom capacity.
func (s *Set) Release(name string, qty int64) {
	if qty <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pools[name]
	if !ok {
		return
	}
	e.consumed -= qty
	if e.consumed < 0 {
		e.consumed = 0
	}
}

// Remaining reports the capacity still available in the named pool.
// Overage pools report the nominal remainder, which may be negative.
func (s *Set) Remaining(name string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pools[name]
	if !ok {
		return 0, false
	}
	return e.def.MaxCount - e.consumed, true
}

// Snapshot returns the current usage of every pool, ordered as defined.
func (s *Set) Snapshot() []Usage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Usage, 0, len(s.pools))
	for _, e := range s.pools {
		out = append(out, Usage{
			Name:     e.def.Name,
			Unit:     e.def.Unit,
			MaxCount: e.def.MaxCount,
			Consumed: e.consumed,
		})
	}
	return out
}
