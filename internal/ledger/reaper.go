package ledger

import (
	"context"
	"time"
)

// RunReaper sweeps expired checkout records until ctx is cancelled.
// Expiry reclamation takes the same per-license exclusive section as
// explicit check-in and extend, so a sweep can never double-release
// capacity or race a concurrent extend on the same token.
func (l *Ledger) RunReaper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := l.Sweep(ctx); n > 0 {
				l.logger.InfoContext(ctx, "expired checkouts reclaimed", "count", n)
			}
		}
	}
}

// Sweep reclaims every overdue record and reports how many it expired.
// Exposed so tests can drive expiry deterministically.
func (l *Ledger) Sweep(ctx context.Context) int {
	l.mu.RLock()
	states := make([]*licenseState, 0, len(l.states))
	for _, s := range l.states {
		states = append(states, s)
	}
	l.mu.RUnlock()

	now := l.clock.Now()
	expired := 0
	for _, state := range states {
		state.mu.Lock()
		for _, rec := range state.records {
			if rec.Status == StatusIssued && !now.Before(rec.Expiration) {
				l.expireLocked(ctx, state, rec)
				expired++
			}
		}
		state.mu.Unlock()
	}
	return expired
}
