// Package retention purges session data past each plan's retention
// window.
package retention

import (
	"context"
	"log"
	"time"

	"github.com/feynmed/teachback/internal/config"
	"github.com/feynmed/teachback/internal/store"
)

// Enforcer sweeps expired sessions on a fixed interval. Deletion is
// keyed on the plan the session was created under, so a plan change
// never retroactively shortens a stored session's window.
type Enforcer struct {
	store    store.Store
	plans    map[string]config.PlanLimits
	interval time.Duration
	now      func() time.Time
}

func NewEnforcer(st store.Store, plans map[string]config.PlanLimits, interval time.Duration) *Enforcer {
	return &Enforcer{
		store:    st,
		plans:    plans,
		interval: interval,
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (e *Enforcer) SetClock(now func() time.Time) { e.now = now }

// Run sweeps until ctx is cancelled.
func (e *Enforcer) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.SweepOnce(ctx); err != nil {
				log.Printf("retention: sweep failed: %v", err)
			}
		}
	}
}

// SweepOnce deletes everything past its plan's window in one pass.
// Plans with a non-positive retention keep data indefinitely.
func (e *Enforcer) SweepOnce(ctx context.Context) error {
	now := e.now()
	for plan, limits := range e.plans {
		if limits.RetentionDays <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -limits.RetentionDays)
		deleted, err := e.store.DeleteSessionsBefore(ctx, plan, cutoff)
		if err != nil {
			return err
		}
		if deleted > 0 {
			log.Printf("retention: purged %d sessions for plan %s older than %s", deleted, plan, cutoff.Format(time.RFC3339))
		}
	}
	return nil
}
