// Package quota enforces the per-plan daily session budget. The
// counters live in their own table namespace; no other feature shares
// or drains them.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/feynmed/teachback/internal/config"
	"github.com/feynmed/teachback/internal/store"
)

// QuotaExceededError is a terminal user-facing rejection. It carries
// the unchanged remaining quota and the next reset instant.
type QuotaExceededError struct {
	Remaining int
	ResetsAt  time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily session quota exceeded: %d units remaining, resets at %s", e.Remaining, e.ResetsAt.Format(time.RFC3339))
}

// Decision is the result of a pure quota check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetsAt  time.Time
}

// Remaining is the read-only per-mode snapshot for a user.
type Remaining struct {
	TextRemaining  int `json:"text_remaining"`
	VoiceRemaining int `json:"voice_remaining"`
}

// Limiter tracks daily session usage per user against plan limits.
type Limiter struct {
	plans config.Plans
	store store.Store
	now   func() time.Time
}

func NewLimiter(plans config.Plans, st store.Store) *Limiter {
	return &Limiter{plans: plans, store: st, now: time.Now}
}

// SetClock overrides the limiter's clock; used by tests.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// UnitCost returns the budget units one session of the given mode
// debits. Anything that needs speech-to-text is billed at the voice
// multiplier.
func UnitCost(mode store.InputMode) int {
	if mode == store.InputText {
		return 1
	}
	return config.VoiceUnitCost
}

// CheckSessionLimit reports whether one more session of the given mode
// fits today's budget. It never mutates state.
func (l *Limiter) CheckSessionLimit(ctx context.Context, userID, plan string, mode store.InputMode) (Decision, error) {
	now := l.now().UTC()
	rec, err := l.store.UsageOn(ctx, userID, l.day(now))
	if err != nil {
		return Decision{}, fmt.Errorf("read usage: %w", err)
	}
	limit := l.plans.Limits(plan).DailySessionUnits
	remaining := limit - rec.UnitsUsed
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   rec.UnitsUsed+UnitCost(mode) <= limit,
		Remaining: remaining,
		ResetsAt:  l.nextReset(now),
	}, nil
}

// IncrementSessionCount atomically debits the budget for a confirmed
// session creation. The compare-and-increment happens in the store, so
// concurrent creations cannot both cross the same boundary; a failed
// reservation surfaces as *QuotaExceededError.
func (l *Limiter) IncrementSessionCount(ctx context.Context, userID, plan string, mode store.InputMode) error {
	now := l.now().UTC()
	limit := l.plans.Limits(plan).DailySessionUnits
	rec, ok, err := l.store.ReserveUsage(ctx, userID, l.day(now), mode, UnitCost(mode), limit)
	if err != nil {
		return fmt.Errorf("reserve usage: %w", err)
	}
	if !ok {
		remaining := limit - rec.UnitsUsed
		if remaining < 0 {
			remaining = 0
		}
		return &QuotaExceededError{Remaining: remaining, ResetsAt: l.nextReset(now)}
	}
	return nil
}

// GetRemainingQuota is a read-only snapshot of how many sessions of
// each mode still fit today's budget.
func (l *Limiter) GetRemainingQuota(ctx context.Context, userID, plan string) (Remaining, error) {
	now := l.now().UTC()
	rec, err := l.store.UsageOn(ctx, userID, l.day(now))
	if err != nil {
		return Remaining{}, fmt.Errorf("read usage: %w", err)
	}
	limit := l.plans.Limits(plan).DailySessionUnits
	unitsLeft := limit - rec.UnitsUsed
	if unitsLeft < 0 {
		unitsLeft = 0
	}
	return Remaining{
		TextRemaining:  unitsLeft,
		VoiceRemaining: unitsLeft / config.VoiceUnitCost,
	}, nil
}

func (l *Limiter) day(now time.Time) string {
	return now.Format("2006-01-02")
}

func (l *Limiter) nextReset(now time.Time) time.Time {
	return now.Truncate(24 * time.Hour).Add(24 * time.Hour)
}
