package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/feynmed/teachback/internal/config"
	"github.com/feynmed/teachback/internal/store"
)

func newTestLimiter() (*Limiter, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	l := NewLimiter(config.DefaultPlans(), st)
	fixed := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return fixed })
	return l, st
}

func TestCheckSessionLimitDoesNotMutate(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.CheckSessionLimit(ctx, "u1", "student", store.InputText)
		if err != nil {
			t.Fatalf("CheckSessionLimit() error = %v", err)
		}
		if !d.Allowed {
			t.Fatalf("check %d should be allowed", i)
		}
		if d.Remaining != 5 {
			t.Fatalf("Remaining = %d, want 5 (check must not consume quota)", d.Remaining)
		}
	}
}

func TestStudentPlanBoundaryScenario(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.IncrementSessionCount(ctx, "u1", "student", store.InputText); err != nil {
			t.Fatalf("increment %d error = %v", i+1, err)
		}
	}
	rem, err := l.GetRemainingQuota(ctx, "u1", "student")
	if err != nil {
		t.Fatalf("GetRemainingQuota() error = %v", err)
	}
	if rem.TextRemaining != 0 {
		t.Fatalf("TextRemaining = %d, want 0", rem.TextRemaining)
	}

	err = l.IncrementSessionCount(ctx, "u1", "student", store.InputText)
	var quotaErr *QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("sixth creation error = %v, want QuotaExceededError", err)
	}
	if quotaErr.Remaining != 0 {
		t.Fatalf("Remaining = %d, want 0", quotaErr.Remaining)
	}
	if quotaErr.ResetsAt.IsZero() {
		t.Fatalf("ResetsAt should be set")
	}

	// Denied attempt must leave the counters unchanged.
	rem, _ = l.GetRemainingQuota(ctx, "u1", "student")
	if rem.TextRemaining != 0 {
		t.Fatalf("TextRemaining after denial = %d, want 0", rem.TextRemaining)
	}
}

func TestVoiceSessionDebitsDouble(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	if err := l.IncrementSessionCount(ctx, "u1", "student", store.InputVoice); err != nil {
		t.Fatalf("voice increment error = %v", err)
	}
	rem, err := l.GetRemainingQuota(ctx, "u1", "student")
	if err != nil {
		t.Fatalf("GetRemainingQuota() error = %v", err)
	}
	if rem.TextRemaining != 3 {
		t.Fatalf("TextRemaining = %d, want 3 (voice costs two units)", rem.TextRemaining)
	}
	if rem.VoiceRemaining != 1 {
		t.Fatalf("VoiceRemaining = %d, want 1", rem.VoiceRemaining)
	}
}

func TestMixedModeBilledAsVoice(t *testing.T) {
	if UnitCost(store.InputMixed) != config.VoiceUnitCost {
		t.Fatalf("mixed input should debit the voice multiplier")
	}
	if UnitCost(store.InputText) != 1 {
		t.Fatalf("text input should debit one unit")
	}
}

func TestVoiceDeniedWhenOneUnitLeft(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := l.IncrementSessionCount(ctx, "u1", "student", store.InputText); err != nil {
			t.Fatalf("increment %d error = %v", i+1, err)
		}
	}

	d, err := l.CheckSessionLimit(ctx, "u1", "student", store.InputVoice)
	if err != nil {
		t.Fatalf("CheckSessionLimit() error = %v", err)
	}
	if d.Allowed {
		t.Fatalf("voice session should not fit a single remaining unit")
	}

	err = l.IncrementSessionCount(ctx, "u1", "student", store.InputVoice)
	var quotaErr *QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("voice increment error = %v, want QuotaExceededError", err)
	}
	if quotaErr.Remaining != 1 {
		t.Fatalf("Remaining = %d, want 1", quotaErr.Remaining)
	}
}

func TestUnknownPlanUsesFreeTier(t *testing.T) {
	l, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.IncrementSessionCount(ctx, "u1", "mystery", store.InputText); err != nil {
			t.Fatalf("increment %d error = %v", i+1, err)
		}
	}
	if err := l.IncrementSessionCount(ctx, "u1", "mystery", store.InputText); err == nil {
		t.Fatalf("third creation on free-tier fallback should be denied")
	}
}
