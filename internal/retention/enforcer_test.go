package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/feynmed/teachback/internal/config"
	"github.com/feynmed/teachback/internal/lifecycle"
	"github.com/feynmed/teachback/internal/store"
)

func seedSession(t *testing.T, st *store.InMemoryStore, id, plan string, age time.Duration) {
	t.Helper()
	err := st.CreateSession(context.Background(), store.Session{
		ID:        id,
		UserID:    "u1",
		InputMode: store.InputText,
		State:     lifecycle.StateCompleted,
		Plan:      plan,
		CreatedAt: time.Now().UTC().Add(-age),
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
}

func TestSweepOncePurgesPerPlanWindow(t *testing.T) {
	st := store.NewInMemoryStore()
	seedSession(t, st, "free-old", "free", 8*24*time.Hour)
	seedSession(t, st, "free-fresh", "free", 2*24*time.Hour)
	seedSession(t, st, "pro-old", "pro", 8*24*time.Hour)

	e := NewEnforcer(st, map[string]config.PlanLimits{
		"free": {DailySessionUnits: 2, RetentionDays: 7},
		"pro":  {DailySessionUnits: 20, RetentionDays: 365},
	}, time.Hour)

	if err := e.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce() error = %v", err)
	}

	if _, err := st.GetSession(context.Background(), "free-old"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("free-old should be purged, got err = %v", err)
	}
	if _, err := st.GetSession(context.Background(), "free-fresh"); err != nil {
		t.Errorf("free-fresh should survive, got err = %v", err)
	}
	// The pro window is a year; the eight-day-old session stays.
	if _, err := st.GetSession(context.Background(), "pro-old"); err != nil {
		t.Errorf("pro-old should survive, got err = %v", err)
	}
}

func TestSweepOnceSkipsUnlimitedPlans(t *testing.T) {
	st := store.NewInMemoryStore()
	seedSession(t, st, "keep-forever", "archive", 400*24*time.Hour)

	e := NewEnforcer(st, map[string]config.PlanLimits{
		"archive": {DailySessionUnits: 1, RetentionDays: 0},
	}, time.Hour)

	if err := e.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce() error = %v", err)
	}
	if _, err := st.GetSession(context.Background(), "keep-forever"); err != nil {
		t.Errorf("unlimited plan session should survive, got err = %v", err)
	}
}

func TestSweepUsesSessionPlanNotCurrentPlan(t *testing.T) {
	// A session created under free keeps the free window even if the
	// user later upgraded; the sweep is keyed on the stored plan.
	st := store.NewInMemoryStore()
	seedSession(t, st, "created-on-free", "free", 10*24*time.Hour)

	e := NewEnforcer(st, map[string]config.PlanLimits{
		"free": {DailySessionUnits: 2, RetentionDays: 7},
		"pro":  {DailySessionUnits: 20, RetentionDays: 365},
	}, time.Hour)

	if err := e.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce() error = %v", err)
	}
	if _, err := st.GetSession(context.Background(), "created-on-free"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("session stored under free plan should be purged, got err = %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	st := store.NewInMemoryStore()
	e := NewEnforcer(st, map[string]config.PlanLimits{}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
