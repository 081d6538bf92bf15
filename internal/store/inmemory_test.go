package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/feynmed/teachback/internal/lifecycle"
)

func TestInMemorySessionRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	sess := Session{
		ID:         "s1",
		UserID:     "u1",
		InputMode:  InputText,
		OutputMode: OutputText,
		State:      lifecycle.StateTeaching,
		Plan:       "student",
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Plan != "student" || got.State != lifecycle.StateTeaching {
		t.Fatalf("unexpected session: %+v", got)
	}

	if err := s.UpdateSessionState(ctx, "s1", lifecycle.StateExamining); err != nil {
		t.Fatalf("UpdateSessionState() error = %v", err)
	}
	got, _ = s.GetSession(ctx, "s1")
	if got.State != lifecycle.StateExamining {
		t.Fatalf("State = %s, want %s", got.State, lifecycle.StateExamining)
	}

	if _, err := s.GetSession(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("GetSession(missing) error = %v, want ErrNotFound", err)
	}
}

func TestInMemoryTranscriptOrdered(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 3; i >= 1; i-- {
		err := s.AppendTranscript(ctx, TranscriptEntry{
			SessionID: "s1",
			Speaker:   SpeakerUser,
			Text:      "entry",
			Source:    SourceTyped,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendTranscript() error = %v", err)
		}
	}
	entries, err := s.Transcript(ctx, "s1")
	if err != nil {
		t.Fatalf("Transcript() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].CreatedAt.Before(entries[i-1].CreatedAt) {
			t.Fatalf("transcript not timestamp ordered at %d", i)
		}
	}
}

func TestInMemorySummaryFirstWriteWins(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	first := SessionSummary{SessionID: "s1", OverallScore: 80, CreatedAt: time.Now().UTC()}
	if err := s.SaveSummary(ctx, first); err != nil {
		t.Fatalf("SaveSummary() error = %v", err)
	}
	second := SessionSummary{SessionID: "s1", OverallScore: 10, CreatedAt: time.Now().UTC()}
	if err := s.SaveSummary(ctx, second); err != nil {
		t.Fatalf("SaveSummary() second error = %v", err)
	}
	got, err := s.GetSummary(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSummary() error = %v", err)
	}
	if got.OverallScore != 80 {
		t.Fatalf("OverallScore = %d, want the first summary kept", got.OverallScore)
	}
}

func TestInMemoryReserveUsageBoundary(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, ok, err := s.ReserveUsage(ctx, "u1", "2026-08-30", InputText, 1, 5)
		if err != nil {
			t.Fatalf("ReserveUsage() error = %v", err)
		}
		if !ok {
			t.Fatalf("reservation %d denied below the limit", i+1)
		}
	}
	rec, ok, err := s.ReserveUsage(ctx, "u1", "2026-08-30", InputText, 1, 5)
	if err != nil {
		t.Fatalf("ReserveUsage() error = %v", err)
	}
	if ok {
		t.Fatalf("reservation past limit should be denied")
	}
	if rec.UnitsUsed != 5 || rec.TextSessions != 5 {
		t.Fatalf("denied reservation mutated the record: %+v", rec)
	}
}

func TestInMemoryReserveUsageVoiceCost(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	rec, ok, err := s.ReserveUsage(ctx, "u1", "2026-08-30", InputVoice, 2, 5)
	if err != nil {
		t.Fatalf("ReserveUsage() error = %v", err)
	}
	if !ok {
		t.Fatalf("voice reservation should succeed")
	}
	if rec.UnitsUsed != 2 || rec.VoiceSessions != 1 || rec.TextSessions != 0 {
		t.Fatalf("unexpected usage record: %+v", rec)
	}
}

func TestInMemoryReserveUsageConcurrent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	granted := make(chan struct{}, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.ReserveUsage(ctx, "u1", "2026-08-30", InputText, 1, 5)
			if err == nil && ok {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	if count != 5 {
		t.Fatalf("granted %d reservations, want exactly 5", count)
	}
}

func TestInMemoryDeleteSessionsBefore(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)
	_ = s.CreateSession(ctx, Session{ID: "old", Plan: "free", CreatedAt: old})
	_ = s.CreateSession(ctx, Session{ID: "new", Plan: "free", CreatedAt: time.Now().UTC()})
	_ = s.CreateSession(ctx, Session{ID: "other-plan", Plan: "pro", CreatedAt: old})
	_ = s.AppendTranscript(ctx, TranscriptEntry{SessionID: "old", Speaker: SpeakerUser, Text: "x", Source: SourceTyped})

	deleted, err := s.DeleteSessionsBefore(ctx, "free", time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteSessionsBefore() error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if _, err := s.GetSession(ctx, "old"); err != ErrNotFound {
		t.Fatalf("old session should be gone, err = %v", err)
	}
	if _, err := s.GetSession(ctx, "other-plan"); err != nil {
		t.Fatalf("other plan session should survive, err = %v", err)
	}
	entries, _ := s.Transcript(ctx, "old")
	if len(entries) != 0 {
		t.Fatalf("transcript of purged session should be empty")
	}
}
