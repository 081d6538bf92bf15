package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/feynmed/teachback/internal/lifecycle"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]Session
	transcripts map[string][]TranscriptEntry
	errors      map[string][]DetectedError
	examQAs     map[string][]ExaminationQA
	summaries   map[string]SessionSummary
	transitions []lifecycle.Transition
	usage       map[string]UsageRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:    make(map[string]Session),
		transcripts: make(map[string][]TranscriptEntry),
		errors:      make(map[string][]DetectedError),
		examQAs:     make(map[string][]ExaminationQA),
		summaries:   make(map[string]SessionSummary),
		usage:       make(map[string]UsageRecord),
	}
}

func (s *InMemoryStore) CreateSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *InMemoryStore) UpdateSessionState(_ context.Context, id string, state lifecycle.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.State = state
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[id] = sess
	return nil
}

func (s *InMemoryStore) UpdateSessionModes(_ context.Context, id string, input InputMode, output OutputMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.InputMode = input
	sess.OutputMode = output
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[id] = sess
	return nil
}

func (s *InMemoryStore) DeleteSessionsBefore(_ context.Context, plan string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, sess := range s.sessions {
		if sess.Plan != plan || !sess.CreatedAt.Before(cutoff) {
			continue
		}
		delete(s.sessions, id)
		delete(s.transcripts, id)
		delete(s.errors, id)
		delete(s.examQAs, id)
		delete(s.summaries, id)
		deleted++
	}
	return deleted, nil
}

func (s *InMemoryStore) AppendTranscript(_ context.Context, e TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.transcripts[e.SessionID] = append(s.transcripts[e.SessionID], e)
	return nil
}

func (s *InMemoryStore) Transcript(_ context.Context, sessionID string) ([]TranscriptEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.transcripts[sessionID]
	out := make([]TranscriptEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) AppendDetectedError(_ context.Context, e DetectedError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.errors[e.SessionID] = append(s.errors[e.SessionID], e)
	return nil
}

func (s *InMemoryStore) DetectedErrors(_ context.Context, sessionID string) ([]DetectedError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DetectedError, len(s.errors[sessionID]))
	copy(out, s.errors[sessionID])
	return out, nil
}

func (s *InMemoryStore) AppendExamQA(_ context.Context, qa ExaminationQA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if qa.ID == "" {
		qa.ID = uuid.NewString()
	}
	if qa.CreatedAt.IsZero() {
		qa.CreatedAt = time.Now().UTC()
	}
	s.examQAs[qa.SessionID] = append(s.examQAs[qa.SessionID], qa)
	return nil
}

func (s *InMemoryStore) ExamQAs(_ context.Context, sessionID string) ([]ExaminationQA, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ExaminationQA, len(s.examQAs[sessionID]))
	copy(out, s.examQAs[sessionID])
	return out, nil
}

func (s *InMemoryStore) SaveSummary(_ context.Context, sum SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Summary creation is idempotent; the first write wins.
	if _, exists := s.summaries[sum.SessionID]; exists {
		return nil
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	s.summaries[sum.SessionID] = sum
	return nil
}

func (s *InMemoryStore) GetSummary(_ context.Context, sessionID string) (SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[sessionID]
	if !ok {
		return SessionSummary{}, ErrNotFound
	}
	return sum, nil
}

func (s *InMemoryStore) AppendTransition(_ context.Context, t lifecycle.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, t)
	return nil
}

// Transitions returns all persisted transitions, oldest first.
func (s *InMemoryStore) Transitions() []lifecycle.Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]lifecycle.Transition, len(s.transitions))
	copy(out, s.transitions)
	return out
}

func (s *InMemoryStore) ReserveUsage(_ context.Context, userID, day string, mode InputMode, units, limitUnits int) (UsageRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "|" + day
	rec, ok := s.usage[key]
	if !ok {
		rec = UsageRecord{UserID: userID, Day: day}
	}
	if rec.UnitsUsed+units > limitUnits {
		return rec, false, nil
	}
	rec.UnitsUsed += units
	if mode == InputText {
		rec.TextSessions++
	} else {
		rec.VoiceSessions++
	}
	s.usage[key] = rec
	return rec, true, nil
}

func (s *InMemoryStore) UsageOn(_ context.Context, userID, day string) (UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.usage[userID+"|"+day]
	if !ok {
		return UsageRecord{UserID: userID, Day: day}, nil
	}
	return rec, nil
}

func (s *InMemoryStore) Close() error { return nil }
