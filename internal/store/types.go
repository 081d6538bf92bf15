package store

import (
	"context"
	"errors"
	"time"

	"github.com/feynmed/teachback/internal/lifecycle"
)

var ErrNotFound = errors.New("record not found")

type InputMode string

const (
	InputText  InputMode = "text"
	InputVoice InputMode = "voice"
	InputMixed InputMode = "mixed"
)

func (m InputMode) Valid() bool {
	switch m {
	case InputText, InputVoice, InputMixed:
		return true
	default:
		return false
	}
}

type OutputMode string

const (
	OutputText      OutputMode = "text"
	OutputVoiceText OutputMode = "voice_text"
)

func (m OutputMode) Valid() bool {
	switch m {
	case OutputText, OutputVoiceText:
		return true
	default:
		return false
	}
}

type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerSystem Speaker = "system"
)

type EntrySource string

const (
	SourceTyped       EntrySource = "typed"
	SourceTranscribed EntrySource = "transcribed"
)

type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityCritical Severity = "critical"
)

// Session is the persisted session row. Mutated only through
// state-machine validated transitions and the one-way mode downgrade.
type Session struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Topic      string          `json:"topic"`
	InputMode  InputMode       `json:"input_mode"`
	OutputMode OutputMode      `json:"output_mode"`
	State      lifecycle.State `json:"state"`
	Plan       string          `json:"plan"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// TranscriptEntry is append-only and always textual, whatever the
// input originally was.
type TranscriptEntry struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Speaker   Speaker     `json:"speaker"`
	Text      string      `json:"text"`
	Source    EntrySource `json:"source"`
	CreatedAt time.Time   `json:"created_at"`
}

// DetectedError is one evaluator finding with its correction.
type DetectedError struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	Correction  string    `json:"correction"`
	Topic       string    `json:"topic"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExaminationQA is one asked question with the scored answer.
type ExaminationQA struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionSummary is written exactly once per completed session.
type SessionSummary struct {
	SessionID       string          `json:"session_id"`
	Errors          []DetectedError `json:"errors"`
	MissedConcepts  []string        `json:"missed_concepts"`
	StrongAreas     []string        `json:"strong_areas"`
	Recommendations []string        `json:"recommendations"`
	OverallScore    int             `json:"overall_score"`
	CreatedAt       time.Time       `json:"created_at"`
}

// UsageRecord is one row per user per day in the teach-back quota
// namespace. Counters here are never shared with other features.
type UsageRecord struct {
	UserID        string `json:"user_id"`
	Day           string `json:"day"`
	TextSessions  int    `json:"text_sessions"`
	VoiceSessions int    `json:"voice_sessions"`
	UnitsUsed     int    `json:"units_used"`
}

// Store persists the full teach-back session data set.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSessionState(ctx context.Context, id string, state lifecycle.State) error
	UpdateSessionModes(ctx context.Context, id string, input InputMode, output OutputMode) error
	DeleteSessionsBefore(ctx context.Context, plan string, cutoff time.Time) (int, error)

	AppendTranscript(ctx context.Context, e TranscriptEntry) error
	Transcript(ctx context.Context, sessionID string) ([]TranscriptEntry, error)

	AppendDetectedError(ctx context.Context, e DetectedError) error
	DetectedErrors(ctx context.Context, sessionID string) ([]DetectedError, error)

	AppendExamQA(ctx context.Context, qa ExaminationQA) error
	ExamQAs(ctx context.Context, sessionID string) ([]ExaminationQA, error)

	SaveSummary(ctx context.Context, s SessionSummary) error
	GetSummary(ctx context.Context, sessionID string) (SessionSummary, error)

	AppendTransition(ctx context.Context, t lifecycle.Transition) error

	// ReserveUsage atomically debits units against the daily budget and
	// bumps the per-mode counter. It reports ok=false, with the record
	// untouched, when the debit would push the day past limitUnits.
	ReserveUsage(ctx context.Context, userID, day string, mode InputMode, units, limitUnits int) (UsageRecord, bool, error)
	UsageOn(ctx context.Context, userID, day string) (UsageRecord, error)

	Close() error
}
