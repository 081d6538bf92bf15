package session

import (
	"errors"
	"time"

	"github.com/feynmed/teachback/internal/lifecycle"
	"github.com/feynmed/teachback/internal/llm"
	"github.com/feynmed/teachback/internal/store"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrSessionBusy means another turn for the same session is still
	// executing; the caller should retry after it finishes.
	ErrSessionBusy = errors.New("session is processing another input")
	ErrCompleted   = errors.New("session already completed")
	// ErrMaintenance means every LLM provider is down and no new work
	// is accepted.
	ErrMaintenance = errors.New("service temporarily unavailable")
	// ErrVoiceDisabled means this session was downgraded to text and
	// audio input is no longer accepted.
	ErrVoiceDisabled  = errors.New("voice input disabled for this session")
	ErrAudioNotWanted = errors.New("session does not accept audio input")
	ErrTextRequired   = errors.New("input text required")
	ErrInvalidParams  = errors.New("invalid session parameters")
)

// CreateParams describes a session creation request.
type CreateParams struct {
	UserID     string
	Plan       string
	Topic      string
	InputMode  store.InputMode
	OutputMode store.OutputMode
}

// Input is one user turn: typed text, or audio for voice and mixed
// sessions.
type Input struct {
	Text  string
	Audio []byte
}

// TurnResult is the outcome of one processed input.
type TurnResult struct {
	SessionID string          `json:"session_id"`
	State     lifecycle.State `json:"state"`
	Reply     string          `json:"reply"`
	// ReplyAudio is set when the session output mode includes voice.
	ReplyAudio []byte `json:"reply_audio,omitempty"`
	// Transcribed is what speech recognition heard, echoed back so the
	// user can correct it.
	Transcribed string `json:"transcribed,omitempty"`
	// Interrupted reports that this turn tripped the interruption
	// policy and teaching is paused for corrections.
	Interrupted bool                  `json:"interrupted"`
	Corrections []store.DetectedError `json:"corrections,omitempty"`
	// AnswerScore grades the exam answer this input provided, -1 when
	// nothing was scored.
	AnswerScore    int    `json:"answer_score"`
	AnswerFeedback string `json:"answer_feedback,omitempty"`
	// Downgraded reports that voice failed mid-session and the session
	// switched to text for good.
	Downgraded bool     `json:"downgraded"`
	Notices    []string `json:"notices,omitempty"`
}

// runtime is per-session volatile state. It never survives a restart;
// everything durable lives in the store.
type runtime struct {
	userID          string
	plan            string
	topic           string
	busy            bool
	segmentFindings []llm.Finding
	pendingQuestion string
	voiceDowngraded bool
	lastActivity    time.Time
}
