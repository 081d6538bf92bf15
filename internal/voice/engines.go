// Package voice adapts speech-to-text and text-to-speech engines for
// the teach-back session loop. Each capability probes independently
// and fails with a machine-readable code the session layer maps to a
// one-way downgrade to text.
package voice

import (
	"context"
	"errors"
	"fmt"
)

type FailureCode string

const (
	CodeSTTUnavailable   FailureCode = "STT_UNAVAILABLE"
	CodeSTTFailed        FailureCode = "STT_FAILED"
	CodeAudioQualityPoor FailureCode = "AUDIO_QUALITY_POOR"
	CodeTTSUnavailable   FailureCode = "TTS_UNAVAILABLE"
	CodeTTSFailed        FailureCode = "TTS_FAILED"
)

// EngineError carries the failure code alongside the underlying cause.
type EngineError struct {
	Code   FailureCode
	Detail string
	cause  error
}

func (e *EngineError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *EngineError) Unwrap() error { return e.cause }

func newEngineError(code FailureCode, detail string, cause error) *EngineError {
	return &EngineError{Code: code, Detail: detail, cause: cause}
}

// CodeOf extracts the failure code from err, or "" for non-engine errors.
func CodeOf(err error) FailureCode {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Code
	}
	return ""
}

// Transcript is a completed speech-to-text result.
type Transcript struct {
	Text       string
	Confidence float64
}

// Audio is a completed text-to-speech result.
type Audio struct {
	Data   []byte
	Format string
}

// STTEngine converts one utterance of audio to text.
type STTEngine interface {
	Transcribe(ctx context.Context, audio []byte) (Transcript, error)
	// ProbeSTT is a lightweight liveness check against the configured
	// model endpoint or path.
	ProbeSTT(ctx context.Context) error
}

// TTSEngine renders one response of text to audio.
type TTSEngine interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
	ProbeTTS(ctx context.Context) error
}

// Engine is a backend providing both capabilities.
type Engine interface {
	STTEngine
	TTSEngine
}
