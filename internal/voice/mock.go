package voice

import (
	"context"
	"sync"
)

// MockEngine is a scriptable in-process engine for tests and local dev.
type MockEngine struct {
	mu sync.Mutex

	TranscribeFunc func(ctx context.Context, audio []byte) (Transcript, error)
	SynthesizeFunc func(ctx context.Context, text string) (Audio, error)
	STTProbeErr    error
	TTSProbeErr    error

	TranscribeCalls int
	SynthesizeCalls int
}

func NewMockEngine() *MockEngine { return &MockEngine{} }

func (e *MockEngine) Transcribe(ctx context.Context, audio []byte) (Transcript, error) {
	e.mu.Lock()
	e.TranscribeCalls++
	fn := e.TranscribeFunc
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, audio)
	}
	return Transcript{Text: "simulated voice input", Confidence: 0.9}, nil
}

func (e *MockEngine) Synthesize(ctx context.Context, text string) (Audio, error) {
	e.mu.Lock()
	e.SynthesizeCalls++
	fn := e.SynthesizeFunc
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, text)
	}
	return Audio{Data: []byte(text), Format: "mock"}, nil
}

func (e *MockEngine) ProbeSTT(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.STTProbeErr
}

func (e *MockEngine) ProbeTTS(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.TTSProbeErr
}
