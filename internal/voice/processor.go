package voice

import (
	"context"
	"strings"
	"time"

	"github.com/feynmed/teachback/internal/reliability"
)

// ProcessorConfig bounds engine calls and sets the transcription
// quality floor.
type ProcessorConfig struct {
	ProbeTimeout  time.Duration
	CallTimeout   time.Duration
	MinConfidence float64
}

// Processor wraps an engine with timeouts, availability probes, and
// quality heuristics. All failures come back as *EngineError with one
// of the fixed codes; callers never see a raw context error.
type Processor struct {
	engine Engine
	cfg    ProcessorConfig
}

func NewProcessor(engine Engine, cfg ProcessorConfig) *Processor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	return &Processor{engine: engine, cfg: cfg}
}

func (p *Processor) IsSTTAvailable(ctx context.Context) bool {
	if p == nil || p.engine == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	return p.engine.ProbeSTT(probeCtx) == nil
}

func (p *Processor) IsTTSAvailable(ctx context.Context) bool {
	if p == nil || p.engine == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	return p.engine.ProbeTTS(probeCtx) == nil
}

// TranscribeAudio converts audio to text. Timeouts map to STT_FAILED;
// low-confidence results map to AUDIO_QUALITY_POOR so the caller can
// re-prompt the user rather than accept garbage.
func (p *Processor) TranscribeAudio(ctx context.Context, audio []byte) (Transcript, error) {
	if p == nil || p.engine == nil {
		return Transcript{}, newEngineError(CodeSTTUnavailable, "no speech engine configured", nil)
	}
	if len(audio) == 0 {
		return Transcript{}, newEngineError(CodeAudioQualityPoor, "empty audio payload", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	tr, err := p.engine.Transcribe(callCtx, audio)
	if err != nil {
		if CodeOf(err) != "" {
			return Transcript{}, err
		}
		if reliability.IsTimeout(err) {
			return Transcript{}, newEngineError(CodeSTTFailed, "transcription timed out", err)
		}
		return Transcript{}, newEngineError(CodeSTTFailed, "transcription failed", err)
	}
	if strings.TrimSpace(tr.Text) == "" || tr.Confidence < p.cfg.MinConfidence {
		return Transcript{}, newEngineError(CodeAudioQualityPoor, "transcription confidence below threshold", nil)
	}
	return tr, nil
}

// SynthesizeSpeech renders text to audio. Timeouts map to TTS_FAILED.
func (p *Processor) SynthesizeSpeech(ctx context.Context, text string) (Audio, error) {
	if p == nil || p.engine == nil {
		return Audio{}, newEngineError(CodeTTSUnavailable, "no speech engine configured", nil)
	}
	if strings.TrimSpace(text) == "" {
		return Audio{}, newEngineError(CodeTTSFailed, "empty synthesis text", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	audio, err := p.engine.Synthesize(callCtx, text)
	if err != nil {
		if CodeOf(err) != "" {
			return Audio{}, err
		}
		if reliability.IsTimeout(err) {
			return Audio{}, newEngineError(CodeTTSFailed, "synthesis timed out", err)
		}
		return Audio{}, newEngineError(CodeTTSFailed, "synthesis failed", err)
	}
	return audio, nil
}
