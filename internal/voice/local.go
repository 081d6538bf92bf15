package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/feynmed/teachback/internal/audio"
)

// LocalConfig selects local model binaries. Every model path derives
// from ModelDir; nothing below it is configured individually, so the
// whole tree can be relocated with one setting.
type LocalConfig struct {
	ModelDir    string
	WhisperCLI  string
	PiperCLI    string
	WhisperName string
	PiperVoice  string
}

// LocalEngine shells out to whisper.cpp for transcription and piper
// for synthesis.
type LocalEngine struct {
	cfg LocalConfig
}

func NewLocalEngine(cfg LocalConfig) (*LocalEngine, error) {
	if strings.TrimSpace(cfg.ModelDir) == "" {
		return nil, fmt.Errorf("voice model dir is required")
	}
	if strings.TrimSpace(cfg.WhisperCLI) == "" {
		cfg.WhisperCLI = "whisper-cli"
	}
	if strings.TrimSpace(cfg.PiperCLI) == "" {
		cfg.PiperCLI = "piper"
	}
	if strings.TrimSpace(cfg.WhisperName) == "" {
		cfg.WhisperName = "ggml-base.en.bin"
	}
	if strings.TrimSpace(cfg.PiperVoice) == "" {
		cfg.PiperVoice = "en_US-lessac-medium.onnx"
	}
	return &LocalEngine{cfg: cfg}, nil
}

func (e *LocalEngine) whisperModelPath() string {
	return filepath.Join(e.cfg.ModelDir, "whisper", e.cfg.WhisperName)
}

func (e *LocalEngine) piperModelPath() string {
	return filepath.Join(e.cfg.ModelDir, "piper", e.cfg.PiperVoice)
}

func (e *LocalEngine) ProbeSTT(_ context.Context) error {
	if _, err := exec.LookPath(e.cfg.WhisperCLI); err != nil {
		return newEngineError(CodeSTTUnavailable, fmt.Sprintf("whisper CLI %q not found", e.cfg.WhisperCLI), err)
	}
	if _, err := os.Stat(e.whisperModelPath()); err != nil {
		return newEngineError(CodeSTTUnavailable, fmt.Sprintf("whisper model missing at %s", e.whisperModelPath()), err)
	}
	return nil
}

func (e *LocalEngine) ProbeTTS(_ context.Context) error {
	if _, err := exec.LookPath(e.cfg.PiperCLI); err != nil {
		return newEngineError(CodeTTSUnavailable, fmt.Sprintf("piper CLI %q not found", e.cfg.PiperCLI), err)
	}
	if _, err := os.Stat(e.piperModelPath()); err != nil {
		return newEngineError(CodeTTSUnavailable, fmt.Sprintf("piper voice missing at %s", e.piperModelPath()), err)
	}
	return nil
}

type whisperResult struct {
	Transcription []struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"transcription"`
}

func (e *LocalEngine) Transcribe(ctx context.Context, payload []byte) (Transcript, error) {
	if err := e.ProbeSTT(ctx); err != nil {
		return Transcript{}, err
	}

	// Raw PCM uploads get a WAV header; whisper refuses headerless input.
	wav, err := audio.EnsureWAV(payload, audio.DefaultSampleRate)
	if err != nil {
		return Transcript{}, newEngineError(CodeAudioQualityPoor, "encode wav", err)
	}

	tmp, err := os.CreateTemp("", "teachback-stt-*.wav")
	if err != nil {
		return Transcript{}, newEngineError(CodeSTTFailed, "create temp audio file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(wav); err != nil {
		tmp.Close()
		return Transcript{}, newEngineError(CodeSTTFailed, "write temp audio file", err)
	}
	if err := tmp.Close(); err != nil {
		return Transcript{}, newEngineError(CodeSTTFailed, "close temp audio file", err)
	}

	cmd := exec.CommandContext(ctx, e.cfg.WhisperCLI,
		"-m", e.whisperModelPath(),
		"-f", tmpPath,
		"--output-json",
		"--no-prints",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Transcript{}, newEngineError(CodeSTTFailed, "whisper timed out", ctx.Err())
		}
		return Transcript{}, newEngineError(CodeSTTFailed, strings.TrimSpace(stderr.String()), err)
	}

	// whisper.cpp writes <input>.json next to the input file.
	data, err := os.ReadFile(tmpPath + ".json")
	if err != nil {
		return Transcript{}, newEngineError(CodeSTTFailed, "read whisper output", err)
	}
	defer os.Remove(tmpPath + ".json")

	var result whisperResult
	if err := json.Unmarshal(data, &result); err != nil {
		return Transcript{}, newEngineError(CodeSTTFailed, "parse whisper output", err)
	}

	var (
		parts     []string
		confSum   float64
		confCount int
	)
	for _, seg := range result.Transcription {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		if seg.Confidence > 0 {
			confSum += seg.Confidence
			confCount++
		}
	}
	confidence := 0.9
	if confCount > 0 {
		confidence = confSum / float64(confCount)
	}
	return Transcript{Text: strings.Join(parts, " "), Confidence: confidence}, nil
}

func (e *LocalEngine) Synthesize(ctx context.Context, text string) (Audio, error) {
	if err := e.ProbeTTS(ctx); err != nil {
		return Audio{}, err
	}

	cmd := exec.CommandContext(ctx, e.cfg.PiperCLI,
		"--model", e.piperModelPath(),
		"--output_file", "-",
	)
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Audio{}, newEngineError(CodeTTSFailed, "piper timed out", ctx.Err())
		}
		return Audio{}, newEngineError(CodeTTSFailed, strings.TrimSpace(stderr.String()), err)
	}
	if stdout.Len() == 0 {
		return Audio{}, newEngineError(CodeTTSFailed, "piper produced no audio", nil)
	}
	return Audio{Data: stdout.Bytes(), Format: "wav"}, nil
}
