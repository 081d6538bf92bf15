package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/feynmed/teachback/internal/reliability"
)

// RemoteConfig points at a hosted speech service speaking the realtime
// websocket protocol.
type RemoteConfig struct {
	WSBaseURL string
	APIKey    string
}

// RemoteEngine performs one-shot transcription and synthesis over the
// speech service's streaming websocket endpoints.
type RemoteEngine struct {
	cfg RemoteConfig
}

func NewRemoteEngine(cfg RemoteConfig) (*RemoteEngine, error) {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		return nil, fmt.Errorf("speech service base URL is required")
	}
	return &RemoteEngine{cfg: cfg}, nil
}

func (e *RemoteEngine) endpoint(path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(e.cfg.WSBaseURL, "/") + path)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (e *RemoteEngine) headers() http.Header {
	h := http.Header{}
	if e.cfg.APIKey != "" {
		h.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	return h
}

func (e *RemoteEngine) probe(ctx context.Context, path string, code FailureCode) error {
	endpoint, err := e.endpoint(path)
	if err != nil {
		return newEngineError(code, "invalid speech service URL", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, e.headers())
	if err != nil {
		return newEngineError(code, "speech service unreachable", err)
	}
	return conn.Close()
}

func (e *RemoteEngine) ProbeSTT(ctx context.Context) error {
	return e.probe(ctx, "/v1/stt/stream", CodeSTTUnavailable)
}

func (e *RemoteEngine) ProbeTTS(ctx context.Context) error {
	return e.probe(ctx, "/v1/tts/stream", CodeTTSUnavailable)
}

func (e *RemoteEngine) Transcribe(ctx context.Context, audio []byte) (Transcript, error) {
	endpoint, err := e.endpoint("/v1/stt/stream")
	if err != nil {
		return Transcript{}, newEngineError(CodeSTTUnavailable, "invalid speech service URL", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, e.headers())
	if err != nil {
		return Transcript{}, newEngineError(CodeSTTUnavailable, "dial stt websocket", err)
	}
	defer conn.Close()

	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": base64.StdEncoding.EncodeToString(audio),
		"commit":        true,
	}
	if err := conn.WriteJSON(payload); err != nil {
		return Transcript{}, newEngineError(CodeSTTFailed, "send audio chunk", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	_ = conn.SetReadDeadline(deadline)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if reliability.IsTimeout(err) || ctx.Err() != nil {
				return Transcript{}, newEngineError(CodeSTTFailed, "stt stream timed out", err)
			}
			return Transcript{}, newEngineError(CodeSTTFailed, "read stt stream", err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		switch messageType := asString(raw["message_type"]); messageType {
		case "committed_transcript":
			return Transcript{
				Text:       asString(raw["text"]),
				Confidence: asFloat(raw["confidence"]),
			}, nil
		case "partial_transcript", "session_started", "":
			// ignore
		default:
			detail := asString(raw["error"])
			if reliability.IsRetryableSpeechCode(messageType) {
				return Transcript{}, newEngineError(CodeSTTFailed, detail, nil)
			}
			return Transcript{}, newEngineError(CodeAudioQualityPoor, detail, nil)
		}
	}
}

func (e *RemoteEngine) Synthesize(ctx context.Context, text string) (Audio, error) {
	endpoint, err := e.endpoint("/v1/tts/stream")
	if err != nil {
		return Audio{}, newEngineError(CodeTTSUnavailable, "invalid speech service URL", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, e.headers())
	if err != nil {
		return Audio{}, newEngineError(CodeTTSUnavailable, "dial tts websocket", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"text": text}); err != nil {
		return Audio{}, newEngineError(CodeTTSFailed, "send synthesis text", err)
	}
	// Empty text closes the input stream.
	if err := conn.WriteJSON(map[string]any{"text": ""}); err != nil {
		return Audio{}, newEngineError(CodeTTSFailed, "close synthesis input", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	_ = conn.SetReadDeadline(deadline)

	var out []byte
	format := "mp3"
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if reliability.IsTimeout(err) || ctx.Err() != nil {
				return Audio{}, newEngineError(CodeTTSFailed, "tts stream timed out", err)
			}
			return Audio{}, newEngineError(CodeTTSFailed, "read tts stream", err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			return Audio{}, newEngineError(CodeTTSFailed, errMsg, nil)
		}
		if chunk := asString(raw["audio"]); chunk != "" {
			decoded, err := base64.StdEncoding.DecodeString(chunk)
			if err != nil {
				return Audio{}, newEngineError(CodeTTSFailed, "decode audio chunk", err)
			}
			out = append(out, decoded...)
			if f := asString(raw["format"]); f != "" {
				format = f
			}
		}
		if asBool(raw["is_final"]) {
			break
		}
	}
	if len(out) == 0 {
		return Audio{}, newEngineError(CodeTTSFailed, "speech service produced no audio", nil)
	}
	return Audio{Data: out, Format: format}, nil
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asFloat(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
