package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.VoiceEngine != "auto" {
		t.Fatalf("VoiceEngine = %q, want %q", cfg.VoiceEngine, "auto")
	}
	student := cfg.Plans.Limits("student")
	if student.DailySessionUnits != 5 {
		t.Fatalf("student daily units = %d, want 5", student.DailySessionUnits)
	}
	if cfg.Plans.Limits("no-such-plan") != cfg.Plans.Limits("free") {
		t.Fatalf("unknown plan should fall back to free tier limits")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"TEACHBACK_LLM_RETRY_ATTEMPTS", "0"},
		{"TEACHBACK_MAINTENANCE_THRESHOLD", "-1"},
		{"INTEGRATION_QUEUE_SIZE", "0"},
		{"STT_MIN_CONFIDENCE", "1.5"},
		{"APP_SESSION_INACTIVITY_TIMEOUT", "5s"},
		{"VOICE_ENGINE", "cloud"},
		{"VOICE_ENABLED", "maybe"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s should fail", tc.key, tc.value)
			}
		})
	}
}

func TestLoadPlansFromFile(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "plans.json")
	body := `{"free":{"daily_session_units":1,"retention_days":3},"resident":{"daily_session_units":12,"retention_days":90}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write plans file: %v", err)
	}
	t.Setenv("TEACHBACK_PLANS_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Plans.Limits("resident").DailySessionUnits; got != 12 {
		t.Fatalf("resident daily units = %d, want 12", got)
	}
}

func TestLoadPlansFileRejected(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing free", `{"pro":{"daily_session_units":5,"retention_days":30}}`},
		{"zero units", `{"free":{"daily_session_units":0,"retention_days":30}}`},
		{"negative retention", `{"free":{"daily_session_units":5,"retention_days":-1}}`},
		{"unknown field", `{"free":{"daily_session_units":5,"retention_days":30,"bonus":1}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			path := filepath.Join(t.TempDir(), "plans.json")
			if err := os.WriteFile(path, []byte(tc.body), 0o644); err != nil {
				t.Fatalf("write plans file: %v", err)
			}
			t.Setenv("TEACHBACK_PLANS_PATH", path)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() should reject plans file %q", tc.body)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"DATABASE_URL",
		"TEACHBACK_PLANS_PATH",
		"RETENTION_SWEEP_INTERVAL",
		"VOICE_ENABLED",
		"VOICE_MODEL_DIR",
		"VOICE_ENGINE",
		"VOICE_PROBE_TIMEOUT",
		"VOICE_CALL_TIMEOUT",
		"STT_MIN_CONFIDENCE",
		"SPEECH_WS_BASE_URL",
		"SPEECH_API_KEY",
		"TEACHBACK_LLM_PRIMARY_URL",
		"TEACHBACK_LLM_PRIMARY_KEY",
		"TEACHBACK_LLM_FALLBACK_URL",
		"TEACHBACK_LLM_FALLBACK_KEY",
		"TEACHBACK_LLM_MODEL",
		"TEACHBACK_LLM_TIMEOUT",
		"TEACHBACK_LLM_RETRY_ATTEMPTS",
		"TEACHBACK_HEALTH_PROBE_INTERVAL",
		"TEACHBACK_MAINTENANCE_THRESHOLD",
		"INTEGRATIONS_ENABLED",
		"INTEGRATION_FLASHCARDS_URL",
		"INTEGRATION_WEAK_AREAS_URL",
		"INTEGRATION_STUDY_PLANNER_URL",
		"INTEGRATION_MCQ_URL",
		"INTEGRATION_QUEUE_SIZE",
		"INTEGRATION_MAX_ATTEMPTS",
		"INTEGRATION_BACKOFF_BASE",
		"INTEGRATION_BACKOFF_CAP",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
