package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the teach-back engine.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL string

	// Per-plan quota and retention table. Loaded from PlansPath when
	// set, otherwise DefaultPlans.
	PlansPath string
	Plans     Plans

	SessionInactivityTimeout time.Duration
	RetentionSweepInterval   time.Duration

	VoiceEnabled bool
	// VoiceModelDir is the single base directory all local model paths
	// derive from. Nothing below it is configured individually.
	VoiceModelDir     string
	VoiceEngine       string
	VoiceProbeTimeout time.Duration
	VoiceCallTimeout  time.Duration
	// STTMinConfidence is the transcription confidence floor below
	// which audio is rejected as too poor to trust.
	STTMinConfidence float64

	SpeechWSBaseURL string
	SpeechAPIKey    string

	PrimaryLLMURL  string
	PrimaryLLMKey  string
	FallbackLLMURL string
	FallbackLLMKey string
	LLMModel       string

	LLMCallTimeout      time.Duration
	LLMRetryAttempts    int
	LLMBackoffBase      time.Duration
	LLMBackoffCap       time.Duration
	HealthProbeInterval time.Duration
	// MaintenanceThreshold is how many consecutive dual-provider
	// failures corroborate an outage before maintenance mode engages.
	MaintenanceThreshold int

	IntegrationsEnabled    bool
	FlashcardsURL          string
	WeakAreasURL           string
	StudyPlannerURL        string
	MCQSuggesterURL        string
	IntegrationQueueSize   int
	IntegrationMaxAttempts int
	IntegrationBackoffBase time.Duration
	IntegrationBackoffCap  time.Duration
}

// PlanLimits is one row of the per-plan quota/retention table.
type PlanLimits struct {
	// DailySessionUnits is the shared daily budget; a text session
	// costs one unit and a voice session costs VoiceUnitCost.
	DailySessionUnits int `json:"daily_session_units"`
	RetentionDays     int `json:"retention_days"`
}

// Plans maps plan name to its limits.
type Plans map[string]PlanLimits

// VoiceUnitCost is the fixed credit multiplier a voice session debits
// against the daily budget.
const VoiceUnitCost = 2

// DefaultPlans is used when no plans file is configured.
func DefaultPlans() Plans {
	return Plans{
		"free":    {DailySessionUnits: 2, RetentionDays: 7},
		"student": {DailySessionUnits: 5, RetentionDays: 30},
		"pro":     {DailySessionUnits: 20, RetentionDays: 365},
	}
}

// Limits returns the plan row, falling back to the free tier for
// unknown plan names so stale sessions never gain unlimited quota.
func (p Plans) Limits(plan string) PlanLimits {
	if l, ok := p[strings.TrimSpace(plan)]; ok {
		return l
	}
	return p["free"]
}

func (p Plans) validate() error {
	if len(p) == 0 {
		return fmt.Errorf("plans table must not be empty")
	}
	if _, ok := p["free"]; !ok {
		return fmt.Errorf("plans table must define a %q plan", "free")
	}
	for name, limits := range p {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("plan name must not be empty")
		}
		if limits.DailySessionUnits <= 0 {
			return fmt.Errorf("plan %q: daily_session_units must be positive", name)
		}
		// Zero keeps sessions forever; only negative values are invalid.
		if limits.RetentionDays < 0 {
			return fmt.Errorf("plan %q: retention_days must not be negative", name)
		}
	}
	return nil
}

// Load reads environment variables, applies safe defaults, and rejects
// invalid values instead of silently correcting them.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "teachback"),
		AllowAnyOrigin:           false,
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		PlansPath:                stringsTrimSpace("TEACHBACK_PLANS_PATH"),
		VoiceEnabled:             true,
		VoiceModelDir:            envOrDefault("VOICE_MODEL_DIR", ".models"),
		VoiceEngine:              envOrDefault("VOICE_ENGINE", "auto"),
		SpeechWSBaseURL:          envOrDefault("SPEECH_WS_BASE_URL", ""),
		SpeechAPIKey:             stringsTrimSpace("SPEECH_API_KEY"),
		PrimaryLLMURL:            stringsTrimSpace("TEACHBACK_LLM_PRIMARY_URL"),
		PrimaryLLMKey:            stringsTrimSpace("TEACHBACK_LLM_PRIMARY_KEY"),
		FallbackLLMURL:           stringsTrimSpace("TEACHBACK_LLM_FALLBACK_URL"),
		FallbackLLMKey:           stringsTrimSpace("TEACHBACK_LLM_FALLBACK_KEY"),
		LLMModel:                 envOrDefault("TEACHBACK_LLM_MODEL", "med-tutor-1"),
		FlashcardsURL:            stringsTrimSpace("INTEGRATION_FLASHCARDS_URL"),
		WeakAreasURL:             stringsTrimSpace("INTEGRATION_WEAK_AREAS_URL"),
		StudyPlannerURL:          stringsTrimSpace("INTEGRATION_STUDY_PLANNER_URL"),
		MCQSuggesterURL:          stringsTrimSpace("INTEGRATION_MCQ_URL"),
		IntegrationsEnabled:      true,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		RetentionSweepInterval:   time.Hour,
		VoiceProbeTimeout:        2 * time.Second,
		VoiceCallTimeout:         20 * time.Second,
		STTMinConfidence:         0.45,
		LLMCallTimeout:           30 * time.Second,
		LLMRetryAttempts:         3,
		LLMBackoffBase:           250 * time.Millisecond,
		LLMBackoffCap:            2 * time.Second,
		HealthProbeInterval:      15 * time.Second,
		MaintenanceThreshold:     2,
		IntegrationQueueSize:     256,
		IntegrationMaxAttempts:   5,
		IntegrationBackoffBase:   500 * time.Millisecond,
		IntegrationBackoffCap:    30 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RetentionSweepInterval, err = durationFromEnv("RETENTION_SWEEP_INTERVAL", cfg.RetentionSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceProbeTimeout, err = durationFromEnv("VOICE_PROBE_TIMEOUT", cfg.VoiceProbeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceCallTimeout, err = durationFromEnv("VOICE_CALL_TIMEOUT", cfg.VoiceCallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMCallTimeout, err = durationFromEnv("TEACHBACK_LLM_TIMEOUT", cfg.LLMCallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HealthProbeInterval, err = durationFromEnv("TEACHBACK_HEALTH_PROBE_INTERVAL", cfg.HealthProbeInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.IntegrationBackoffBase, err = durationFromEnv("INTEGRATION_BACKOFF_BASE", cfg.IntegrationBackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.IntegrationBackoffCap, err = durationFromEnv("INTEGRATION_BACKOFF_CAP", cfg.IntegrationBackoffCap)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceEnabled, err = boolFromEnv("VOICE_ENABLED", cfg.VoiceEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.IntegrationsEnabled, err = boolFromEnv("INTEGRATIONS_ENABLED", cfg.IntegrationsEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMRetryAttempts, err = intFromEnv("TEACHBACK_LLM_RETRY_ATTEMPTS", cfg.LLMRetryAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.MaintenanceThreshold, err = intFromEnv("TEACHBACK_MAINTENANCE_THRESHOLD", cfg.MaintenanceThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.IntegrationQueueSize, err = intFromEnv("INTEGRATION_QUEUE_SIZE", cfg.IntegrationQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.IntegrationMaxAttempts, err = intFromEnv("INTEGRATION_MAX_ATTEMPTS", cfg.IntegrationMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.STTMinConfidence, err = floatFromEnv("STT_MIN_CONFIDENCE", cfg.STTMinConfidence)
	if err != nil {
		return Config{}, err
	}

	cfg.Plans, err = loadPlans(cfg.PlansPath)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < time.Minute {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 1m")
	}
	if cfg.RetentionSweepInterval < time.Minute {
		return Config{}, fmt.Errorf("RETENTION_SWEEP_INTERVAL must be at least 1m")
	}
	if cfg.LLMRetryAttempts <= 0 {
		return Config{}, fmt.Errorf("TEACHBACK_LLM_RETRY_ATTEMPTS must be positive")
	}
	if cfg.MaintenanceThreshold <= 0 {
		return Config{}, fmt.Errorf("TEACHBACK_MAINTENANCE_THRESHOLD must be positive")
	}
	if cfg.IntegrationQueueSize <= 0 {
		return Config{}, fmt.Errorf("INTEGRATION_QUEUE_SIZE must be positive")
	}
	if cfg.IntegrationMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("INTEGRATION_MAX_ATTEMPTS must be positive")
	}
	if cfg.STTMinConfidence < 0 || cfg.STTMinConfidence > 1 {
		return Config{}, fmt.Errorf("STT_MIN_CONFIDENCE must be within [0, 1]")
	}
	if strings.TrimSpace(cfg.VoiceModelDir) == "" {
		return Config{}, fmt.Errorf("VOICE_MODEL_DIR must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.VoiceEngine)) {
	case "auto", "local", "remote", "mock":
	default:
		return Config{}, fmt.Errorf("VOICE_ENGINE must be one of auto|local|remote|mock")
	}

	return cfg, nil
}

func loadPlans(path string) (Plans, error) {
	if path == "" {
		plans := DefaultPlans()
		if err := plans.validate(); err != nil {
			return nil, err
		}
		return plans, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	var plans Plans
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&plans); err != nil {
		return nil, fmt.Errorf("parse plans file %s: %w", path, err)
	}
	if err := plans.validate(); err != nil {
		return nil, fmt.Errorf("plans file %s: %w", path, err)
	}
	return plans, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
