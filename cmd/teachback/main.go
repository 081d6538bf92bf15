package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/feynmed/teachback/internal/config"
	"github.com/feynmed/teachback/internal/httpapi"
	"github.com/feynmed/teachback/internal/integrations"
	"github.com/feynmed/teachback/internal/lifecycle"
	"github.com/feynmed/teachback/internal/llm"
	"github.com/feynmed/teachback/internal/observability"
	"github.com/feynmed/teachback/internal/quota"
	"github.com/feynmed/teachback/internal/retention"
	"github.com/feynmed/teachback/internal/session"
	"github.com/feynmed/teachback/internal/store"
	"github.com/feynmed/teachback/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	dataStore, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer dataStore.Close()

	primary := llm.NewHTTPProvider("primary", cfg.PrimaryLLMURL, cfg.PrimaryLLMKey, cfg.LLMModel, cfg.LLMCallTimeout)
	var fallback llm.Provider
	if strings.TrimSpace(cfg.FallbackLLMURL) != "" {
		fallback = llm.NewHTTPProvider("fallback", cfg.FallbackLLMURL, cfg.FallbackLLMKey, cfg.LLMModel, cfg.LLMCallTimeout)
	} else {
		log.Printf("no fallback LLM configured; primary is the only provider")
	}

	monitor := llm.NewMonitor(cfg.MaintenanceThreshold, cfg.HealthProbeInterval, primary, fallback)
	monitor.SetMetrics(metrics)
	client := llm.NewFailoverClient(primary, fallback, cfg.LLMRetryAttempts, cfg.LLMBackoffBase, cfg.LLMBackoffCap)
	client.SetOutageSink(monitor)
	client.SetMetrics(metrics)
	orchestrator := llm.NewOrchestrator(client, cfg.LLMCallTimeout)

	machine := lifecycle.NewMachine(session.StoreSink{Store: dataStore})
	limiter := quota.NewLimiter(cfg.Plans, dataStore)
	sessions := session.NewManager(dataStore, machine, limiter, orchestrator, monitor, cfg.SessionInactivityTimeout)
	sessions.SetMetrics(metrics)

	if cfg.VoiceEnabled {
		engine := buildVoiceEngine(cfg)
		if engine != nil {
			sessions.SetSpeech(voice.NewProcessor(engine, voice.ProcessorConfig{
				ProbeTimeout:  cfg.VoiceProbeTimeout,
				CallTimeout:   cfg.VoiceCallTimeout,
				MinConfidence: cfg.STTMinConfidence,
			}))
		}
	} else {
		log.Printf("voice disabled; all sessions run in text mode")
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	var dispatcher *integrations.Dispatcher
	if cfg.IntegrationsEnabled {
		dispatcher = integrations.NewDispatcher(integrations.Config{
			Targets:     integrationTargets(cfg),
			QueueSize:   cfg.IntegrationQueueSize,
			MaxAttempts: cfg.IntegrationMaxAttempts,
			BackoffBase: cfg.IntegrationBackoffBase,
			BackoffCap:  cfg.IntegrationBackoffCap,
		})
		dispatcher.SetMetrics(metrics)
		dispatcher.Start(runCtx)
		sessions.SetPublisher(dispatcher)
	}

	go monitor.Run(runCtx)
	sessions.StartJanitor(runCtx, time.Minute)

	enforcer := retention.NewEnforcer(dataStore, cfg.Plans, cfg.RetentionSweepInterval)
	go enforcer.Run(runCtx)

	api := httpapi.New(cfg, sessions, monitor, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	if dispatcher != nil {
		dispatcher.Stop()
	}

	log.Printf("shutdown complete")
}

func buildVoiceEngine(cfg config.Config) voice.Engine {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceEngine))
	if mode == "" {
		mode = "auto"
	}

	tryRemote := func() voice.Engine {
		if strings.TrimSpace(cfg.SpeechWSBaseURL) == "" {
			return nil
		}
		e, err := voice.NewRemoteEngine(voice.RemoteConfig{
			WSBaseURL: cfg.SpeechWSBaseURL,
			APIKey:    cfg.SpeechAPIKey,
		})
		if err != nil {
			log.Printf("remote voice engine unavailable: %v", err)
			return nil
		}
		log.Printf("voice engine: remote (%s)", cfg.SpeechWSBaseURL)
		return e
	}
	tryLocal := func() voice.Engine {
		e, err := voice.NewLocalEngine(voice.LocalConfig{ModelDir: cfg.VoiceModelDir})
		if err != nil {
			log.Printf("local voice engine unavailable: %v", err)
			return nil
		}
		log.Printf("voice engine: local (%s)", cfg.VoiceModelDir)
		return e
	}

	switch mode {
	case "remote":
		return tryRemote()
	case "local":
		return tryLocal()
	case "mock":
		log.Printf("voice engine: mock")
		return voice.NewMockEngine()
	case "auto":
		if e := tryRemote(); e != nil {
			return e
		}
		if e := tryLocal(); e != nil {
			return e
		}
		log.Printf("no voice engine available; sessions will downgrade to text")
		return nil
	default:
		log.Fatalf("invalid VOICE_ENGINE: %q (expected auto|remote|local|mock)", cfg.VoiceEngine)
		return nil
	}
}

func integrationTargets(cfg config.Config) map[integrations.EventKind]string {
	targets := make(map[integrations.EventKind]string)
	add := func(kind integrations.EventKind, url string) {
		if strings.TrimSpace(url) != "" {
			targets[kind] = url
		}
	}
	add(integrations.EventFlashcards, cfg.FlashcardsURL)
	add(integrations.EventWeakAreas, cfg.WeakAreasURL)
	add(integrations.EventStudyPlanner, cfg.StudyPlannerURL)
	add(integrations.EventMCQSuggestions, cfg.MCQSuggesterURL)
	return targets
}
