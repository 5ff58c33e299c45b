package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/antoniostano/voicecall/internal/agent"
	"github.com/antoniostano/voicecall/internal/config"
	"github.com/antoniostano/voicecall/internal/convlog"
	"github.com/antoniostano/voicecall/internal/httpapi"
	"github.com/antoniostano/voicecall/internal/observability"
	"github.com/antoniostano/voicecall/internal/session"
	"github.com/antoniostano/voicecall/internal/voice"
)

type VoiceInfo struct {
	Provider string
	Detail   string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Responder    agent.Responder
	Sink         *convlog.Sink
	Metrics      *observability.Metrics
	Voice        VoiceInfo

	// Cleanup releases the conversation store. Stop the sink first so queued
	// writes reach it.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	persona, err := config.LoadPersonaFile(cfg.PersonaFile)
	if err != nil {
		return nil, err
	}

	store, err := convlog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("conversation store init failed: %w", err)
	}
	storeMode := "memory"
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		storeMode = "postgres"
	}

	voiceSetup, err := resolveVoiceProviders(cfg, metrics)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	responder, llmProvider, err := resolveResponder(cfg, metrics)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cfg.VoiceProvider = voiceSetup.resolvedProvider

	sinkCfg := convlog.DefaultSinkConfig()
	sinkCfg.RedactPII = cfg.LogRedactPII
	sink := convlog.NewSink(store, sinkCfg, metrics)

	sessions := session.NewManager(cfg.PendingTTL)
	sessions.SetDefaultAgent(persona)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvent("expired")
		sink.EndSession(s.ID, convlog.StatusEnded)
		log.Printf("session expired without connecting session=%s", s.ID)
	})

	orchestrator := voice.NewOrchestrator(voice.OrchestratorConfig{
		MinAudioBytes:    cfg.MinAudioBytes,
		DebounceDelay:    cfg.DebounceDelay,
		IdleTimeout:      cfg.IdleTimeout,
		IdlePollInterval: cfg.IdlePollInterval,
		HistoryLimit:     cfg.HistoryMaxTurns,
	}, sessions, voiceSetup.stt, voiceSetup.tts, responder, sink, metrics)

	api := httpapi.New(cfg, sessions, orchestrator, sink, metrics, httpapi.ModelInfo{
		Transcriber:        voiceSetup.resolvedProvider,
		Synthesizer:        voiceSetup.resolvedProvider,
		LLMProvider:        llmProvider,
		ConversationModel:  cfg.LLMConversationModel,
		OrchestrationModel: cfg.LLMOrchestrationModel,
		StoreMode:          storeMode,
	})

	cleanup := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var errs []string
		if err := sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("drain conversation log: %v", err))
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Responder:    responder,
		Sink:         sink,
		Metrics:      metrics,
		Voice: VoiceInfo{
			Provider: voiceSetup.resolvedProvider,
			Detail:   voiceSetup.detail,
		},
		Cleanup: cleanup,
	}, nil
}
