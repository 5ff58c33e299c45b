package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/voicecall/internal/conversation"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8001" {
		t.Fatalf("BindAddr = %q, want :8001", cfg.BindAddr)
	}
	if cfg.IdleTimeout != 15*time.Second {
		t.Fatalf("IdleTimeout = %s, want 15s", cfg.IdleTimeout)
	}
	if cfg.DebounceDelay != 2*time.Second {
		t.Fatalf("DebounceDelay = %s, want 2s", cfg.DebounceDelay)
	}
	if cfg.MinAudioBytes != 500 || cfg.HistoryMaxTurns != 20 {
		t.Fatalf("MinAudioBytes/HistoryMaxTurns = %d/%d, want 500/20", cfg.MinAudioBytes, cfg.HistoryMaxTurns)
	}
	if cfg.LLMConversationModel != "llama3.2:1b" || cfg.LLMOrchestrationModel != "qwen2.5:1.5b" {
		t.Fatalf("models = %q/%q", cfg.LLMConversationModel, cfg.LLMOrchestrationModel)
	}
	if !cfg.LogRedactPII {
		t.Fatalf("LogRedactPII = false, want true by default")
	}
	if cfg.VoiceProvider != "auto" || cfg.LLMProvider != "openai" {
		t.Fatalf("providers = %q/%q", cfg.VoiceProvider, cfg.LLMProvider)
	}
	if cfg.OTLPEndpoint != "" {
		t.Fatalf("OTLPEndpoint = %q, want empty", cfg.OTLPEndpoint)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("SESSION_IDLE_TIMEOUT", "30s")
	t.Setenv("TURN_DEBOUNCE_DELAY", "750ms")
	t.Setenv("CARTESIA_STREAMING", "yes")
	t.Setenv("VOICE_PROVIDER", "MOCK")
	t.Setenv("HISTORY_MAX_TURNS", "20")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", " http://collector:4318 ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || cfg.IdleTimeout != 30*time.Second || cfg.DebounceDelay != 750*time.Millisecond {
		t.Fatalf("Load() = %+v, overrides not applied", cfg)
	}
	if !cfg.CartesiaStreaming {
		t.Fatalf("CartesiaStreaming = false, want true")
	}
	if cfg.VoiceProvider != "mock" {
		t.Fatalf("VoiceProvider = %q, want mock", cfg.VoiceProvider)
	}
	if cfg.HistoryMaxTurns != 20 {
		t.Fatalf("HistoryMaxTurns = %d, want 20", cfg.HistoryMaxTurns)
	}
	if cfg.OTLPEndpoint != "http://collector:4318" {
		t.Fatalf("OTLPEndpoint = %q, want http://collector:4318", cfg.OTLPEndpoint)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key, value, wantVar string
	}{
		{"SESSION_IDLE_TIMEOUT", "500ms", "SESSION_IDLE_TIMEOUT"},
		{"SESSION_IDLE_TIMEOUT", "soon", "SESSION_IDLE_TIMEOUT"},
		{"HISTORY_MAX_TURNS", "0", "HISTORY_MAX_TURNS"},
		{"HISTORY_MAX_TURNS", "21", "HISTORY_MAX_TURNS"},
		{"AUDIO_MIN_CHUNK_BYTES", "x", "AUDIO_MIN_CHUNK_BYTES"},
		{"LOG_REDACT_PII", "maybe", "LOG_REDACT_PII"},
		{"VOICE_PROVIDER", "elevenlabs", "VOICE_PROVIDER"},
		{"LLM_PROVIDER", "anthropic", "LLM_PROVIDER"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tc.wantVar) {
				t.Fatalf("Load() error = %v, want it to name %s", err, tc.wantVar)
			}
		})
	}
}

func TestLoadPersonaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	doc := "name: Ava\nsystem_prompt: You are Ava, a calm concierge.\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	got, err := LoadPersonaFile(path)
	if err != nil {
		t.Fatalf("LoadPersonaFile() error = %v", err)
	}
	if got.DisplayName != "Ava" || got.PersonaPrompt != "You are Ava, a calm concierge." {
		t.Fatalf("LoadPersonaFile() = %+v", got)
	}
}

func TestLoadPersonaFileEmptyPathUsesDefault(t *testing.T) {
	got, err := LoadPersonaFile("")
	if err != nil {
		t.Fatalf("LoadPersonaFile() error = %v", err)
	}
	if got != conversation.DefaultAgentConfig() {
		t.Fatalf("LoadPersonaFile(\"\") = %+v, want default", got)
	}
}

func TestDecodePersonaRejectsUnknownKeys(t *testing.T) {
	_, err := DecodePersona(strings.NewReader("name: Ava\ntemperature: 0.9\n"))
	if err == nil {
		t.Fatalf("DecodePersona() error = nil, want unknown field error")
	}
}

func TestDecodePersonaEmptyDocument(t *testing.T) {
	got, err := DecodePersona(strings.NewReader(""))
	if err != nil {
		t.Fatalf("DecodePersona() error = %v", err)
	}
	if got.PersonaPrompt != conversation.DefaultPersona {
		t.Fatalf("PersonaPrompt = %q, want default", got.PersonaPrompt)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"SESSION_IDLE_TIMEOUT",
		"SESSION_IDLE_POLL_INTERVAL",
		"SESSION_PENDING_TTL",
		"TURN_DEBOUNCE_DELAY",
		"AUDIO_MIN_CHUNK_BYTES",
		"HISTORY_MAX_TURNS",
		"HISTORY_PROMPT_TURNS",
		"HISTORY_PROMPT_CHARS",
		"VOICE_PROVIDER",
		"DEEPGRAM_API_KEY",
		"DEEPGRAM_BASE_URL",
		"DEEPGRAM_MODEL",
		"DEEPGRAM_LANGUAGE",
		"CARTESIA_API_KEY",
		"CARTESIA_BASE_URL",
		"CARTESIA_VOICE_ID",
		"CARTESIA_MODEL",
		"CARTESIA_STREAMING",
		"TTS_SAMPLE_RATE",
		"LLM_PROVIDER",
		"LLM_BASE_URL",
		"LLM_API_KEY",
		"LLM_CONVERSATION_MODEL",
		"LLM_ORCHESTRATION_MODEL",
		"LLM_CLASSIFY_INTENT",
		"LLM_TIMEOUT",
		"DATABASE_URL",
		"LOG_REDACT_PII",
		"AGENT_PERSONA_FILE",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
