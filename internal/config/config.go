package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/antoniostano/voicecall/internal/conversation"
)

// Config contains all runtime settings for the voice call service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	IdleTimeout      time.Duration
	IdlePollInterval time.Duration
	PendingTTL       time.Duration
	DebounceDelay    time.Duration
	MinAudioBytes    int

	HistoryMaxTurns    int
	HistoryPromptTurns int
	HistoryPromptChars int

	VoiceProvider string

	DeepgramAPIKey   string
	DeepgramBaseURL  string
	DeepgramModel    string
	DeepgramLanguage string

	CartesiaAPIKey    string
	CartesiaBaseURL   string
	CartesiaVoiceID   string
	CartesiaModel     string
	CartesiaStreaming bool
	TTSSampleRate     int

	LLMProvider           string
	LLMBaseURL            string
	LLMAPIKey             string
	LLMConversationModel  string
	LLMOrchestrationModel string
	LLMClassifyIntent     bool
	LLMTimeout            time.Duration

	DatabaseURL  string
	LogRedactPII bool

	// OTLPEndpoint enables span export over OTLP/HTTP when set.
	OTLPEndpoint string

	PersonaFile string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8001"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "voicecall"),
		VoiceProvider:         strings.ToLower(envOrDefault("VOICE_PROVIDER", "auto")),
		DeepgramAPIKey:        stringsTrimSpace("DEEPGRAM_API_KEY"),
		DeepgramBaseURL:       envOrDefault("DEEPGRAM_BASE_URL", "https://api.deepgram.com"),
		DeepgramModel:         envOrDefault("DEEPGRAM_MODEL", "nova-2"),
		DeepgramLanguage:      envOrDefault("DEEPGRAM_LANGUAGE", "en"),
		CartesiaAPIKey:        stringsTrimSpace("CARTESIA_API_KEY"),
		CartesiaBaseURL:       envOrDefault("CARTESIA_BASE_URL", "https://api.cartesia.ai"),
		CartesiaVoiceID:       envOrDefault("CARTESIA_VOICE_ID", "a0e99841-438c-4a64-b679-ae501e7d6091"),
		CartesiaModel:         envOrDefault("CARTESIA_MODEL", "sonic-2"),
		LLMProvider:           strings.ToLower(envOrDefault("LLM_PROVIDER", "openai")),
		LLMBaseURL:            envOrDefault("LLM_BASE_URL", "http://localhost:11434/v1"),
		LLMAPIKey:             envOrDefault("LLM_API_KEY", "ollama"),
		LLMConversationModel:  envOrDefault("LLM_CONVERSATION_MODEL", "llama3.2:1b"),
		LLMOrchestrationModel: envOrDefault("LLM_ORCHESTRATION_MODEL", "qwen2.5:1.5b"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		PersonaFile:           stringsTrimSpace("AGENT_PERSONA_FILE"),
		OTLPEndpoint:          stringsTrimSpace("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ShutdownTimeout:       15 * time.Second,
		IdleTimeout:           15 * time.Second,
		IdlePollInterval:      time.Second,
		PendingTTL:            10 * time.Minute,
		DebounceDelay:         2 * time.Second,
		MinAudioBytes:         500,
		HistoryMaxTurns:       20,
		HistoryPromptTurns:    5,
		HistoryPromptChars:    500,
		TTSSampleRate:         16000,
		LLMTimeout:            30 * time.Second,
		LogRedactPII:          true,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"SESSION_IDLE_TIMEOUT", &cfg.IdleTimeout},
		{"SESSION_IDLE_POLL_INTERVAL", &cfg.IdlePollInterval},
		{"SESSION_PENDING_TTL", &cfg.PendingTTL},
		{"TURN_DEBOUNCE_DELAY", &cfg.DebounceDelay},
		{"LLM_TIMEOUT", &cfg.LLMTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"AUDIO_MIN_CHUNK_BYTES", &cfg.MinAudioBytes},
		{"HISTORY_MAX_TURNS", &cfg.HistoryMaxTurns},
		{"HISTORY_PROMPT_TURNS", &cfg.HistoryPromptTurns},
		{"HISTORY_PROMPT_CHARS", &cfg.HistoryPromptChars},
		{"TTS_SAMPLE_RATE", &cfg.TTSSampleRate},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}
	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"CARTESIA_STREAMING", &cfg.CartesiaStreaming},
		{"LLM_CLASSIFY_INTENT", &cfg.LLMClassifyIntent},
		{"LOG_REDACT_PII", &cfg.LogRedactPII},
	}
	for _, b := range bools {
		if *b.dst, err = boolFromEnv(b.key, *b.dst); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.IdleTimeout < time.Second {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 1s")
	}
	if c.IdlePollInterval <= 0 {
		return fmt.Errorf("SESSION_IDLE_POLL_INTERVAL must be positive")
	}
	if c.PendingTTL <= 0 {
		return fmt.Errorf("SESSION_PENDING_TTL must be positive")
	}
	if c.DebounceDelay <= 0 {
		return fmt.Errorf("TURN_DEBOUNCE_DELAY must be positive")
	}
	if c.MinAudioBytes < 0 {
		return fmt.Errorf("AUDIO_MIN_CHUNK_BYTES must be >= 0")
	}
	if c.HistoryMaxTurns <= 0 || c.HistoryMaxTurns > conversation.DefaultHistoryLimit {
		return fmt.Errorf("HISTORY_MAX_TURNS must be between 1 and %d", conversation.DefaultHistoryLimit)
	}
	if c.HistoryPromptTurns < 0 || c.HistoryPromptChars < 0 {
		return fmt.Errorf("HISTORY_PROMPT_TURNS and HISTORY_PROMPT_CHARS must be >= 0")
	}
	if c.TTSSampleRate <= 0 {
		return fmt.Errorf("TTS_SAMPLE_RATE must be positive")
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be positive")
	}
	switch c.VoiceProvider {
	case "auto", "deepgram-cartesia", "mock":
	default:
		return fmt.Errorf("VOICE_PROVIDER must be one of auto, deepgram-cartesia, mock")
	}
	switch c.LLMProvider {
	case "openai", "mock":
	default:
		return fmt.Errorf("LLM_PROVIDER must be one of openai, mock")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
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
