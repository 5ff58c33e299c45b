package app

import (
	"fmt"
	"strings"

	"github.com/antoniostano/voicecall/internal/agent"
	"github.com/antoniostano/voicecall/internal/config"
	"github.com/antoniostano/voicecall/internal/observability"
	"github.com/antoniostano/voicecall/internal/voice"
)

type voiceSetup struct {
	stt              voice.Transcriber
	tts              voice.Synthesizer
	resolvedProvider string
	detail           string
}

func resolveVoiceProviders(cfg config.Config, metrics *observability.Metrics) (voiceSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if mode == "" {
		mode = "auto"
	}

	hosted := func() voiceSetup {
		return voiceSetup{
			stt: voice.NewDeepgramTranscriber(voice.DeepgramConfig{
				APIKey:   cfg.DeepgramAPIKey,
				BaseURL:  cfg.DeepgramBaseURL,
				Model:    cfg.DeepgramModel,
				Language: cfg.DeepgramLanguage,
			}, metrics),
			tts: voice.NewCartesiaSynthesizer(voice.CartesiaConfig{
				APIKey:     cfg.CartesiaAPIKey,
				BaseURL:    cfg.CartesiaBaseURL,
				Model:      cfg.CartesiaModel,
				VoiceID:    cfg.CartesiaVoiceID,
				SampleRate: cfg.TTSSampleRate,
				Streaming:  cfg.CartesiaStreaming,
			}, metrics),
			resolvedProvider: "deepgram-cartesia",
			detail:           fmt.Sprintf("deepgram %s + cartesia %s", cfg.DeepgramModel, cfg.CartesiaModel),
		}
	}
	mock := func(detail string) voiceSetup {
		return voiceSetup{
			stt:              voice.NewMockTranscriber(),
			tts:              voice.NewMockSynthesizer(),
			resolvedProvider: "mock",
			detail:           detail,
		}
	}
	hasKeys := strings.TrimSpace(cfg.DeepgramAPIKey) != "" && strings.TrimSpace(cfg.CartesiaAPIKey) != ""

	switch mode {
	case "deepgram-cartesia":
		if !hasKeys {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=deepgram-cartesia requires DEEPGRAM_API_KEY and CARTESIA_API_KEY")
		}
		return hosted(), nil
	case "mock":
		return mock("mock"), nil
	case "auto":
		if hasKeys {
			return hosted(), nil
		}
		return mock("mock (deepgram or cartesia key missing)"), nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|deepgram-cartesia|mock)", cfg.VoiceProvider)
	}
}

func resolveResponder(cfg config.Config, metrics *observability.Metrics) (agent.Responder, string, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.LLMProvider)) {
	case "mock":
		return agent.NewMockResponder(), "mock", nil
	case "", "openai":
		r, err := agent.NewOpenAIResponder(agent.OpenAIConfig{
			BaseURL:            cfg.LLMBaseURL,
			APIKey:             cfg.LLMAPIKey,
			ConversationModel:  cfg.LLMConversationModel,
			OrchestrationModel: cfg.LLMOrchestrationModel,
			ClassifyIntent:     cfg.LLMClassifyIntent,
			Timeout:            cfg.LLMTimeout,
			History: agent.HistoryWindow{
				Turns: cfg.HistoryPromptTurns,
				Chars: cfg.HistoryPromptChars,
			},
		}, metrics)
		if err != nil {
			return nil, "", fmt.Errorf("llm responder init failed: %w", err)
		}
		return r, "openai", nil
	default:
		return nil, "", fmt.Errorf("invalid LLM_PROVIDER: %q (expected openai|mock)", cfg.LLMProvider)
	}
}
