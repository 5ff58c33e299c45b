package app

import (
	"testing"

	"github.com/antoniostano/voicecall/internal/agent"
	"github.com/antoniostano/voicecall/internal/config"
	"github.com/antoniostano/voicecall/internal/voice"
)

func TestResolveVoiceProviders(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.Config
		want     string
		wantErr  bool
		wantMock bool
	}{
		{name: "auto without keys", cfg: config.Config{}, want: "mock", wantMock: true},
		{name: "auto with one key", cfg: config.Config{DeepgramAPIKey: "dg"}, want: "mock", wantMock: true},
		{name: "auto with keys", cfg: config.Config{DeepgramAPIKey: "dg", CartesiaAPIKey: "ca"}, want: "deepgram-cartesia"},
		{name: "explicit hosted", cfg: config.Config{VoiceProvider: "Deepgram-Cartesia", DeepgramAPIKey: "dg", CartesiaAPIKey: "ca"}, want: "deepgram-cartesia"},
		{name: "explicit hosted missing key", cfg: config.Config{VoiceProvider: "deepgram-cartesia", DeepgramAPIKey: "dg"}, wantErr: true},
		{name: "explicit mock", cfg: config.Config{VoiceProvider: "mock", DeepgramAPIKey: "dg", CartesiaAPIKey: "ca"}, want: "mock", wantMock: true},
		{name: "unknown", cfg: config.Config{VoiceProvider: "elevenlabs"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveVoiceProviders(tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveVoiceProviders() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.resolvedProvider != tt.want {
				t.Fatalf("resolvedProvider = %q, want %q", got.resolvedProvider, tt.want)
			}
			_, isMock := got.stt.(*voice.MockTranscriber)
			if isMock != tt.wantMock {
				t.Fatalf("stt = %T, want mock %v", got.stt, tt.wantMock)
			}
			if got.tts == nil {
				t.Fatalf("tts is nil")
			}
		})
	}
}

func TestResolveResponder(t *testing.T) {
	r, name, err := resolveResponder(config.Config{LLMProvider: "mock"}, nil)
	if err != nil || name != "mock" {
		t.Fatalf("resolveResponder(mock) = (%T, %q, %v), want mock", r, name, err)
	}
	if _, ok := r.(*agent.MockResponder); !ok {
		t.Fatalf("responder = %T, want *agent.MockResponder", r)
	}

	r, name, err = resolveResponder(config.Config{LLMConversationModel: "llama3.2:1b"}, nil)
	if err != nil || name != "openai" {
		t.Fatalf("resolveResponder(default) = (%T, %q, %v), want openai", r, name, err)
	}
	if _, ok := r.(*agent.OpenAIResponder); !ok {
		t.Fatalf("responder = %T, want *agent.OpenAIResponder", r)
	}

	if _, _, err := resolveResponder(config.Config{LLMProvider: "openai"}, nil); err == nil {
		t.Fatalf("resolveResponder(no model) error = nil, want error")
	}
	if _, _, err := resolveResponder(config.Config{LLMProvider: "bard"}, nil); err == nil {
		t.Fatalf("resolveResponder(unknown) error = nil, want error")
	}
}
