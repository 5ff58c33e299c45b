package voice

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/antoniostano/voicecall/internal/audio"
)

// MockTranscriber is a local stand-in used when no speech backend is
// configured. Queued texts are returned in order; afterwards every chunk
// yields Fallback.
type MockTranscriber struct {
	mu       sync.Mutex
	queue    []string
	Fallback string
	calls    int
}

func NewMockTranscriber(texts ...string) *MockTranscriber {
	return &MockTranscriber{queue: append([]string(nil), texts...), Fallback: "simulated voice input"}
}

func (m *MockTranscriber) Label() string { return "mock" }

func (m *MockTranscriber) Transcribe(ctx context.Context, payload []byte, _ string) string {
	if ctx.Err() != nil || len(payload) == 0 {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.queue) > 0 {
		text := m.queue[0]
		m.queue = m.queue[1:]
		return text
	}
	return m.Fallback
}

func (m *MockTranscriber) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockSynthesizer renders silence whose length follows the text: roughly
// 60ms of audio per character.
type MockSynthesizer struct {
	SampleRate int
	PerRune    time.Duration
}

func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{SampleRate: audio.DefaultSampleRate, PerRune: 60 * time.Millisecond}
}

func (m *MockSynthesizer) Label() string { return "mock" }

func (m *MockSynthesizer) Synthesize(ctx context.Context, text, _ string) []byte {
	text = strings.TrimSpace(text)
	if text == "" || ctx.Err() != nil {
		return nil
	}
	rate := m.SampleRate
	if rate <= 0 {
		rate = audio.DefaultSampleRate
	}
	dur := time.Duration(utf8.RuneCountInString(text)) * m.PerRune
	samples := int(dur.Seconds() * float64(rate))
	wav, err := audio.EncodeWAVPCM16LE(make([]byte, samples*2), rate)
	if err != nil {
		return nil
	}
	return wav
}
