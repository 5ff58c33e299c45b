package voice

import "context"

// Transcriber converts one recorded audio chunk to text. It returns "" when
// nothing was recognised or the backend failed; it never returns an error.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, declaredMIME string) string
}

// Synthesizer renders text as a complete WAV file. It returns nil for empty
// text or when the backend is unconfigured or failing.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) []byte
}

// Labeled gateways report a short backend name for metrics and logs.
type Labeled interface {
	Label() string
}

func gatewayLabel(v any, fallback string) string {
	if l, ok := v.(Labeled); ok {
		return l.Label()
	}
	return fallback
}
