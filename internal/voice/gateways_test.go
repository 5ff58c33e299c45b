package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/antoniostano/voicecall/internal/audio"
	"github.com/antoniostano/voicecall/internal/observability"
)

func newVoiceTestMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("voicecall_voice_test_%d", time.Now().UnixNano()))
}

func webmPayload(n int) []byte {
	b := make([]byte, n)
	copy(b, []byte{0x1A, 0x45, 0xDF, 0xA3})
	return b
}

func TestDeepgramTranscribe(t *testing.T) {
	var gotQuery, gotAuth, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/listen" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":" hello there ","confidence":0.9}]}]}}`))
	}))
	defer srv.Close()

	d := NewDeepgramTranscriber(DeepgramConfig{APIKey: "dg-key", BaseURL: srv.URL}, newVoiceTestMetrics())
	got := d.Transcribe(context.Background(), webmPayload(600), audio.MIMEWAV)
	if got != "hello there" {
		t.Fatalf("Transcribe() = %q, want %q", got, "hello there")
	}
	if gotAuth != "Token dg-key" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotType != audio.MIMEWebM {
		t.Fatalf("Content-Type = %q, want sniffed %q", gotType, audio.MIMEWebM)
	}
	for _, want := range []string{"model=nova-2", "language=en", "punctuate=true", "smart_format=true"} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestDeepgramTranscribeFailuresYieldEmpty(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		code    string
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
			},
			code: "http_503",
		},
		{
			name: "no alternatives",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"results":{"channels":[]}}`))
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`not json`))
			},
			code: "error",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			metrics := newVoiceTestMetrics()
			d := NewDeepgramTranscriber(DeepgramConfig{APIKey: "k", BaseURL: srv.URL}, metrics)
			if got := d.Transcribe(context.Background(), webmPayload(600), ""); got != "" {
				t.Fatalf("Transcribe() = %q, want empty", got)
			}
			if tc.code != "" {
				if n := testutil.ToFloat64(metrics.GatewayErrors.WithLabelValues("deepgram", tc.code)); n != 1 {
					t.Fatalf("gateway errors[%s] = %v, want 1", tc.code, n)
				}
			}
		})
	}
}

func TestDeepgramWithoutKeySkipsRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()
	d := NewDeepgramTranscriber(DeepgramConfig{BaseURL: srv.URL}, nil)
	if got := d.Transcribe(context.Background(), webmPayload(600), ""); got != "" || called {
		t.Fatalf("Transcribe() = %q called=%v, want empty without a request", got, called)
	}
}

func TestCartesiaSynthesizeBytes(t *testing.T) {
	pcm := make([]byte, 3201) // odd length, last byte is dropped
	var body cartesiaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts/bytes" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != "ct-key" || r.Header.Get("Cartesia-Version") == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write(pcm)
	}))
	defer srv.Close()

	c := NewCartesiaSynthesizer(CartesiaConfig{APIKey: "ct-key", BaseURL: srv.URL}, nil)
	wav := c.Synthesize(context.Background(), "Hello there.", "voice-9")
	h, err := audio.ParseWAVHeader(wav)
	if err != nil {
		t.Fatalf("ParseWAVHeader() error = %v", err)
	}
	if h.DataSize != 3200 || len(wav) != audio.WAVHeaderSize+3200 {
		t.Fatalf("DataSize = %d len = %d, want 3200 / %d", h.DataSize, len(wav), audio.WAVHeaderSize+3200)
	}
	if h.SampleRate != audio.DefaultSampleRate {
		t.Fatalf("SampleRate = %d", h.SampleRate)
	}
	if body.Voice.ID != "voice-9" || body.OutputFormat.Encoding != "pcm_s16le" || body.OutputFormat.Container != "raw" {
		t.Fatalf("request body = %+v", body)
	}
}

func TestCartesiaSynthesizeSSE(t *testing.T) {
	chunk := func(n int, fill byte) string {
		return base64.StdEncoding.EncodeToString([]byte(strings.Repeat(string([]byte{fill}), n)))
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts/sse" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: chunk\ndata: {\"type\":\"chunk\",\"data\":%q,\"done\":false}\n\n", chunk(100, 1))
		fmt.Fprintf(w, "data: {\"type\":\"chunk\",\"data\":%q,\"done\":false}\n\n", chunk(60, 2))
		fmt.Fprint(w, "data: {\"type\":\"done\",\"done\":true}\n\n")
	}))
	defer srv.Close()

	c := NewCartesiaSynthesizer(CartesiaConfig{APIKey: "k", BaseURL: srv.URL, Streaming: true, SampleRate: 24000}, nil)
	wav := c.Synthesize(context.Background(), "Hi", "")
	h, err := audio.ParseWAVHeader(wav)
	if err != nil {
		t.Fatalf("ParseWAVHeader() error = %v", err)
	}
	if h.DataSize != 160 || h.SampleRate != 24000 {
		t.Fatalf("header = %+v, want 160 bytes at 24000 Hz", h)
	}
	if wav[audio.WAVHeaderSize] != 1 || wav[len(wav)-1] != 2 {
		t.Fatalf("chunks not concatenated in order")
	}
}

func TestCartesiaFailuresYieldNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tts/sse" {
			fmt.Fprint(w, "data: {\"type\":\"error\",\"error\":\"voice not found\"}\n\n")
			return
		}
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	metrics := newVoiceTestMetrics()
	bytesCfg := CartesiaConfig{APIKey: "k", BaseURL: srv.URL}
	if got := NewCartesiaSynthesizer(bytesCfg, metrics).Synthesize(context.Background(), "Hi", ""); got != nil {
		t.Fatalf("Synthesize() = %d bytes, want nil", len(got))
	}
	if n := testutil.ToFloat64(metrics.GatewayErrors.WithLabelValues("cartesia", "http_429")); n != 1 {
		t.Fatalf("gateway errors[http_429] = %v, want 1", n)
	}

	sseCfg := bytesCfg
	sseCfg.Streaming = true
	if got := NewCartesiaSynthesizer(sseCfg, metrics).Synthesize(context.Background(), "Hi", ""); got != nil {
		t.Fatalf("Synthesize(sse error) = %d bytes, want nil", len(got))
	}

	if got := NewCartesiaSynthesizer(CartesiaConfig{BaseURL: srv.URL}, metrics).Synthesize(context.Background(), "Hi", ""); got != nil {
		t.Fatalf("Synthesize(no key) = %d bytes, want nil", len(got))
	}
	if got := NewCartesiaSynthesizer(bytesCfg, metrics).Synthesize(context.Background(), "  ", ""); got != nil {
		t.Fatalf("Synthesize(blank) = %d bytes, want nil", len(got))
	}
}

func TestMockSynthesizerScalesWithText(t *testing.T) {
	m := NewMockSynthesizer()
	short := audio.PlaybackDuration(m.Synthesize(context.Background(), "hi", ""))
	long := audio.PlaybackDuration(m.Synthesize(context.Background(), "a considerably longer reply", ""))
	if short <= 0 || long <= short {
		t.Fatalf("durations short=%v long=%v, want 0 < short < long", short, long)
	}
	if m.Synthesize(context.Background(), "", "") != nil {
		t.Fatalf("Synthesize(\"\") should be nil")
	}
}
