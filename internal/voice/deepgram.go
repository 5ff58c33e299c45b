package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antoniostano/voicecall/internal/audio"
	"github.com/antoniostano/voicecall/internal/observability"
	"github.com/antoniostano/voicecall/internal/reliability"
)

type DeepgramConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	Timeout  time.Duration
}

// DeepgramTranscriber uses Deepgram's pre-recorded REST API: one request per
// audio chunk.
type DeepgramTranscriber struct {
	cfg     DeepgramConfig
	client  *http.Client
	metrics *observability.Metrics
}

func NewDeepgramTranscriber(cfg DeepgramConfig, metrics *observability.Metrics) *DeepgramTranscriber {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "nova-2"
	}
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = "en"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &DeepgramTranscriber{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: metrics,
	}
}

func (d *DeepgramTranscriber) Label() string { return "deepgram" }

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (d *DeepgramTranscriber) Transcribe(ctx context.Context, payload []byte, declaredMIME string) string {
	if strings.TrimSpace(d.cfg.APIKey) == "" || len(payload) == 0 {
		return ""
	}
	text, status, err := d.transcribe(ctx, payload, audio.ResolveMIME(payload, declaredMIME))
	if err != nil {
		code, _ := reliability.Classify(status, err)
		d.metrics.GatewayError(d.Label(), code)
		if ctx.Err() == nil {
			log.Printf("deepgram transcription failed code=%s: %v", code, err)
		}
		return ""
	}
	return text
}

func (d *DeepgramTranscriber) transcribe(ctx context.Context, payload []byte, mime string) (string, int, error) {
	u, err := url.Parse(strings.TrimRight(d.cfg.BaseURL, "/") + "/v1/listen")
	if err != nil {
		return "", 0, err
	}
	q := u.Query()
	q.Set("model", d.cfg.Model)
	q.Set("language", d.cfg.Language)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Authorization", "Token "+d.cfg.APIKey)
	req.Header.Set("Content-Type", mime)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", resp.StatusCode, fmt.Errorf("deepgram status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("decode deepgram response: %w", err)
	}
	if len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
		return "", 0, nil
	}
	return strings.TrimSpace(out.Results.Channels[0].Alternatives[0].Transcript), 0, nil
}
