package voice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/voicecall/internal/audio"
	"github.com/antoniostano/voicecall/internal/observability"
	"github.com/antoniostano/voicecall/internal/reliability"
)

const (
	cartesiaVersion      = "2024-06-10"
	cartesiaDefaultVoice = "a0e99841-438c-4a64-b679-ae501e7d6091"
	maxSSELineBytes      = 4 << 20
)

type CartesiaConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	VoiceID    string
	SampleRate int
	// Streaming selects the chunked /tts/sse endpoint over /tts/bytes.
	Streaming bool
	Timeout   time.Duration
}

// CartesiaSynthesizer renders replies as 16-bit mono PCM and wraps them in a
// WAV header.
type CartesiaSynthesizer struct {
	cfg     CartesiaConfig
	client  *http.Client
	metrics *observability.Metrics
}

func NewCartesiaSynthesizer(cfg CartesiaConfig, metrics *observability.Metrics) *CartesiaSynthesizer {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.cartesia.ai"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "sonic-2"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = cartesiaDefaultVoice
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CartesiaSynthesizer{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: metrics,
	}
}

func (c *CartesiaSynthesizer) Label() string { return "cartesia" }

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaEvent struct {
	Type       string `json:"type"`
	Data       string `json:"data"`
	Done       bool   `json:"done"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
}

func (c *CartesiaSynthesizer) Synthesize(ctx context.Context, text, voiceID string) []byte {
	text = strings.TrimSpace(text)
	if text == "" || strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil
	}
	if strings.TrimSpace(voiceID) == "" {
		voiceID = c.cfg.VoiceID
	}

	pcm, status, err := c.fetchPCM(ctx, text, voiceID)
	if err == nil && len(pcm) < 2 {
		err = errors.New("cartesia returned no audio")
	}
	if err != nil {
		code, _ := reliability.Classify(status, err)
		c.metrics.GatewayError(c.Label(), code)
		if ctx.Err() == nil {
			log.Printf("cartesia synthesis failed code=%s: %v", code, err)
		}
		return nil
	}
	// Keep whole 16-bit samples only.
	pcm = pcm[:len(pcm)&^1]
	wav, err := audio.EncodeWAVPCM16LE(pcm, c.cfg.SampleRate)
	if err != nil {
		log.Printf("cartesia wav encode failed: %v", err)
		return nil
	}
	return wav
}

func (c *CartesiaSynthesizer) fetchPCM(ctx context.Context, text, voiceID string) ([]byte, int, error) {
	body, err := json.Marshal(cartesiaRequest{
		ModelID:    c.cfg.Model,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: voiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.cfg.SampleRate,
		},
		Language: "en",
	})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal cartesia request: %w", err)
	}

	path := "/tts/bytes"
	if c.cfg.Streaming {
		path = "/tts/sse"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	if c.cfg.Streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resp.StatusCode, fmt.Errorf("cartesia status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if c.cfg.Streaming {
		pcm, err := readCartesiaSSE(resp.Body)
		return pcm, 0, err
	}
	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read cartesia audio: %w", err)
	}
	return stripWAVHeader(pcm), 0, nil
}

// readCartesiaSSE concatenates the base64 chunks of an SSE response in
// arrival order.
func readCartesiaSSE(r io.Reader) ([]byte, error) {
	var pcm bytes.Buffer
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}
		var evt cartesiaEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return nil, fmt.Errorf("decode cartesia event: %w", err)
		}
		switch evt.Type {
		case "error":
			return nil, fmt.Errorf("cartesia stream error: %s", evt.Error)
		case "chunk":
			if evt.Data != "" {
				chunk, err := base64.StdEncoding.DecodeString(evt.Data)
				if err != nil {
					return nil, fmt.Errorf("decode cartesia chunk: %w", err)
				}
				pcm.Write(chunk)
			}
		}
		if evt.Done || evt.Type == "done" {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read cartesia stream: %w", err)
	}
	return pcm.Bytes(), nil
}

func stripWAVHeader(b []byte) []byte {
	if _, err := audio.ParseWAVHeader(b); err == nil {
		return b[audio.WAVHeaderSize:]
	}
	return b
}
