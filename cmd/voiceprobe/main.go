package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/voicecall/internal/audio"
	"github.com/antoniostano/voicecall/internal/protocol"
)

type options struct {
	baseURL        string
	name           string
	systemPrompt   string
	turns          int
	audioFile      string
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type createSessionRequest struct {
	Name         string `json:"name,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type createSessionResponse struct {
	SessionID     string `json:"session_id"`
	WebSocketPath string `json:"ws_path"`
}

// wsEnvelope is the union of the server message fields the probe reads.
type wsEnvelope struct {
	Type    protocol.MessageType `json:"type"`
	Text    string               `json:"text,omitempty"`
	Message string               `json:"message,omitempty"`
	Audio   string               `json:"audio,omitempty"`
	Format  string               `json:"format,omitempty"`
}

// turnResult records one replayed turn as the client observed it.
type turnResult struct {
	Input        string
	Reply        string
	FirstText    time.Duration
	FirstAudio   time.Duration
	AudioBytes   int
	SampleRate   uint32
	AudioPlayout time.Duration
}

var defaultUtterances = []string{
	"Reply in three words: how are you?",
	"Reply in three words: what is next?",
	"Reply in three words: summarize our chat.",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()
	results, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(1)
	}
	printSummary(os.Stdout, results)
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	fs := flag.NewFlagSet("voiceprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8001", "voicecall base URL")
	fs.StringVar(&cfg.name, "name", "", "optional agent name for the probe session")
	fs.StringVar(&cfg.systemPrompt, "system-prompt", "", "optional persona prompt for the probe session")
	fs.IntVar(&cfg.turns, "turns", 5, "number of turns to replay")
	fs.StringVar(&cfg.audioFile, "audio-file", "", "send this file as one audio_chunk per turn instead of text messages")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 250, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for audio_response per turn in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options, out io.Writer) ([]turnResult, error) {
	var clip []byte
	if cfg.audioFile != "" {
		b, err := os.ReadFile(cfg.audioFile)
		if err != nil {
			return nil, fmt.Errorf("read audio file: %w", err)
		}
		clip = b
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	created, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, created.SessionID)
	}()
	if cfg.verbose {
		fmt.Fprintf(out, "voiceprobe: session=%s turns=%d\n", created.SessionID, cfg.turns)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, created)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan wsEnvelope, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh)

	if err := awaitType(events, readErrCh, protocol.TypeConnected, cfg.turnTimeout); err != nil {
		return nil, fmt.Errorf("await connected: %w", err)
	}

	results := make([]turnResult, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		var msg any = protocol.TextMessage{Type: protocol.TypeTextMessage, Text: text}
		if clip != nil {
			text = cfg.audioFile
			msg = protocol.AudioChunk{
				Type:      protocol.TypeAudioChunk,
				Data:      base64.StdEncoding.EncodeToString(clip),
				Timestamp: float64(time.Now().UnixMilli()),
			}
		}
		if cfg.verbose {
			fmt.Fprintf(out, "voiceprobe: turn %d/%d input=%q\n", i+1, cfg.turns, text)
		}

		sentAt := time.Now()
		if err := conn.WriteJSON(msg); err != nil {
			return results, fmt.Errorf("turn %d send: %w", i+1, err)
		}
		res, err := awaitTurn(events, readErrCh, sentAt, cfg.turnTimeout)
		if err != nil {
			return results, fmt.Errorf("turn %d: %w", i+1, err)
		}
		res.Input = text
		results = append(results, res)
		if cfg.verbose {
			fmt.Fprintf(out, "voiceprobe: turn %d reply=%q text=%s audio=%s\n", i+1, res.Reply, res.FirstText, res.FirstAudio)
		}

		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	_ = conn.WriteJSON(protocol.EndStream{Type: protocol.TypeEndStream})
	if err := awaitType(events, readErrCh, protocol.TypeStreamEnded, cfg.turnTimeout); err != nil && cfg.verbose {
		fmt.Fprintf(out, "voiceprobe: end_stream not acknowledged: %v\n", err)
	}
	return results, nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (createSessionResponse, error) {
	payload, err := json.Marshal(createSessionRequest{
		Name:         strings.TrimSpace(cfg.name),
		SystemPrompt: strings.TrimSpace(cfg.systemPrompt),
	})
	if err != nil {
		return createSessionResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return createSessionResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return createSessionResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return createSessionResponse{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return createSessionResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return createSessionResponse{}, err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return createSessionResponse{}, fmt.Errorf("missing session_id in response")
	}
	return out, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL string, created createSessionResponse) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	path := created.WebSocketPath
	if path == "" {
		path = "/ws/voice/" + url.PathEscape(created.SessionID)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error) {
	defer close(events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErrCh <- err
			close(readErrCh)
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		events <- env
	}
}

func awaitType(events <-chan wsEnvelope, readErrCh <-chan error, want protocol.MessageType, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env, ok := <-events:
			if !ok {
				return fmt.Errorf("connection closed: %v", <-readErrCh)
			}
			if env.Type == want {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeout after %s waiting for %s", timeout, want)
		}
	}
}

// awaitTurn collects the agent_response and audio_response of one turn.
// Status and transcript events in between are skipped.
func awaitTurn(events <-chan wsEnvelope, readErrCh <-chan error, sentAt time.Time, timeout time.Duration) (turnResult, error) {
	var res turnResult
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env, ok := <-events:
			if !ok {
				return res, fmt.Errorf("connection closed: %v", <-readErrCh)
			}
			switch env.Type {
			case protocol.TypeAgentResponse:
				if res.FirstText == 0 {
					res.FirstText = time.Since(sentAt)
					res.Reply = env.Text
				}
			case protocol.TypeAudioResponse:
				res.FirstAudio = time.Since(sentAt)
				if err := inspectAudio(env, &res); err != nil {
					return res, err
				}
				return res, nil
			case protocol.TypeError:
				return res, fmt.Errorf("server error: %s", env.Message)
			case protocol.TypeSessionTimeout:
				return res, fmt.Errorf("session timed out: %s", env.Message)
			}
		case <-timer.C:
			return res, fmt.Errorf("timeout after %s waiting for audio_response", timeout)
		}
	}
}

func inspectAudio(env wsEnvelope, res *turnResult) error {
	if env.Format != "wav" {
		return fmt.Errorf("audio_response format %q, want wav", env.Format)
	}
	wav, err := base64.StdEncoding.DecodeString(env.Audio)
	if err != nil {
		return fmt.Errorf("decode audio_response: %w", err)
	}
	h, err := audio.ParseWAVHeader(wav)
	if err != nil {
		return fmt.Errorf("audio_response: %w", err)
	}
	res.AudioBytes = len(wav)
	res.SampleRate = h.SampleRate
	res.AudioPlayout = audio.PlaybackDuration(wav)
	return nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printSummary(out io.Writer, results []turnResult) {
	if len(results) == 0 {
		fmt.Fprintln(out, "voiceprobe: no completed turns")
		return
	}
	text := make([]time.Duration, 0, len(results))
	audioLat := make([]time.Duration, 0, len(results))
	for _, r := range results {
		text = append(text, r.FirstText)
		audioLat = append(audioLat, r.FirstAudio)
	}
	sort.Slice(text, func(i, j int) bool { return text[i] < text[j] })
	sort.Slice(audioLat, func(i, j int) bool { return audioLat[i] < audioLat[j] })
	fmt.Fprintf(out, "voiceprobe: turns=%d agent_response p50=%s p95=%s audio_response p50=%s p95=%s\n",
		len(results),
		percentile(text, 0.50), percentile(text, 0.95),
		percentile(audioLat, 0.50), percentile(audioLat, 0.95),
	)
}
