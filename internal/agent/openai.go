package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/antoniostano/voicecall/internal/conversation"
	"github.com/antoniostano/voicecall/internal/observability"
	"github.com/antoniostano/voicecall/internal/reliability"
)

const (
	orchestrationTemperature = 0.3
	conversationTemperature  = 0.7
)

// OpenAIConfig configures an OpenAIResponder. Any OpenAI-compatible chat
// completions endpoint works, including Ollama's /v1.
type OpenAIConfig struct {
	BaseURL            string
	APIKey             string
	ConversationModel  string
	OrchestrationModel string
	ClassifyIntent     bool
	Timeout            time.Duration
	History            HistoryWindow
}

// OpenAIResponder runs the optional intent stage on the orchestration model
// and the reply stage on the conversation model.
type OpenAIResponder struct {
	client  oai.Client
	cfg     OpenAIConfig
	metrics *observability.Metrics
}

func NewOpenAIResponder(cfg OpenAIConfig, metrics *observability.Metrics) (*OpenAIResponder, error) {
	if strings.TrimSpace(cfg.ConversationModel) == "" {
		return nil, errors.New("agent: conversation model must not be empty")
	}
	if strings.TrimSpace(cfg.OrchestrationModel) == "" {
		cfg.OrchestrationModel = cfg.ConversationModel
	}
	if cfg.History == (HistoryWindow{}) {
		cfg.History = DefaultHistoryWindow()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		// Ollama ignores the key but the client insists on one.
		apiKey = "ollama"
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(1),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIResponder{
		client:  oai.NewClient(reqOpts...),
		cfg:     cfg,
		metrics: metrics,
	}, nil
}

func (r *OpenAIResponder) Respond(ctx context.Context, userText string, agent conversation.AgentConfig, history []conversation.Turn) Reply {
	userText = strings.TrimSpace(userText)
	persona := strings.TrimSpace(agent.PersonaPrompt)
	if persona == "" {
		persona = conversation.DefaultPersona
	}

	intent := IntentGeneral
	if r.cfg.ClassifyIntent {
		intent = r.classify(ctx, userText)
	}
	if ctx.Err() != nil {
		return fallbackReply(intent)
	}

	model := r.cfg.ConversationModel
	if m := strings.TrimSpace(agent.Model); m != "" {
		model = m
	}

	spanCtx, span := observability.StartSpan(ctx, observability.SpanGenerate)
	defer span.End()
	started := time.Now()
	raw, err := r.complete(spanCtx, model, conversationTemperature,
		oai.SystemMessage(persona),
		oai.UserMessage(responsePrompt(userText, intent, RenderHistory(history, r.cfg.History))),
	)
	r.metrics.ObserveStage(observability.StageGenerate, time.Since(started))
	if err != nil {
		span.RecordError(err)
		if ctx.Err() == nil {
			log.Printf("agent generate failed model=%s: %v", model, err)
		}
		return fallbackReply(intent)
	}

	text := CleanReply(raw)
	if text == "" {
		r.metrics.GatewayError("llm", "empty")
		return Reply{Text: EmptyReplyText, Intent: intent, Fallback: true}
	}
	return Reply{Text: text, Intent: intent}
}

// classify returns IntentOther on any failure; the result is advisory only.
func (r *OpenAIResponder) classify(ctx context.Context, userText string) string {
	spanCtx, span := observability.StartSpan(ctx, observability.SpanClassify)
	defer span.End()
	started := time.Now()
	raw, err := r.complete(spanCtx, r.cfg.OrchestrationModel, orchestrationTemperature,
		oai.UserMessage(intentPrompt(userText)),
	)
	r.metrics.ObserveStage(observability.StageClassify, time.Since(started))
	if err != nil {
		span.RecordError(err)
		if ctx.Err() == nil {
			log.Printf("agent intent classification failed: %v", err)
		}
		return IntentOther
	}
	return ParseIntent(raw)
}

func (r *OpenAIResponder) complete(ctx context.Context, model string, temperature float64, msgs ...oai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := r.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    msgs,
		Temperature: param.NewOpt(temperature),
	})
	if err != nil {
		status := 0
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		code, _ := reliability.Classify(status, err)
		r.metrics.GatewayError("llm", code)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		r.metrics.GatewayError("llm", "empty")
		return "", errors.New("chat completion: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}
