// Package agent turns a user utterance into the spoken reply of the
// configured persona.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/antoniostano/voicecall/internal/conversation"
)

const (
	// FallbackText is spoken when generation fails outright.
	FallbackText = "I'm having trouble connecting to my brain right now. Please check if my models are running."
	// EmptyReplyText is spoken when the model answered with nothing usable.
	EmptyReplyText = "I'm sorry, I couldn't process that. Could you try again?"

	noHistory = "No previous conversation"
)

// Intent categories produced by the classification stage.
const (
	IntentGreeting      = "greeting"
	IntentQuestion      = "question"
	IntentCommand       = "command"
	IntentFarewell      = "farewell"
	IntentClarification = "clarification"
	IntentOther         = "other"
	// IntentGeneral is reported when classification is disabled.
	IntentGeneral = "general"
)

var validIntents = map[string]struct{}{
	IntentGreeting:      {},
	IntentQuestion:      {},
	IntentCommand:       {},
	IntentFarewell:      {},
	IntentClarification: {},
	IntentOther:         {},
}

// Reply is the outcome of one generation. Text is never empty.
type Reply struct {
	Text     string
	Intent   string
	Fallback bool
}

// Responder generates the agent's reply to one user turn. Implementations
// absorb every failure into a fallback Reply.
type Responder interface {
	Respond(ctx context.Context, userText string, agent conversation.AgentConfig, history []conversation.Turn) Reply
}

// HistoryWindow controls how much prior conversation reaches the prompt.
type HistoryWindow struct {
	Turns int
	Chars int
}

func DefaultHistoryWindow() HistoryWindow {
	return HistoryWindow{Turns: 5, Chars: 500}
}

// RenderHistory formats the most recent turns as "role: text" lines, keeping
// at most w.Chars of the most recent characters.
func RenderHistory(history []conversation.Turn, w HistoryWindow) string {
	if len(history) == 0 || w.Turns <= 0 {
		return noHistory
	}
	if len(history) > w.Turns {
		history = history[len(history)-w.Turns:]
	}
	lines := make([]string, 0, len(history))
	for _, t := range history {
		lines = append(lines, fmt.Sprintf("%s: %s", t.Role, strings.TrimSpace(t.Text)))
	}
	rendered := strings.Join(lines, "\n")
	if w.Chars > 0 {
		if r := []rune(rendered); len(r) > w.Chars {
			rendered = string(r[len(r)-w.Chars:])
		}
	}
	return rendered
}

// ParseIntent maps raw classifier output to a known category.
func ParseIntent(raw string) string {
	fields := strings.Fields(strings.ToLower(raw))
	if len(fields) == 0 {
		return IntentOther
	}
	word := strings.Trim(fields[0], ".,!?:;\"'`*")
	if _, ok := validIntents[word]; ok {
		return word
	}
	return IntentOther
}

func intentPrompt(userText string) string {
	return `Classify the user's intent into ONE category:
- greeting: Starting conversation
- question: Asking for information
- command: Requesting action
- farewell: Ending conversation
- clarification: Needs more info
- other: Anything else

User: "` + userText + `"

Respond with ONLY the category name (one word):`
}

func responsePrompt(userText, intent, history string) string {
	var b strings.Builder
	b.WriteString("User's intent: ")
	b.WriteString(intent)
	b.WriteString("\nPrevious conversation: ")
	b.WriteString(history)
	b.WriteString("\n\nUser: ")
	b.WriteString(userText)
	b.WriteString("\n\nRespond naturally in 1-2 sentences (voice-friendly).")
	return b.String()
}

func fallbackReply(intent string) Reply {
	return Reply{Text: FallbackText, Intent: intent, Fallback: true}
}
