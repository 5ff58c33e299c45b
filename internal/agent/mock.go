package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/antoniostano/voicecall/internal/conversation"
)

// MockResponder provides deterministic local replies when no model server is
// available.
type MockResponder struct{}

func NewMockResponder() *MockResponder { return &MockResponder{} }

func (MockResponder) Respond(ctx context.Context, userText string, agent conversation.AgentConfig, history []conversation.Turn) Reply {
	if ctx.Err() != nil {
		return fallbackReply(IntentGeneral)
	}
	base := strings.TrimSpace(userText)
	if base == "" {
		return Reply{Text: EmptyReplyText, Intent: IntentOther, Fallback: true}
	}
	name := strings.TrimSpace(agent.DisplayName)
	if name == "" {
		name = conversation.DefaultDisplayName
	}
	if len(history) == 0 {
		return Reply{Text: fmt.Sprintf("%s here. I heard you: %s", name, base), Intent: IntentGeneral}
	}
	return Reply{Text: fmt.Sprintf("I heard you: %s", base), Intent: IntentGeneral}
}
