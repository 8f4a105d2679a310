package context

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/user/convpipe/internal/types"
)

// DefaultPrompt is the built-in system prompt template used when no custom
// prompt is configured. It uses Go text/template syntax with PromptData
// fields: .Time, .ConversationID
const DefaultPrompt = `You are a banking assistant. You answer questions about the user's accounts.

- Time: {{.Time}}
- Conversation: {{.ConversationID}}

Earlier assistant turns may include account data returned by the bank as JSON. Treat it as the latest known state of the account and quote figures from it exactly.

Be concise and direct. If you do not have the data to answer, say so.
`

// PromptData is the data available to a system prompt template.
type PromptData struct {
	Time           string
	ConversationID types.ConversationID
}

// RenderSystemPrompt executes tmpl (DefaultPrompt when empty) for the given
// conversation.
func RenderSystemPrompt(tmpl string, id types.ConversationID, now time.Time) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultPrompt
	}
	t, err := template.New("system").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse system prompt: %w", err)
	}
	var b strings.Builder
	if err := t.Execute(&b, PromptData{
		Time:           now.Format(time.RFC3339),
		ConversationID: id,
	}); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return b.String(), nil
}
