// internal/context/engine.go
package context

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/convpipe/internal/types"
	"github.com/user/convpipe/pkg/llm"
)

// perMessageOverhead approximates the role and framing tokens each chat
// message costs on top of its content.
const perMessageOverhead = 4

// Engine reduces a conversation log to token-budgeted chat turns.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
// When no tokenizer can be loaded, counts fall back to a chars/4 estimate.
func New(model string, maxTokens, reserve int) *Engine {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tokenizer unavailable, using estimate", "model", model, "error", err)
			enc = nil
		}
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}
}

// NewEstimating creates an engine that counts tokens as chars/4 without
// loading tokenizer data.
func NewEstimating(maxTokens, reserve int) *Engine {
	return &Engine{maxTokens: maxTokens, reserve: reserve}
}

// CountTokens returns the token count for a string.
func (e *Engine) CountTokens(text string) int {
	if e.tokenizer == nil {
		return (len(text) + 3) / 4
	}
	return len(e.tokenizer.Encode(text, nil, nil))
}

// Turns converts records to chat messages in chronological order. User
// records become "user" turns and every other role becomes "assistant".
// Oldest turns are dropped first once the input budget (window minus reserve
// minus the system prompt) is spent; the newest turn is always kept.
func (e *Engine) Turns(records []*types.Record, system string) []llm.Message {
	budget := e.maxTokens - e.reserve
	if system != "" {
		budget -= e.CountTokens(system) + perMessageOverhead
	}

	kept := 0
	used := 0
	for i := len(records) - 1; i >= 0; i-- {
		cost := e.CountTokens(records[i].Payload) + perMessageOverhead
		if kept > 0 && used+cost > budget {
			break
		}
		used += cost
		kept++
	}

	messages := make([]llm.Message, 0, kept)
	for _, rec := range records[len(records)-kept:] {
		messages = append(messages, llm.Message{Role: chatRole(rec.Role), Content: rec.Payload})
	}
	return messages
}

func chatRole(role types.Role) string {
	if role == types.RoleUser {
		return "user"
	}
	return "assistant"
}
