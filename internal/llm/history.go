package llm

import (
	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates role and framing tokens per message.
const perMessageOverhead = 4

// TokenCounter counts tokens with the GPT-4 encoding. Other vendors'
// tokenizers are close enough for budgeting.
type TokenCounter struct {
	codec tokenizer.Codec
}

func NewTokenCounter() *TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		log.Warn().Err(err).Msg("Tokenizer unavailable, estimating by length")
		return &TokenCounter{}
	}
	return &TokenCounter{codec: codec}
}

// Count returns the token count of text. Falls back to 4 chars per token.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	n, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

func (tc *TokenCounter) countMessage(m models.ChatMessage) int {
	n := perMessageOverhead + tc.Count(m.Content)
	for _, call := range m.ToolCalls {
		n += tc.Count(call.Name) + tc.Count(encodeArgs(call.Args))
	}
	return n
}

// TrimHistory keeps the most recent messages that fit in budget tokens.
// A non-positive budget keeps everything. Tool results are never kept
// without the assistant message that requested them.
func (tc *TokenCounter) TrimHistory(history []models.ChatMessage, budget int) []models.ChatMessage {
	if budget <= 0 || len(history) == 0 {
		return history
	}

	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := tc.countMessage(history[i])
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	for start < len(history) && history[start].Role == models.RoleTool {
		start++
	}
	if start > 0 {
		log.Debug().
			Int("dropped", start).
			Int("kept", len(history)-start).
			Int("tokens", used).
			Msg("History trimmed to token budget")
	}
	return history[start:]
}
