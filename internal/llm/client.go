// Package llm is the LLM collaborator: a provider-neutral Client interface,
// drivers for OpenAI-compatible and Anthropic APIs, a fallback router across
// providers, and a structured-output helper.
package llm

import (
	"context"
	"errors"

	"github.com/agentoven/taskpilot/pkg/models"
)

var (
	// ErrNoProviders is returned when no provider is configured.
	ErrNoProviders = errors.New("no LLM providers configured")

	// ErrStructuredOutput is returned when a structured response cannot be
	// parsed into the requested type.
	ErrStructuredOutput = errors.New("structured output parse failure")
)

// Response is one LLM reply.
type Response struct {
	Content   string            `json:"content"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
	Usage     models.TokenUsage `json:"usage"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	LatencyMs int64             `json:"latency_ms"`
}

// Client invokes an LLM with a system prompt, the ordered conversation, and
// the tools bound for this call. tools may differ on every call.
type Client interface {
	Invoke(ctx context.Context, system string, messages []models.ChatMessage, tools []models.ToolDefinition) (*Response, error)
}

// Provider is a Client backed by one vendor API.
type Provider interface {
	Client
	Name() string
}
