package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentoven/taskpilot/pkg/models"
)

// Structured asks the LLM for a JSON object and decodes it into T. The raw
// reply is returned alongside so callers can fall back on it when decoding
// fails with ErrStructuredOutput.
func Structured[T any](ctx context.Context, c Client, system, prompt string) (*T, string, error) {
	resp, err := c.Invoke(ctx, system, []models.ChatMessage{{Role: models.RoleUser, Content: prompt}}, nil)
	if err != nil {
		return nil, "", err
	}
	out, err := DecodeJSON[T](resp.Content)
	return out, resp.Content, err
}

// DecodeJSON extracts the outermost JSON object from text, tolerating code
// fences and surrounding prose.
func DecodeJSON[T any](text string) (*T, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrStructuredOutput)
	}
	var out T
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStructuredOutput, err)
	}
	return &out, nil
}
