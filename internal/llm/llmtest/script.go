// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/agentoven/taskpilot/internal/llm"
	"github.com/agentoven/taskpilot/pkg/models"
)

// ErrScriptExhausted is returned once every scripted reply was consumed.
var ErrScriptExhausted = errors.New("llmtest: script exhausted")

// Call captures what one Invoke received.
type Call struct {
	System   string
	Messages []models.ChatMessage
	Tools    []models.ToolDefinition
}

// ToolNames lists the names of the tools bound for this call.
func (c Call) ToolNames() []string {
	names := make([]string, len(c.Tools))
	for i, t := range c.Tools {
		names[i] = t.Name
	}
	return names
}

// Script replays canned replies in order and records every call.
type Script struct {
	mu      sync.Mutex
	replies []Reply
	calls   []Call
	// Repeat keeps returning the last reply once the script runs out.
	Repeat bool
}

// Reply is one scripted turn: a response or an error.
type Reply struct {
	Response *llm.Response
	Err      error
}

func New(replies ...Reply) *Script {
	return &Script{replies: replies}
}

// Text builds a plain text reply.
func Text(s string) Reply {
	return Reply{Response: &llm.Response{Content: s}}
}

// Tools builds a reply that requests tool calls.
func Tools(calls ...models.ToolCall) Reply {
	return Reply{Response: &llm.Response{ToolCalls: calls}}
}

// Fail builds an error reply.
func Fail(err error) Reply {
	return Reply{Err: err}
}

func (s *Script) Invoke(ctx context.Context, system string, messages []models.ChatMessage, tools []models.ToolDefinition) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]models.ChatMessage, len(messages))
	copy(msgs, messages)
	s.calls = append(s.calls, Call{System: system, Messages: msgs, Tools: tools})

	idx := len(s.calls) - 1
	if idx >= len(s.replies) {
		if !s.Repeat || len(s.replies) == 0 {
			return nil, ErrScriptExhausted
		}
		idx = len(s.replies) - 1
	}
	r := s.replies[idx]
	if r.Err != nil {
		return nil, r.Err
	}
	resp := *r.Response
	return &resp, nil
}

func (s *Script) Name() string { return "script" }

// Calls returns a copy of the recorded calls.
func (s *Script) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}
