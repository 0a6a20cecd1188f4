// Package backendtest provides an in-memory backend.Invoker for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentoven/taskpilot/internal/backend"
)

// Handler answers one tool.
type Handler func(args map[string]interface{}) (*backend.Result, error)

// Call records one invocation.
type Call struct {
	Name string
	Args map[string]interface{}
}

// Fake dispatches tool calls to registered handlers and records them.
// Unknown tools fail with a backend error result.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
}

func New() *Fake {
	return &Fake{handlers: make(map[string]Handler)}
}

// On registers a handler for a tool.
func (f *Fake) On(name string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
	return f
}

// Returns registers a tool that always succeeds with data.
func (f *Fake) Returns(name string, data interface{}) *Fake {
	return f.On(name, func(map[string]interface{}) (*backend.Result, error) {
		return &backend.Result{Success: true, Data: data}, nil
	})
}

func (f *Fake) Invoke(ctx context.Context, name string, args map[string]interface{}) (*backend.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	copied := make(map[string]interface{}, len(args))
	for k, v := range args {
		copied[k] = v
	}
	f.calls = append(f.calls, Call{Name: name, Args: copied})
	h, ok := f.handlers[name]
	f.mu.Unlock()

	if !ok {
		return &backend.Result{Success: false, Message: fmt.Sprintf("tool %s not found", name)}, nil
	}
	return h(args)
}

func (f *Fake) ListTools(context.Context) ([]backend.ToolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]backend.ToolInfo, 0, len(f.handlers))
	for name := range f.handlers {
		out = append(out, backend.ToolInfo{Name: name})
	}
	return out, nil
}

// Calls returns every recorded invocation.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the recorded invocations of one tool.
func (f *Fake) CallsTo(name string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}
