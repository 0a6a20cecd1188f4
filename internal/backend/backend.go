// Package backend talks to the capability-execution backend that owns the
// project-management data. Retrieval and lookup tools are invoked through
// it; action tools never are.
package backend

import (
	"context"
	"encoding/json"
	"strings"
)

// Result is the outcome of one tool invocation.
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Text renders the result as the tool message fed back to the LLM.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	if !r.Success {
		if r.Message == "" {
			return "Error: tool call failed"
		}
		return "Error: " + r.Message
	}
	switch d := r.Data.(type) {
	case nil:
		return r.Message
	case string:
		return d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return r.Message
		}
		return string(b)
	}
}

// ToolInfo describes one tool advertised by the backend.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// Invoker executes backend tools.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]interface{}) (*Result, error)
	ListTools(ctx context.Context) ([]ToolInfo, error)
}

// resultFromText builds a Result from a text payload, decoding it as JSON
// when it parses.
func resultFromText(text string, isError bool) *Result {
	if isError {
		return &Result{Success: false, Message: strings.TrimSpace(text)}
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v interface{}
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return &Result{Success: true, Data: v}
		}
	}
	return &Result{Success: true, Data: text}
}

// Records normalises a result payload into a list of entity records. It
// accepts a bare list, a single record with an "id", or an envelope keyed
// by "results", "items" or "data".
func Records(data interface{}) []map[string]interface{} {
	switch d := data.(type) {
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(d))
		for _, item := range d {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	case []map[string]interface{}:
		return d
	case map[string]interface{}:
		for _, key := range []string{"results", "items", "data"} {
			if inner, ok := d[key]; ok {
				return Records(inner)
			}
		}
		if _, ok := d["id"]; ok {
			return []map[string]interface{}{d}
		}
	case string:
		trimmed := strings.TrimSpace(d)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			var v interface{}
			if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
				return Records(v)
			}
		}
	}
	return nil
}

// StringField reads a string field of a record, following {"id": ...}
// objects for reference fields.
func StringField(rec map[string]interface{}, key string) string {
	switch v := rec[key].(type) {
	case string:
		return v
	case map[string]interface{}:
		s, _ := v["id"].(string)
		return s
	}
	return ""
}
