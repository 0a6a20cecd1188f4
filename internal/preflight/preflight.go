// Package preflight decides which required arguments of an action tool call
// are still unresolved before it can be planned.
package preflight

import (
	"sort"
	"strings"

	"github.com/agentoven/taskpilot/internal/toolreg"
	"github.com/google/uuid"
)

const (
	// NeedsClarification is the value the LLM is told to use for an
	// argument it cannot fill.
	NeedsClarification = "__needs_clarification__"

	// WorkspaceScope marks an argument as explicitly scoped to the
	// workspace rather than to a sub-entity. It always counts as present.
	WorkspaceScope = "__workspace__"

	// PlaceholderPrefix starts every cleaned forward reference.
	PlaceholderPrefix = "identifier of "
)

// RequiredFieldSource supplies the ordered required argument names of a tool.
type RequiredFieldSource interface {
	RequiredFields(toolName string) []string
}

// Context is the ambient scope a missing field may be inherited from.
type Context struct {
	ProjectID string
	// PendingRefs are placeholder references of entities planned earlier in
	// the same turn. An argument citing one counts as present.
	PendingRefs []string
}

// Checker runs the required-field preflight.
type Checker struct {
	fields RequiredFieldSource
}

func NewChecker(fields RequiredFieldSource) *Checker {
	return &Checker{fields: fields}
}

// Missing returns the sorted required fields of toolName that args does not
// satisfy. It has no side effects.
func (c *Checker) Missing(toolName string, args map[string]interface{}, pc Context) []string {
	var missing []string
	for _, field := range c.fields.RequiredFields(toolName) {
		if present(field, args[field], pc) {
			continue
		}
		if field == "project_id" && IsValidID(pc.ProjectID) && absent(args[field]) {
			continue
		}
		missing = append(missing, field)
	}
	sort.Strings(missing)
	return missing
}

func absent(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		s := strings.TrimSpace(val)
		return s == "" || s == NeedsClarification
	}
	return false
}

func present(field string, v interface{}, pc Context) bool {
	if absent(v) {
		return false
	}
	if s, ok := v.(string); ok && s == WorkspaceScope {
		return true
	}
	// Lists satisfy list fields only; a list in a single-id field is not an id.
	switch val := v.(type) {
	case []interface{}:
		if len(val) == 0 {
			return false
		}
		if toolreg.IsListField(field) {
			return true
		}
	case []string:
		if len(val) == 0 {
			return false
		}
		if toolreg.IsListField(field) {
			return true
		}
	}
	if !strings.HasSuffix(field, "_id") {
		return true
	}
	switch val := v.(type) {
	case string:
		if IsValidID(val) {
			return true
		}
		return isPendingRef(val, field, pc.PendingRefs)
	case map[string]interface{}:
		id, _ := val["id"].(string)
		return IsValidID(id)
	}
	return false
}

// IsValidID reports whether s is a canonical 36-character UUID. The urn,
// braced and undashed forms uuid.Parse also accepts are rejected.
func IsValidID(s string) bool {
	return len(s) == 36 && uuid.Validate(s) == nil
}

// isPendingRef matches a placeholder created earlier in this turn, either
// verbatim or in its cleaned form "identifier of <entity>: <value>".
func isPendingRef(val, field string, refs []string) bool {
	if len(refs) == 0 {
		return false
	}
	entity := strings.TrimSuffix(field, "_id")
	cleaned := PlaceholderPrefix + entity + ": " + val
	for _, ref := range refs {
		if strings.EqualFold(ref, val) || strings.EqualFold(ref, cleaned) {
			return true
		}
	}
	return false
}
