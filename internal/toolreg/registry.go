// Package toolreg is the tagged tool registry. Every tool declares its class,
// category, required fields, and entity/action metadata when it is
// registered; naming conventions only fill in what a registration leaves out.
package toolreg

import (
	"sort"
	"strings"
	"sync"

	"github.com/agentoven/taskpilot/pkg/models"
)

// ClarificationTool is the dedicated tool the LLM calls to ask the user for
// missing information. It pre-empts every other call in its batch.
const ClarificationTool = "ask_for_clarification"

// Spec is the metadata one tool declares at registration.
type Spec struct {
	Name           string                 `yaml:"name" json:"name"`
	Description    string                 `yaml:"description" json:"description"`
	Category       string                 `yaml:"category" json:"category"`
	Class          models.ToolClass       `yaml:"class" json:"class"`
	RequiredFields []string               `yaml:"required_fields" json:"required_fields"`
	EntityType     string                 `yaml:"entity_type" json:"entity_type,omitempty"`
	ActionType     models.ActionType      `yaml:"action_type" json:"action_type,omitempty"`
	AlwaysOn       bool                   `yaml:"always_on" json:"always_on"`
	Parameters     map[string]interface{} `yaml:"parameters" json:"parameters,omitempty"`
}

// Registry holds tool specs keyed by name. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	specs   map[string]*Spec
	order   []string
	unknown models.ToolClass
}

// New creates an empty registry. unknownClass is the class given to names
// that are neither registered nor match a naming convention; anything other
// than "retrieval" is treated as action.
func New(unknownClass models.ToolClass) *Registry {
	if unknownClass != models.ToolClassRetrieval {
		unknownClass = models.ToolClassAction
	}
	return &Registry{
		specs:   make(map[string]*Spec),
		unknown: unknownClass,
	}
}

// NewDefault creates a registry preloaded with DefaultSpecs.
func NewDefault(unknownClass models.ToolClass) *Registry {
	r := New(unknownClass)
	for _, s := range DefaultSpecs() {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a tool. Missing metadata is derived from the name.
func (r *Registry) Register(s Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(r.derive(s))
}

// Merge overlays the non-zero fields of s onto an existing registration,
// or registers s if the name is new.
func (r *Registry) Merge(s Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.specs[s.Name]
	if !ok {
		r.putLocked(r.derive(s))
		return
	}
	merged := *cur
	if s.Description != "" {
		merged.Description = s.Description
	}
	if s.Category != "" {
		merged.Category = s.Category
	}
	if s.Class != "" {
		merged.Class = s.Class
	}
	if s.RequiredFields != nil {
		merged.RequiredFields = append([]string(nil), s.RequiredFields...)
	}
	if s.EntityType != "" {
		merged.EntityType = s.EntityType
	}
	if s.ActionType != "" {
		merged.ActionType = s.ActionType
	}
	if s.AlwaysOn {
		merged.AlwaysOn = true
	}
	if s.Parameters != nil {
		merged.Parameters = s.Parameters
	}
	r.putLocked(r.derive(merged))
}

func (r *Registry) putLocked(s Spec) {
	if _, exists := r.specs[s.Name]; !exists {
		r.order = append(r.order, s.Name)
	}
	r.specs[s.Name] = &s
}

func (r *Registry) derive(s Spec) Spec {
	if s.Class == "" {
		s.Class = r.classifyName(s.Name)
	}
	if s.Class != models.ToolClassRetrieval {
		s.Class = models.ToolClassAction
	}
	if s.Category == "" {
		s.Category = DeriveCategory(s.Name)
	}
	if s.EntityType == "" {
		s.EntityType = DeriveEntityType(s.Name)
	}
	if s.Class == models.ToolClassAction && s.ActionType == "" {
		s.ActionType = DeriveActionType(s.Name)
	}
	if s.RequiredFields == nil {
		if req, ok := defaultRequired[s.Name]; ok {
			s.RequiredFields = append([]string(nil), req...)
		}
	}
	return s
}

// Get returns a copy of the spec registered under name.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	if !ok {
		return Spec{}, false
	}
	return *s, true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.specs[name]
	return ok
}

// Classify returns the classification of a tool. Registered metadata wins;
// otherwise the naming convention decides, and names matching nothing get
// the registry's unknown class.
func (r *Registry) Classify(name string) models.ToolClassification {
	r.mu.RLock()
	s, ok := r.specs[name]
	r.mu.RUnlock()
	if ok {
		return models.ClassificationOf(s.Class)
	}
	return models.ClassificationOf(r.classifyName(name))
}

func (r *Registry) classifyName(name string) models.ToolClass {
	if class, matched := ClassifyName(name); matched {
		return class
	}
	return r.unknown
}

// RequiredFields returns the ordered required argument names of a tool.
func (r *Registry) RequiredFields(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.specs[name]; ok {
		return append([]string(nil), s.RequiredFields...)
	}
	if req, ok := defaultRequired[name]; ok {
		return append([]string(nil), req...)
	}
	return nil
}

// EntityType returns the registered entity type, falling back to the deriver.
func (r *Registry) EntityType(name string) string {
	if s, ok := r.Get(name); ok && s.EntityType != "" {
		return s.EntityType
	}
	return DeriveEntityType(name)
}

// ActionType returns the registered action type, falling back to the deriver.
func (r *Registry) ActionType(name string) models.ActionType {
	if s, ok := r.Get(name); ok && s.ActionType != "" {
		return s.ActionType
	}
	return DeriveActionType(name)
}

// Categories returns the distinct categories of registered, non-always-on
// tools, sorted.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, name := range r.order {
		s := r.specs[name]
		if s.AlwaysOn || s.Category == "" || seen[s.Category] {
			continue
		}
		seen[s.Category] = true
		out = append(out, s.Category)
	}
	sort.Strings(out)
	return out
}

// InCategory returns the registered tools of one category in registration order.
func (r *Registry) InCategory(category string) []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Spec
	for _, name := range r.order {
		if s := r.specs[name]; s.Category == category {
			out = append(out, *s)
		}
	}
	return out
}

// ForCategories builds the tool set bound to the LLM for a turn: every tool
// in the selected categories plus every always-on tool, deduplicated by name,
// in registration order. The clarification tool is always included.
func (r *Registry) ForCategories(categories []string) []models.ToolDefinition {
	want := make(map[string]bool, len(categories))
	for _, c := range categories {
		want[c] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var defs []models.ToolDefinition
	add := func(s *Spec) {
		if seen[s.Name] {
			return
		}
		seen[s.Name] = true
		defs = append(defs, models.ToolDefinition{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  schemaFor(s),
		})
	}
	for _, name := range r.order {
		s := r.specs[name]
		if want[s.Category] || s.AlwaysOn {
			add(s)
		}
	}
	if !seen[ClarificationTool] {
		add(&Spec{Name: ClarificationTool, Description: clarificationDescription, Parameters: clarificationSchema()})
	}
	return defs
}

// schemaFor returns the declared parameter schema, or a minimal one built
// from the required fields.
func schemaFor(s *Spec) map[string]interface{} {
	if s.Parameters != nil {
		return s.Parameters
	}
	props := make(map[string]interface{}, len(s.RequiredFields))
	for _, f := range s.RequiredFields {
		if IsListField(f) {
			props[f] = map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}}
			continue
		}
		props[f] = map[string]interface{}{"type": "string"}
	}
	schema := map[string]interface{}{"type": "object", "properties": props}
	if len(s.RequiredFields) > 0 {
		schema["required"] = append([]string(nil), s.RequiredFields...)
	}
	return schema
}

// IsListField reports whether an argument holds a list of identifiers.
func IsListField(field string) bool {
	if strings.HasSuffix(field, "_ids") {
		return true
	}
	switch field {
	case "issues", "work_items", "workitems", "assignees", "labels":
		return true
	}
	return false
}
