// Package planner turns an action tool call into a PlannedAction: a durable,
// human-reviewable description of a mutation that waits for approval.
// Nothing in this package executes the action.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentoven/taskpilot/internal/backend"
	"github.com/agentoven/taskpilot/internal/metrics"
	"github.com/agentoven/taskpilot/internal/preflight"
	"github.com/agentoven/taskpilot/internal/store"
	"github.com/agentoven/taskpilot/internal/toolreg"
	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PendingArtifactPrefix marks an artifact id generated locally because the
// artifact store was unavailable.
const PendingArtifactPrefix = "pending-"

// stateMergeEntities get their current backend state merged into update plans.
var stateMergeEntities = map[string]bool{
	"workitem": true,
	"project":  true,
	"module":   true,
	"cycle":    true,
}

// readOnlyKeys are never carried from fetched state into a plan.
var readOnlyKeys = map[string]bool{
	"id":               true,
	"created_at":       true,
	"updated_at":       true,
	"created_by":       true,
	"updated_by":       true,
	"deleted_at":       true,
	"archived_at":      true,
	"workspace":        true,
	"workspace_id":     true,
	"workspace_slug":   true,
	"sequence_id":      true,
	"sort_order":       true,
	"completed_at":     true,
	"is_favorite":      true,
	"total_issues":     true,
	"completed_issues": true,
}

// Context is the turn-level information a plan is built from.
type Context struct {
	ChatID             string
	MessageID          string
	Query              string
	WorkspaceSlug      string
	ProjectID          string
	ConversationLength int
	Sequence           int
	Facts              []models.RetrievalFact
}

// Planner builds planned actions.
type Planner struct {
	reg            *toolreg.Registry
	inv            backend.Invoker
	artifacts      store.ArtifactStore
	metrics        *metrics.Recorder
	toolTimeout    time.Duration
	persistTimeout time.Duration
	now            func() time.Time
}

// Option configures a Planner.
type Option func(*Planner)

func WithMetrics(m *metrics.Recorder) Option { return func(p *Planner) { p.metrics = m } }

func WithTimeouts(tool, persist time.Duration) Option {
	return func(p *Planner) {
		if tool > 0 {
			p.toolTimeout = tool
		}
		if persist > 0 {
			p.persistTimeout = persist
		}
	}
}

func WithClock(now func() time.Time) Option { return func(p *Planner) { p.now = now } }

// New creates a planner. inv is only used to fetch current entity state for
// update plans and may be nil.
func New(reg *toolreg.Registry, inv backend.Invoker, artifacts store.ArtifactStore, opts ...Option) *Planner {
	p := &Planner{
		reg:            reg,
		inv:            inv,
		artifacts:      artifacts,
		toolTimeout:    30 * time.Second,
		persistTimeout: 3 * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan drafts and persists a planned action.
func (p *Planner) Plan(ctx context.Context, toolName string, args map[string]interface{}, pc Context) *models.PlannedAction {
	a := p.Draft(ctx, toolName, args, pc)
	p.Persist(ctx, a)
	return a
}

// Draft builds the planned action without persisting it. args is not
// modified.
func (p *Planner) Draft(ctx context.Context, toolName string, args map[string]interface{}, pc Context) *models.PlannedAction {
	actionType := p.reg.ActionType(toolName)
	if actionType == "" {
		actionType = toolreg.DeriveActionType(toolName)
	}
	entity := p.reg.EntityType(toolName)
	if entity == "" {
		entity = toolreg.DeriveEntityType(toolName)
	}

	working := p.injectScope(toolName, args, pc)
	if actionType == models.ActionUpdate && stateMergeEntities[entity] {
		working = p.mergeState(ctx, entity, working)
	}
	cleaned := Clean(working)

	a := &models.PlannedAction{
		ChatID:      pc.ChatID,
		MessageID:   pc.MessageID,
		ToolName:    toolName,
		ActionType:  actionType,
		EntityType:  entity,
		CleanedArgs: cleaned,
		Sequence:    pc.Sequence,
		PlanningContext: models.PlanningContext{
			Query:              pc.Query,
			ConversationLength: pc.ConversationLength,
			RetrievalFacts:     pc.Facts,
		},
		CreatedAt: p.now().UTC(),
	}
	if actionType == models.ActionCreate {
		if name := displayName(cleaned); name != "" {
			a.PlaceholderRef = preflight.PlaceholderPrefix + entity + ": " + name
		}
	}
	a.Summary = Summarize(a)
	return a
}

// Persist stores the action and backfills its artifact id. A store failure
// is logged and leaves a locally generated pending id.
func (p *Planner) Persist(ctx context.Context, a *models.PlannedAction) {
	p.metrics.IncPlannedAction(string(a.ActionType))
	if p.artifacts == nil {
		a.ArtifactID = PendingArtifactPrefix + uuid.New().String()
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.persistTimeout)
	defer cancel()

	id, err := p.artifacts.CreateArtifact(pctx, a)
	if err != nil {
		log.Error().
			Err(err).
			Str("tool", a.ToolName).
			Str("message_id", a.MessageID).
			Msg("Failed to persist planned action, using pending id")
		p.metrics.IncPersistFailure("artifact")
		a.ArtifactID = PendingArtifactPrefix + uuid.New().String()
		return
	}
	a.ArtifactID = id
}

// ── Scope & state ───────────────────────────────────────────

func (p *Planner) injectScope(toolName string, args map[string]interface{}, pc Context) map[string]interface{} {
	out := make(map[string]interface{}, len(args)+2)
	for k, v := range args {
		out[k] = v
	}
	if preflight.IsValidID(pc.ProjectID) && p.acceptsField(toolName, "project_id") && unset(out["project_id"]) {
		out["project_id"] = pc.ProjectID
	}
	if pc.WorkspaceSlug != "" && unset(out["workspace_slug"]) {
		out["workspace_slug"] = pc.WorkspaceSlug
	}
	return out
}

func (p *Planner) acceptsField(toolName, field string) bool {
	for _, f := range p.reg.RequiredFields(toolName) {
		if f == field {
			return true
		}
	}
	spec, ok := p.reg.Get(toolName)
	if !ok {
		return false
	}
	props, _ := spec.Parameters["properties"].(map[string]interface{})
	_, ok = props[field]
	return ok
}

// mergeState lays args over the entity's current backend state so the plan
// carries the complete object. Failures leave args unchanged.
func (p *Planner) mergeState(ctx context.Context, entity string, args map[string]interface{}) map[string]interface{} {
	if p.inv == nil {
		return args
	}
	idKey := entity + "_id"
	id, _ := args[idKey].(string)
	if !preflight.IsValidID(id) {
		return args
	}

	query := map[string]interface{}{idKey: id}
	if pid, _ := args["project_id"].(string); preflight.IsValidID(pid) {
		query["project_id"] = pid
	}
	if slug, _ := args["workspace_slug"].(string); slug != "" {
		query["workspace_slug"] = slug
	}

	tctx, cancel := context.WithTimeout(ctx, p.toolTimeout)
	defer cancel()
	tool := "retrieve_" + entity
	res, err := p.inv.Invoke(tctx, tool, query)
	if err != nil || res == nil || !res.Success {
		log.Debug().Err(err).Str("tool", tool).Msg("Current state unavailable, planning partial update")
		return args
	}
	recs := backend.Records(res.Data)
	if len(recs) != 1 {
		return args
	}

	merged := make(map[string]interface{}, len(recs[0])+len(args))
	for k, v := range recs[0] {
		if readOnlyKeys[k] || v == nil {
			continue
		}
		if _, nested := v.(map[string]interface{}); nested {
			continue
		}
		merged[k] = v
	}
	for k, v := range args {
		merged[k] = v
	}
	return merged
}

// ── Cleaning ────────────────────────────────────────────────

// Clean rewrites args for durable storage: non-identifier values of *_id
// fields (and of list-valued id fields, element-wise) become
// "identifier of <entity>: <value>" placeholders, and workspace_slug is
// dropped.
func Clean(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if k == "workspace_slug" {
			continue
		}
		switch {
		case toolreg.IsListField(k):
			out[k] = cleanList(k, v)
		case strings.HasSuffix(k, "_id"):
			out[k] = cleanID(toolreg.EntityForField(k), v)
		default:
			out[k] = v
		}
	}
	return out
}

func cleanList(field string, v interface{}) interface{} {
	entity := toolreg.EntityForField(field)
	switch list := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(list))
		for i, item := range list {
			out[i] = cleanID(entity, item)
		}
		return out
	case []string:
		out := make([]interface{}, len(list))
		for i, item := range list {
			out[i] = cleanID(entity, item)
		}
		return out
	case string:
		return []interface{}{cleanID(entity, list)}
	}
	return v
}

func cleanID(entity string, v interface{}) interface{} {
	switch val := v.(type) {
	case []interface{}:
		if len(val) == 1 {
			return cleanID(entity, val[0])
		}
	case []string:
		if len(val) == 1 {
			return cleanID(entity, val[0])
		}
	case string:
		s := strings.TrimSpace(val)
		if s == "" || preflight.IsValidID(s) || s == preflight.WorkspaceScope || strings.HasPrefix(s, preflight.PlaceholderPrefix) {
			return s
		}
		return preflight.PlaceholderPrefix + entity + ": " + s
	case map[string]interface{}:
		if id, _ := val["id"].(string); preflight.IsValidID(id) {
			return id
		}
		if name := displayName(val); name != "" {
			return preflight.PlaceholderPrefix + entity + ": " + name
		}
	}
	return v
}

// DedupKey is the canonical identity of a planned call within a turn.
func DedupKey(toolName string, cleaned map[string]interface{}) string {
	// encoding/json writes map keys sorted, which makes the key canonical.
	b, err := json.Marshal(cleaned)
	if err != nil {
		return toolName + fmt.Sprintf("(%v)", cleaned)
	}
	return toolName + "(" + string(b) + ")"
}

// ── Summary ─────────────────────────────────────────────────

var verbs = map[models.ActionType]string{
	models.ActionCreate: "Create",
	models.ActionUpdate: "Update",
	models.ActionDelete: "Delete",
	models.ActionAdd:    "Add",
	models.ActionRemove: "Remove",
}

// Summarize builds the human-safe description of a planned action.
func Summarize(a *models.PlannedAction) models.ActionSummary {
	verb := verbs[a.ActionType]
	if verb == "" {
		verb = "Run"
	}
	entity := displayEntity(a.EntityType)

	params := make(map[string]string, len(a.CleanedArgs))
	for k, v := range a.CleanedArgs {
		if s := flatten(v); s != "" {
			params[k] = s
		}
	}

	text := verb + " " + entity
	if name := displayName(a.CleanedArgs); name != "" {
		text += fmt.Sprintf(" %q", name)
	}
	if details := detailText(params); details != "" {
		text += " (" + details + ")"
	}
	return models.ActionSummary{
		Verb:       verb,
		EntityType: a.EntityType,
		Parameters: params,
		Text:       text,
	}
}

func detailText(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "name" || k == "title" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = strings.ReplaceAll(k, "_", " ") + ": " + params[k]
	}
	return strings.Join(parts, ", ")
}

func displayEntity(entity string) string {
	switch entity {
	case "workitem":
		return "work item"
	case "":
		return "item"
	}
	return strings.ReplaceAll(entity, "_", " ")
}

func displayName(args map[string]interface{}) string {
	for _, k := range []string{"name", "title"} {
		if s, ok := args[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func flatten(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s := flatten(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(val, ", ")
	case map[string]interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

func unset(v interface{}) bool {
	s, isString := v.(string)
	return v == nil || (isString && (strings.TrimSpace(s) == "" || s == preflight.NeedsClarification))
}
