// Package clarify builds, enriches and persists clarification requests: the
// structured questions a turn suspends on when an action cannot be planned.
package clarify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentoven/taskpilot/internal/backend"
	"github.com/agentoven/taskpilot/internal/metrics"
	"github.com/agentoven/taskpilot/internal/preflight"
	"github.com/agentoven/taskpilot/internal/resolver"
	"github.com/agentoven/taskpilot/internal/store"
	"github.com/agentoven/taskpilot/internal/toolreg"
	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const pageLocationQuestion = "Where would you like this page to be created?"

// Input is everything a clarification is built from.
type Input struct {
	ChatID        string
	MessageID     string
	Kind          models.ClarificationKind
	Reason        string
	ToolName      string
	ToolArgs      map[string]interface{}
	MissingFields []string
	CategoryHints []string
	OriginalQuery string
	WorkspaceSlug string
	ProjectID     string

	// Questions and Options supplied by the LLM through the clarification
	// tool. They come before anything the builder adds.
	Questions []string
	Options   []models.DisambiguationOption
}

// Builder assembles clarification requests.
type Builder struct {
	inv            backend.Invoker
	clarifications store.ClarificationStore
	available      resolver.Available
	metrics        *metrics.Recorder
	baseURL        string
	toolTimeout    time.Duration
	persistTimeout time.Duration
	now            func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

func WithBaseURL(u string) Option { return func(b *Builder) { b.baseURL = u } }

func WithAvailable(a resolver.Available) Option { return func(b *Builder) { b.available = a } }

func WithMetrics(m *metrics.Recorder) Option { return func(b *Builder) { b.metrics = m } }

func WithTimeouts(tool, persist time.Duration) Option {
	return func(b *Builder) {
		if tool > 0 {
			b.toolTimeout = tool
		}
		if persist > 0 {
			b.persistTimeout = persist
		}
	}
}

func WithClock(now func() time.Time) Option { return func(b *Builder) { b.now = now } }

// NewBuilder creates a builder. inv and cs may be nil: options are then
// not populated and records are not persisted.
func NewBuilder(inv backend.Invoker, cs store.ClarificationStore, opts ...Option) *Builder {
	b := &Builder{
		inv:            inv,
		clarifications: cs,
		toolTimeout:    30 * time.Second,
		persistTimeout: 3 * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build creates the clarification, enriches it with options and links,
// and persists it. Enrichment and persistence are best-effort; the
// returned request is always usable.
func (b *Builder) Build(ctx context.Context, in Input) *models.ClarificationRequest {
	missing := sortedCopy(in.MissingFields)
	req := &models.ClarificationRequest{
		ChatID:        in.ChatID,
		MessageID:     in.MessageID,
		Kind:          in.Kind,
		Reason:        in.Reason,
		MissingFields: missing,
		CategoryHints: sortedCopy(in.CategoryHints),
		OriginalQuery: in.OriginalQuery,
		ToolName:      in.ToolName,
		ToolArgs:      in.ToolArgs,
		Status:        models.ClarificationPending,
		CreatedAt:     b.now().UTC(),
	}
	if req.Kind == "" {
		req.Kind = models.ClarificationAction
	}
	req.Questions = append(req.Questions, in.Questions...)
	req.Options = append(req.Options, in.Options...)

	primary := PrimaryField(missing)
	projectID := scopedProject(in)

	if primary != "" {
		if isPageCreate(in.ToolName) && primary == "project_id" && projectID == "" {
			req.Questions = append(req.Questions, pageLocationQuestion)
			req.Options = append(req.Options, models.DisambiguationOption{
				ID:   preflight.WorkspaceScope,
				Name: "Workspace (not inside a project)",
				Type: "workspace",
			})
		} else if len(in.Questions) == 0 {
			req.Questions = append(req.Questions, QuestionFor(primary))
		}

		opts, err := b.listOptions(ctx, primary, projectID)
		if err != nil {
			log.Debug().Err(err).Str("field", primary).Msg("Clarification options not populated")
		}
		req.Options = mergeOptions(req.Options, opts)
	}
	if req.Reason == "" {
		req.Reason = defaultReason(missing)
	}

	b.link(req, in.WorkspaceSlug)
	b.persist(ctx, req)
	b.metrics.IncClarification(string(req.Kind))
	return req
}

// ── Field priority ──────────────────────────────────────────

var fieldRank = map[string]int{
	"project_id": 0,
	"module_id":  1,
	"cycle_id":   2,
	"label_id":   3,
	"state_id":   4,
}

const userRank = 5

// PrimaryField picks the missing field to ask about first. project_id
// always wins since project-scoped fields cannot be listed without it.
func PrimaryField(missing []string) string {
	best, bestRank := "", 1<<30
	for _, f := range missing {
		r := rank(f)
		if r < bestRank || (r == bestRank && f < best) {
			best, bestRank = f, r
		}
	}
	return best
}

func rank(field string) int {
	if r, ok := fieldRank[field]; ok {
		return r
	}
	switch toolreg.EntityForField(field) {
	case "module":
		return 1
	case "cycle":
		return 2
	case "label":
		return 3
	case "state":
		return 4
	case "user":
		return userRank
	}
	return userRank + 1
}

// QuestionFor phrases the default question for a field.
func QuestionFor(field string) string {
	switch toolreg.EntityForField(field) {
	case "project":
		return "Which project should I use?"
	case "module":
		return "Which module did you mean?"
	case "cycle":
		return "Which cycle did you mean?"
	case "label":
		return "Which label should I use?"
	case "state":
		return "Which state should I use?"
	case "user":
		return "Who should I assign?"
	case "workitem":
		return "Which work items did you mean?"
	}
	return fmt.Sprintf("Could you provide the %s?", strings.ReplaceAll(field, "_", " "))
}

func defaultReason(missing []string) string {
	if len(missing) == 0 {
		return "I need a bit more information before I can continue."
	}
	names := make([]string, len(missing))
	for i, f := range missing {
		names[i] = strings.ReplaceAll(strings.TrimSuffix(f, "_id"), "_", " ")
	}
	return "I need a bit more information before I can plan this: " + strings.Join(names, ", ") + "."
}

// ── Options ─────────────────────────────────────────────────

type lister struct {
	tools         []string // tried in order, first success wins
	projectScoped bool
}

var listers = map[string]lister{
	"project": {tools: []string{"list_member_projects", "list_projects"}},
	"module":  {tools: []string{"list_modules"}, projectScoped: true},
	"cycle":   {tools: []string{"list_cycles"}, projectScoped: true},
	"label":   {tools: []string{"list_labels"}, projectScoped: true},
	"state":   {tools: []string{"list_states"}, projectScoped: true},
	"user":    {tools: []string{"list_workspace_members"}},
}

func (b *Builder) listOptions(ctx context.Context, field, projectID string) ([]models.DisambiguationOption, error) {
	if b.inv == nil {
		return nil, nil
	}
	entity := toolreg.EntityForField(field)
	l, ok := listers[entity]
	if !ok {
		l = lister{tools: []string{"list_" + toolreg.Plural(entity)}, projectScoped: true}
	}
	args := map[string]interface{}{}
	if l.projectScoped {
		if projectID == "" {
			return nil, fmt.Errorf("listing %s needs a project", entity)
		}
		args["project_id"] = projectID
	}

	var lastErr error
	for _, tool := range l.tools {
		if b.available != nil && !b.available.Has(tool) {
			continue
		}
		recs, err := b.list(ctx, tool, args)
		if err != nil {
			lastErr = err
			continue
		}
		opts := toOptions(recs, entity, projectID)
		if len(opts) > 0 {
			return opts, nil
		}
	}
	return nil, lastErr
}

func (b *Builder) list(ctx context.Context, tool string, args map[string]interface{}) ([]map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, b.toolTimeout)
	defer cancel()
	res, err := b.inv.Invoke(ctx, tool, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tool, err)
	}
	if !res.Success {
		return nil, fmt.Errorf("%s: %s", tool, res.Message)
	}
	return backend.Records(res.Data), nil
}

func toOptions(recs []map[string]interface{}, entity, projectID string) []models.DisambiguationOption {
	out := make([]models.DisambiguationOption, 0, len(recs))
	for _, rec := range recs {
		if archived(rec) {
			continue
		}
		id := backend.StringField(rec, "id")
		if id == "" {
			continue
		}
		opt := models.DisambiguationOption{
			ID:          id,
			Name:        firstString(rec, "name", "title", "display_name"),
			Type:        entity,
			Identifier:  firstString(rec, "identifier", "key"),
			Email:       backend.StringField(rec, "email"),
			DisplayName: backend.StringField(rec, "display_name"),
			ProjectID:   firstString(rec, "project_id", "project"),
		}
		if opt.ProjectID == "" && entity != "project" && entity != "user" {
			opt.ProjectID = projectID
		}
		out = append(out, opt)
	}
	return out
}

func archived(rec map[string]interface{}) bool {
	for _, key := range []string{"archived", "is_archived"} {
		if v, ok := rec[key].(bool); ok && v {
			return true
		}
	}
	switch v := rec["archived_at"].(type) {
	case nil:
		return false
	case string:
		return v != ""
	}
	return true
}

func firstString(rec map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := backend.StringField(rec, k); s != "" {
			return s
		}
	}
	return ""
}

// mergeOptions appends options whose id is not already present.
func mergeOptions(base, extra []models.DisambiguationOption) []models.DisambiguationOption {
	seen := make(map[string]bool, len(base))
	for _, o := range base {
		seen[o.ID] = true
	}
	for _, o := range extra {
		if o.ID != "" && seen[o.ID] {
			continue
		}
		seen[o.ID] = true
		base = append(base, o)
	}
	return base
}

// ── Enrichment & persistence ────────────────────────────────

func (b *Builder) link(req *models.ClarificationRequest, workspaceSlug string) {
	links := Links{BaseURL: b.baseURL, WorkspaceSlug: workspaceSlug}
	for i := range req.Options {
		if req.Options[i].URL != "" {
			continue
		}
		u, err := links.OptionURL(req.Options[i])
		if err != nil {
			continue
		}
		req.Options[i].URL = u
	}
}

func (b *Builder) persist(ctx context.Context, req *models.ClarificationRequest) {
	if b.clarifications == nil {
		req.ID = uuid.New().String()
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.persistTimeout)
	defer cancel()

	id, err := b.clarifications.CreateClarification(pctx, req)
	if err != nil {
		log.Error().
			Err(err).
			Str("chat_id", req.ChatID).
			Str("message_id", req.MessageID).
			Msg("Failed to persist clarification")
		b.metrics.IncPersistFailure("clarification")
		req.ID = uuid.New().String()
		return
	}
	req.ID = id
}

// ── Helpers ─────────────────────────────────────────────────

func scopedProject(in Input) string {
	if pid, _ := in.ToolArgs["project_id"].(string); preflight.IsValidID(pid) {
		return pid
	}
	if preflight.IsValidID(in.ProjectID) {
		return in.ProjectID
	}
	return ""
}

func isPageCreate(tool string) bool {
	return toolreg.DeriveEntityType(tool) == "page" && toolreg.DeriveActionType(tool) == models.ActionCreate
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
