// Package routing selects the tool categories a turn works with. The LLM
// picks categories from the backend catalog; a resumed clarification reuses
// the categories of the turn it suspended.
package routing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentoven/taskpilot/internal/flowlog"
	"github.com/agentoven/taskpilot/internal/llm"
	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/rs/zerolog/log"
)

// ErrNoCategory is returned when no category could be determined.
var ErrNoCategory = errors.New("could not determine category")

// Routing paths recorded on the decision and its flow step.
const (
	PathLLM        = "llm"
	PathResumption = "resumption"
	PathKeyword    = "keyword"
)

// Catalog describes the available categories.
type Catalog interface {
	Advisory(ctx context.Context) (string, error)
	ListCategories(ctx context.Context) map[string]string
}

// History reads back what earlier turns recorded.
type History interface {
	ListFlowSteps(ctx context.Context, messageID string) ([]models.FlowStep, error)
	GetClarification(ctx context.Context, id string) (*models.ClarificationRequest, error)
}

// Input is one routing request.
type Input struct {
	Query         string
	History       []models.ChatMessage
	Advisory      string
	Clarification *models.ClarificationContext
}

// Decision is the routing result.
type Decision struct {
	Categories     []models.CategorySelection `json:"categories"`
	RequiresAction bool                       `json:"requires_action"`
	Path           string                     `json:"path"`
}

// Names returns the selected category names in order.
func (d *Decision) Names() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.Categories))
	for i, c := range d.Categories {
		out[i] = c.Category
	}
	return out
}

// Router is the category router.
type Router struct {
	llm     llm.Client
	catalog Catalog
	history History
}

func NewRouter(client llm.Client, catalog Catalog, history History) *Router {
	return &Router{llm: client, catalog: catalog, history: history}
}

// llmDecision is the structured output the router asks for.
type llmDecision struct {
	Categories     []models.CategorySelection `json:"categories"`
	RequiresAction *bool                      `json:"requires_action"`
}

// Route selects categories for a turn and records the decision as a
// routing flow step on rec before returning, whichever path was taken.
func (r *Router) Route(ctx context.Context, in Input, rec *flowlog.Recorder) (*Decision, error) {
	d, err := r.route(ctx, in)
	r.record(ctx, rec, d, err)
	return d, err
}

func (r *Router) route(ctx context.Context, in Input) (*Decision, error) {
	known := r.known(ctx)

	if in.Clarification != nil {
		if d := r.resume(ctx, in.Clarification, known); d != nil {
			return d, nil
		}
	}

	advisory := in.Advisory
	if advisory == "" && r.catalog != nil {
		a, err := r.catalog.Advisory(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Advisory catalog unavailable")
		}
		advisory = a
	}

	var raw string
	if r.llm != nil {
		out, text, err := llm.Structured[llmDecision](ctx, r.llm, routingSystemPrompt(advisory), routingUserPrompt(in))
		raw = text
		switch {
		case err == nil:
			if cats := validate(out.Categories, known); len(cats) > 0 {
				requires := RequiresAction(in.Query)
				if out.RequiresAction != nil {
					requires = *out.RequiresAction
				}
				return &Decision{Categories: cats, RequiresAction: requires, Path: PathLLM}, nil
			}
			log.Warn().Str("raw", truncate(text, 200)).Msg("Router returned no known category, using keywords")
		case errors.Is(err, llm.ErrStructuredOutput):
			log.Warn().Err(err).Msg("Router output unparseable, using keywords")
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			log.Error().Err(err).Msg("Router LLM call failed, using keywords")
		}
	}

	for _, text := range []string{raw, in.Query, advisory} {
		if cat := MatchKeyword(text, known); cat != "" {
			return &Decision{
				Categories:     []models.CategorySelection{{Category: cat, Rationale: "keyword match"}},
				RequiresAction: RequiresAction(in.Query),
				Path:           PathKeyword,
			}, nil
		}
	}
	return nil, ErrNoCategory
}

// resume rebuilds the decision of a suspended turn without calling the LLM.
func (r *Router) resume(ctx context.Context, cc *models.ClarificationContext, known map[string]bool) *Decision {
	hints := append([]string(nil), cc.CategoryHints...)
	messageID := cc.MessageID
	kind := cc.Kind

	if r.history != nil && cc.ClarificationID != "" && (len(hints) == 0 || messageID == "" || kind == "") {
		if c, err := r.history.GetClarification(ctx, cc.ClarificationID); err == nil {
			if len(hints) == 0 {
				hints = c.CategoryHints
			}
			if messageID == "" {
				messageID = c.MessageID
			}
			if kind == "" {
				kind = c.Kind
			}
		} else {
			log.Warn().Err(err).Str("clarification_id", cc.ClarificationID).Msg("Clarification record unavailable")
		}
	}

	requires := kind == models.ClarificationAction
	rationale := make(map[string]string)
	for _, h := range hints {
		rationale[h] = "hinted by clarification"
	}

	if r.history != nil && messageID != "" {
		steps, err := r.history.ListFlowSteps(ctx, messageID)
		if err != nil {
			log.Warn().Err(err).Str("message_id", messageID).Msg("Prior routing step unavailable")
		}
		for _, s := range steps {
			if s.StepType != models.StepTypeRouting {
				continue
			}
			prior := stringsOf(s.ExecutionData["categories"])
			reasons := stringsOf(s.ExecutionData["rationales"])
			for i, c := range prior {
				if _, ok := rationale[c]; ok {
					continue
				}
				hints = append(hints, c)
				rationale[c] = "recovered from prior routing"
				if i < len(reasons) && reasons[i] != "" {
					rationale[c] = reasons[i]
				}
			}
			if ra, ok := s.ExecutionData["requires_action"].(bool); ok && ra {
				requires = true
			}
		}
	}

	var cats []models.CategorySelection
	seen := make(map[string]bool)
	for _, h := range hints {
		h = normalize(h, known)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		cats = append(cats, models.CategorySelection{Category: h, Rationale: rationale[h]})
	}
	if len(cats) == 0 {
		return nil
	}
	return &Decision{Categories: cats, RequiresAction: requires, Path: PathResumption}
}

func (r *Router) record(ctx context.Context, rec *flowlog.Recorder, d *Decision, err error) {
	if rec == nil {
		return
	}
	step := models.FlowStep{
		StepType:   models.StepTypeRouting,
		IsExecuted: true,
	}
	if err != nil {
		step.Content = "Routing failed: " + err.Error()
		step.ExecutionStatus = models.StatusFailed
		step.ExecutionData = map[string]interface{}{"categories": []string{}, "error": err.Error()}
	} else {
		names := d.Names()
		rationales := make([]string, len(d.Categories))
		for i, c := range d.Categories {
			rationales[i] = c.Rationale
		}
		step.Content = "Selected categories: " + strings.Join(names, ", ")
		step.ExecutionStatus = models.StatusSuccess
		step.ExecutionData = map[string]interface{}{
			"categories":      names,
			"rationales":      rationales,
			"path":            d.Path,
			"requires_action": d.RequiresAction,
		}
	}
	rec.Append(step)
	_ = rec.Flush(ctx)
}

func (r *Router) known(ctx context.Context) map[string]bool {
	if r.catalog == nil {
		return nil
	}
	cats := r.catalog.ListCategories(ctx)
	out := make(map[string]bool, len(cats))
	for c := range cats {
		out[c] = true
	}
	return out
}

// ── Validation ──────────────────────────────────────────────

func validate(in []models.CategorySelection, known map[string]bool) []models.CategorySelection {
	var out []models.CategorySelection
	seen := make(map[string]bool)
	for _, c := range in {
		name := normalize(c.Category, known)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, models.CategorySelection{Category: name, Rationale: c.Rationale})
	}
	return out
}

// normalize lower-cases a category and maps singular or spaced forms to
// the known name. With no known set every non-empty name is accepted.
func normalize(name string, known map[string]bool) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, " ", "")
	if n == "" {
		return ""
	}
	if known == nil || known[n] {
		return n
	}
	if known[n+"s"] {
		return n + "s"
	}
	return ""
}

// ── Keyword fallback ────────────────────────────────────────

var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{"workitems", []string{"work item", "workitem", "issue", "bug", "task", "ticket"}},
	{"modules", []string{"module"}},
	{"cycles", []string{"cycle", "sprint"}},
	{"pages", []string{"page", "document", "wiki"}},
	{"labels", []string{"label", "tag"}},
	{"states", []string{"state", "status"}},
	{"members", []string{"member", "teammate", "assignee", "user"}},
	{"projects", []string{"project"}},
}

// MatchKeyword returns the first category, in keyword-list order, one of
// whose keywords occurs in text. Categories outside known are skipped when
// known is non-nil.
func MatchKeyword(text string, known map[string]bool) string {
	t := strings.ToLower(text)
	if strings.TrimSpace(t) == "" {
		return ""
	}
	for _, ck := range categoryKeywords {
		if known != nil && !known[ck.category] {
			continue
		}
		for _, kw := range ck.keywords {
			if strings.Contains(t, kw) {
				return ck.category
			}
		}
	}
	return ""
}

var actionVerbs = regexp.MustCompile(`(?i)\b(create|add|make|update|edit|change|set|rename|move|assign|unassign|delete|remove|archive|unarchive|close|reopen|link|attach)\b`)

// RequiresAction reports whether a query reads like a request to change
// something.
func RequiresAction(query string) bool {
	return actionVerbs.MatchString(query)
}

// ── Helpers ─────────────────────────────────────────────────

func stringsOf(v interface{}) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
