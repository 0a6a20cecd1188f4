// Package resolver fills unresolved identifier arguments of a planned action
// by looking entities up on the backend before the user is asked.
//
// Resolution is an optimisation only. Every lookup is best-effort: the
// caller re-runs the preflight check afterwards and falls back to a
// clarification when a field is still missing.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/agentoven/taskpilot/internal/backend"
	"github.com/agentoven/taskpilot/internal/preflight"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoMatch means a lookup returned no candidates.
	ErrNoMatch = errors.New("no matching entity")
	// ErrAmbiguous means a lookup returned more than one candidate.
	ErrAmbiguous = errors.New("ambiguous entity reference")
	// ErrUnavailable means the lookup tool is not available.
	ErrUnavailable = errors.New("lookup tool unavailable")
)

// placeholderRegex matches "identifier of project named Web",
// "identifier of entity project named Web" and "identifier of project: Web".
var placeholderRegex = regexp.MustCompile(`(?i)^identifier of (?:entity )?([a-z_]+)(?: named |:\s*)(.+)$`)

// projectKeyRegex matches short upper-case project keys such as "WEB".
var projectKeyRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,11}$`)

// Available reports whether a tool can be called.
type Available interface {
	Has(name string) bool
}

// Scope is the ambient workspace/project of the turn.
type Scope struct {
	WorkspaceSlug string
	ProjectID     string
}

// Resolver looks up entity references on the backend.
type Resolver struct {
	inv     backend.Invoker
	timeout time.Duration
}

// NewResolver creates a resolver. timeout bounds each lookup call.
func NewResolver(inv backend.Invoker, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Resolver{inv: inv, timeout: timeout}
}

// TryResolve attempts to resolve the missing fields of a tool call in place.
// It returns whether any field was resolved and never fails.
//
// project_id is resolved first: a placeholder or bare name is looked up by
// name (or by key for short upper-case values), and a work-item id in args
// yields its owning project. The other *_id fields are then looked up
// concurrently with search_<entity>_by_name, scoped to that project.
func (r *Resolver) TryResolve(ctx context.Context, toolName string, args map[string]interface{}, missing []string, available Available, scope Scope) bool {
	if r == nil || r.inv == nil || args == nil {
		return false
	}

	resolved := false
	var others []string
	for _, field := range missing {
		switch {
		case field == "project_id":
			id, err := r.resolveProject(ctx, args, available)
			if r.apply(toolName, field, id, err, args) {
				resolved = true
			}
		case strings.HasSuffix(field, "_id"):
			others = append(others, field)
		}
	}
	if len(others) == 0 {
		return resolved
	}

	ids := make([]string, len(others))
	errs := make([]error, len(others))
	var g errgroup.Group
	g.SetLimit(maxConcurrentLookups)
	for i, field := range others {
		g.Go(func() error {
			ids[i], errs[i] = r.resolveEntity(ctx, field, args, available, scope)
			return nil
		})
	}
	_ = g.Wait()

	for i, field := range others {
		if r.apply(toolName, field, ids[i], errs[i], args) {
			resolved = true
		}
	}
	return resolved
}

// maxConcurrentLookups bounds the entity lookups of one tool call.
const maxConcurrentLookups = 4

func (r *Resolver) apply(toolName, field, id string, err error, args map[string]interface{}) bool {
	if err != nil {
		log.Debug().
			Str("tool", toolName).
			Str("field", field).
			Err(err).
			Msg("Auto-resolve skipped")
		return false
	}
	args[field] = id
	log.Info().
		Str("tool", toolName).
		Str("field", field).
		Str("id", id).
		Msg("Auto-resolved argument")
	return true
}

// ── Project ─────────────────────────────────────────────────

func (r *Resolver) resolveProject(ctx context.Context, args map[string]interface{}, available Available) (string, error) {
	if ref, ok := referenceName(args["project_id"], "project"); ok {
		return r.LookupProject(ctx, ref, available)
	}
	for _, key := range []string{"workitem_id", "issue_id", "work_item_id"} {
		if wid, _ := args[key].(string); preflight.IsValidID(wid) {
			return r.ProjectOfWorkitem(ctx, wid, available)
		}
	}
	return "", ErrNoMatch
}

// LookupProject resolves a project name or key to its id.
func (r *Resolver) LookupProject(ctx context.Context, ref string, available Available) (string, error) {
	tool, arg := "search_project_by_name", "name"
	if projectKeyRegex.MatchString(ref) && has(available, "search_project_by_identifier") {
		tool, arg = "search_project_by_identifier", "identifier"
	}
	if !has(available, tool) {
		return "", fmt.Errorf("%s: %w", tool, ErrUnavailable)
	}
	recs, err := r.search(ctx, tool, map[string]interface{}{arg: ref})
	if err != nil {
		return "", err
	}
	return pick(recs, ref)
}

// ProjectOfWorkitem returns the project that owns a work item.
func (r *Resolver) ProjectOfWorkitem(ctx context.Context, workitemID string, available Available) (string, error) {
	const tool = "retrieve_workitem"
	if !has(available, tool) {
		return "", fmt.Errorf("%s: %w", tool, ErrUnavailable)
	}
	recs, err := r.search(ctx, tool, map[string]interface{}{"workitem_id": workitemID})
	if err != nil {
		return "", err
	}
	if len(recs) != 1 {
		return "", ErrNoMatch
	}
	for _, key := range []string{"project_id", "project"} {
		if pid := backend.StringField(recs[0], key); preflight.IsValidID(pid) {
			return pid, nil
		}
	}
	return "", ErrNoMatch
}

// ── Other entities ──────────────────────────────────────────

func (r *Resolver) resolveEntity(ctx context.Context, field string, args map[string]interface{}, available Available, scope Scope) (string, error) {
	entity := strings.TrimSuffix(field, "_id")
	ref, ok := referenceName(args[field], entity)
	if !ok {
		return "", ErrNoMatch
	}
	tool := "search_" + entity + "_by_name"
	if !has(available, tool) {
		return "", fmt.Errorf("%s: %w", tool, ErrUnavailable)
	}
	query := map[string]interface{}{"name": ref}
	if pid, _ := args["project_id"].(string); preflight.IsValidID(pid) {
		query["project_id"] = pid
	} else if preflight.IsValidID(scope.ProjectID) {
		query["project_id"] = scope.ProjectID
	}
	recs, err := r.search(ctx, tool, query)
	if err != nil {
		return "", err
	}
	return pick(recs, ref)
}

// ── Helpers ─────────────────────────────────────────────────

func (r *Resolver) search(ctx context.Context, tool string, args map[string]interface{}) ([]map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.inv.Invoke(ctx, tool, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tool, err)
	}
	if !res.Success {
		return nil, fmt.Errorf("%s: %s", tool, res.Message)
	}
	return backend.Records(res.Data), nil
}

// pick returns the single candidate id. Among several candidates an exact
// case-insensitive name or key match is still unambiguous.
func pick(recs []map[string]interface{}, ref string) (string, error) {
	var valid []map[string]interface{}
	for _, rec := range recs {
		if preflight.IsValidID(backend.StringField(rec, "id")) {
			valid = append(valid, rec)
		}
	}
	switch len(valid) {
	case 0:
		return "", ErrNoMatch
	case 1:
		return backend.StringField(valid[0], "id"), nil
	}

	var exact []string
	for _, rec := range valid {
		if strings.EqualFold(backend.StringField(rec, "name"), ref) ||
			strings.EqualFold(backend.StringField(rec, "identifier"), ref) {
			exact = append(exact, backend.StringField(rec, "id"))
		}
	}
	if len(exact) == 1 {
		return exact[0], nil
	}
	return "", fmt.Errorf("%d candidates: %w", len(valid), ErrAmbiguous)
}

// referenceName extracts the human-readable name from a placeholder or a
// bare non-identifier string.
func referenceName(v interface{}, entity string) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" || s == preflight.NeedsClarification || s == preflight.WorkspaceScope || preflight.IsValidID(s) {
		return "", false
	}
	if m := placeholderRegex.FindStringSubmatch(s); m != nil {
		if !strings.EqualFold(strings.TrimSuffix(m[1], "_id"), entity) {
			return "", false
		}
		return strings.Trim(strings.TrimSpace(m[2]), `"'`), true
	}
	return s, true
}

func has(available Available, tool string) bool {
	return available == nil || available.Has(tool)
}
