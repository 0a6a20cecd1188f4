package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agentoven/taskpilot/internal/backend"
	"github.com/agentoven/taskpilot/internal/backend/backendtest"
	"github.com/agentoven/taskpilot/internal/store"
	"github.com/agentoven/taskpilot/internal/toolreg"
	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	projectID = "0b6f4a52-2f2c-4d0e-9d1f-7f3c2a9a1b01"
	itemID    = "5a0c9e1e-8a3b-4a77-9c55-3c1f2b7d8e90"
)

func newPlanner(t *testing.T, inv backend.Invoker, artifacts store.ArtifactStore) *Planner {
	t.Helper()
	fixed := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return New(toolreg.NewDefault(models.ToolClassAction), inv, artifacts, WithClock(func() time.Time { return fixed }))
}

func TestPlanCreateWorkitem(t *testing.T) {
	ms := store.NewMemoryStore("")
	defer ms.Close()
	p := newPlanner(t, nil, ms)

	a := p.Plan(context.Background(), "workitems_create",
		map[string]interface{}{"project_id": projectID, "name": "Fix login bug"},
		Context{ChatID: "c1", MessageID: "m1", Query: "create a work item", WorkspaceSlug: "acme", Sequence: 1})

	assert.Equal(t, models.ActionCreate, a.ActionType)
	assert.Equal(t, "workitem", a.EntityType)
	assert.Equal(t, map[string]interface{}{"project_id": projectID, "name": "Fix login bug"}, a.CleanedArgs)
	assert.Equal(t, "identifier of workitem: Fix login bug", a.PlaceholderRef)
	assert.Equal(t, 1, a.Sequence)
	assert.Equal(t, "create a work item", a.PlanningContext.Query)
	assert.NotEmpty(t, a.ArtifactID)
	assert.False(t, strings.HasPrefix(a.ArtifactID, PendingArtifactPrefix))

	assert.Equal(t, "Create", a.Summary.Verb)
	assert.Equal(t, `Create work item "Fix login bug" (project id: `+projectID+`)`, a.Summary.Text)

	stored, err := ms.ListArtifacts(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, a.ArtifactID, stored[0].ArtifactID)
}

func TestPlanInjectsAmbientProject(t *testing.T) {
	p := newPlanner(t, nil, nil)
	a := p.Draft(context.Background(), "workitems_create",
		map[string]interface{}{"name": "Bug", "project_id": "__needs_clarification__"},
		Context{ProjectID: projectID, WorkspaceSlug: "acme"})
	assert.Equal(t, projectID, a.CleanedArgs["project_id"])
	assert.NotContains(t, a.CleanedArgs, "workspace_slug")

	a = p.Draft(context.Background(), "projects_create", map[string]interface{}{"name": "New"},
		Context{ProjectID: projectID})
	assert.NotContains(t, a.CleanedArgs, "project_id", "tools without a project argument are left alone")
}

func TestDraftDoesNotMutateArgs(t *testing.T) {
	args := map[string]interface{}{"name": "Bug", "workspace_slug": "evil"}
	newPlanner(t, nil, nil).Draft(context.Background(), "workitems_create", args, Context{ProjectID: projectID})
	assert.Equal(t, map[string]interface{}{"name": "Bug", "workspace_slug": "evil"}, args)
}

func TestClean(t *testing.T) {
	cleaned := Clean(map[string]interface{}{
		"workspace_slug": "acme",
		"project_id":     projectID,
		"module_id":      "Auth",
		"cycle_id":       "identifier of cycle: Sprint 4",
		"state_id":       map[string]interface{}{"id": itemID},
		"label_id":       map[string]interface{}{"name": "bug"},
		"parent_id":      "__workspace__",
		"estimate_id":    []interface{}{"Large"},
		"issues":         []interface{}{itemID, "Fix login bug"},
		"assignee_ids":   []string{"alice"},
		"name":           "Keep me",
	})
	assert.Equal(t, map[string]interface{}{
		"project_id":   projectID,
		"module_id":    "identifier of module: Auth",
		"cycle_id":     "identifier of cycle: Sprint 4",
		"state_id":     itemID,
		"label_id":     "identifier of label: bug",
		"parent_id":    "__workspace__",
		"estimate_id":  "identifier of estimate: Large",
		"issues":       []interface{}{itemID, "identifier of workitem: Fix login bug"},
		"assignee_ids": []interface{}{"identifier of user: alice"},
		"name":         "Keep me",
	}, cleaned)
}

func TestDedupKeyIsCanonical(t *testing.T) {
	a := DedupKey("workitems_create", map[string]interface{}{"name": "Bug", "project_id": projectID})
	b := DedupKey("workitems_create", map[string]interface{}{"project_id": projectID, "name": "Bug"})
	c := DedupKey("workitems_update", map[string]interface{}{"project_id": projectID, "name": "Bug"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestPlanningTwiceYieldsSameKey(t *testing.T) {
	p := newPlanner(t, nil, nil)
	args := map[string]interface{}{"project_id": projectID, "name": "Bug"}
	first := p.Draft(context.Background(), "workitems_create", args, Context{})
	second := p.Draft(context.Background(), "workitems_create", args, Context{Sequence: 2})
	assert.Equal(t, DedupKey(first.ToolName, first.CleanedArgs), DedupKey(second.ToolName, second.CleanedArgs))
}

func TestUpdateMergesCurrentState(t *testing.T) {
	fake := backendtest.New().Returns("retrieve_workitem", map[string]interface{}{
		"id":          itemID,
		"name":        "Old name",
		"description": "Steps to reproduce",
		"priority":    "high",
		"created_at":  "2025-01-01T00:00:00Z",
		"project":     map[string]interface{}{"id": projectID},
		"archived_at": nil,
	})
	p := newPlanner(t, fake, nil)

	a := p.Draft(context.Background(), "workitems_update",
		map[string]interface{}{"project_id": projectID, "workitem_id": itemID, "name": "New name"},
		Context{WorkspaceSlug: "acme"})

	assert.Equal(t, models.ActionUpdate, a.ActionType)
	assert.Equal(t, map[string]interface{}{
		"project_id":  projectID,
		"workitem_id": itemID,
		"name":        "New name",
		"description": "Steps to reproduce",
		"priority":    "high",
	}, a.CleanedArgs)
	assert.Empty(t, a.PlaceholderRef)

	calls := fake.CallsTo("retrieve_workitem")
	require.Len(t, calls, 1)
	assert.Equal(t, itemID, calls[0].Args["workitem_id"])
	assert.Equal(t, "acme", calls[0].Args["workspace_slug"])
}

func TestUpdateWithoutStateKeepsPartialArgs(t *testing.T) {
	p := newPlanner(t, backendtest.New(), nil)
	a := p.Draft(context.Background(), "workitems_update",
		map[string]interface{}{"project_id": projectID, "workitem_id": itemID, "priority": "low"}, Context{})
	assert.Len(t, a.CleanedArgs, 3)
}

func TestRelationIsUpdate(t *testing.T) {
	a := newPlanner(t, nil, nil).Draft(context.Background(), "workitems_create_relation",
		map[string]interface{}{"project_id": projectID, "workitem_id": itemID}, Context{})
	assert.Equal(t, models.ActionUpdate, a.ActionType)
	assert.Equal(t, "workitem", a.EntityType)
}

type brokenArtifacts struct{}

func (brokenArtifacts) CreateArtifact(context.Context, *models.PlannedAction) (string, error) {
	return "", errors.New("store down")
}

func (brokenArtifacts) ListArtifacts(context.Context, string) ([]models.PlannedAction, error) {
	return nil, nil
}

func TestPersistFailureUsesPendingID(t *testing.T) {
	a := newPlanner(t, nil, brokenArtifacts{}).Plan(context.Background(), "projects_create",
		map[string]interface{}{"name": "Apollo"}, Context{})
	assert.True(t, strings.HasPrefix(a.ArtifactID, PendingArtifactPrefix))
	assert.Equal(t, "identifier of project: Apollo", a.PlaceholderRef)
}

func TestSummarize(t *testing.T) {
	s := Summarize(&models.PlannedAction{
		ActionType: models.ActionAdd,
		EntityType: "module",
		CleanedArgs: map[string]interface{}{
			"module_id": "identifier of module: Auth",
			"issues":    []interface{}{"a", "b"},
			"count":     3,
		},
	})
	assert.Equal(t, "Add", s.Verb)
	assert.Equal(t, "a, b", s.Parameters["issues"])
	assert.Equal(t, "3", s.Parameters["count"])
	assert.Equal(t, "Add module (count: 3, issues: a, b, module id: identifier of module: Auth)", s.Text)
}
