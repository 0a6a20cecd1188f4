package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentoven/taskpilot/internal/flowlog"
	"github.com/agentoven/taskpilot/internal/llm/llmtest"
	"github.com/agentoven/taskpilot/internal/store"
	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCatalog struct{ cats []string }

func (s stubCatalog) Advisory(context.Context) (string, error) {
	return "Available categories:\n- workitems\n- modules\n- cycles\n- projects", nil
}

func (s stubCatalog) ListCategories(context.Context) map[string]string {
	out := make(map[string]string)
	for _, c := range s.cats {
		out[c] = c
	}
	return out
}

var catalog = stubCatalog{cats: []string{"workitems", "modules", "cycles", "projects", "members"}}

func newRecorder(ms *store.MemoryStore, messageID string) *flowlog.Recorder {
	return flowlog.NewRecorder(ms, "chat-1", messageID, time.Second)
}

func TestRouteWithLLM(t *testing.T) {
	ms := store.NewMemoryStore("")
	defer ms.Close()
	script := llmtest.New(llmtest.Text(`{"categories":[{"category":"workitems","rationale":"create a work item"},{"category":"Project","rationale":"resolve the project"},{"category":"weather","rationale":"?"}],"requires_action":true}`))

	r := NewRouter(script, catalog, ms)
	rec := newRecorder(ms, "msg-1")
	d, err := r.Route(context.Background(), Input{Query: "create a work item named 'Fix login bug' in project Web"}, rec)
	require.NoError(t, err)

	assert.Equal(t, PathLLM, d.Path)
	assert.Equal(t, []string{"workitems", "projects"}, d.Names(), "unknown categories are dropped, singular names normalised")
	assert.True(t, d.RequiresAction)

	calls := script.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].System, "Available categories:")

	steps, err := ms.ListFlowSteps(context.Background(), "msg-1")
	require.NoError(t, err)
	require.Len(t, steps, 1, "routing step is persisted before Route returns")
	assert.Equal(t, models.StepTypeRouting, steps[0].StepType)
	assert.Equal(t, PathLLM, steps[0].ExecutionData["path"])
}

func TestRouteFallsBackToKeywords(t *testing.T) {
	r := NewRouter(llmtest.New(llmtest.Text("I think this is about sprints.")), catalog, nil)
	d, err := r.Route(context.Background(), Input{Query: "what is in the current one?"}, nil)
	require.NoError(t, err)
	assert.Equal(t, PathKeyword, d.Path)
	assert.Equal(t, []string{"cycles"}, d.Names())
}

func TestRouteFallsBackOnLLMError(t *testing.T) {
	r := NewRouter(llmtest.New(llmtest.Fail(errors.New("503"))), catalog, nil)
	d, err := r.Route(context.Background(), Input{Query: "add the bug to the Auth module"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"workitems"}, d.Names())
	assert.True(t, d.RequiresAction)
}

func TestRouteNoCategory(t *testing.T) {
	ms := store.NewMemoryStore("")
	defer ms.Close()
	empty := stubCatalog{cats: []string{"pages"}}
	r := NewRouter(llmtest.New(llmtest.Text("no idea")), advisoryless{empty}, nil)
	rec := newRecorder(ms, "msg-x")

	_, err := r.Route(context.Background(), Input{Query: "hello there"}, rec)
	assert.ErrorIs(t, err, ErrNoCategory)

	steps := rec.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, models.StatusFailed, steps[0].ExecutionStatus)
}

type advisoryless struct{ stubCatalog }

func (advisoryless) Advisory(context.Context) (string, error) { return "", errors.New("backend down") }

func TestRouteResumptionSkipsLLM(t *testing.T) {
	ms := store.NewMemoryStore("")
	defer ms.Close()
	script := llmtest.New()

	r := NewRouter(script, catalog, ms)
	d, err := r.Route(context.Background(), Input{
		Query: "the Auth module",
		Clarification: &models.ClarificationContext{
			ClarificationID: "c-1",
			Answer:          "the Auth module",
			OriginalQuery:   "add a work item to the module",
			CategoryHints:   []string{"workitems"},
		},
	}, newRecorder(ms, "msg-2"))
	require.NoError(t, err)
	assert.Equal(t, PathResumption, d.Path)
	assert.Equal(t, []string{"workitems"}, d.Names())
	assert.Empty(t, script.Calls())
}

func TestRouteResumptionRecoversPriorRouting(t *testing.T) {
	ms := store.NewMemoryStore("")
	defer ms.Close()
	ctx := context.Background()

	// The suspended turn routed to modules and workitems and raised a clarification.
	prior := newRecorder(ms, "msg-1")
	first := NewRouter(llmtest.New(llmtest.Text(`{"categories":[{"category":"modules","rationale":"module membership"},{"category":"workitems","rationale":"the item"}],"requires_action":true}`)), catalog, ms)
	_, err := first.Route(ctx, Input{Query: "add a work item to the module"}, prior)
	require.NoError(t, err)

	id, err := ms.CreateClarification(ctx, &models.ClarificationRequest{
		ChatID: "chat-1", MessageID: "msg-1", Kind: models.ClarificationAction,
		CategoryHints: []string{"workitems"}, Status: models.ClarificationPending,
	})
	require.NoError(t, err)

	script := llmtest.New()
	d, err := NewRouter(script, catalog, ms).Route(ctx, Input{
		Query:         "Auth",
		Clarification: &models.ClarificationContext{ClarificationID: id, Answer: "Auth"},
	}, newRecorder(ms, "msg-2"))
	require.NoError(t, err)

	assert.Equal(t, []string{"workitems", "modules"}, d.Names())
	assert.Equal(t, "module membership", d.Categories[1].Rationale)
	assert.True(t, d.RequiresAction)
	assert.Empty(t, script.Calls())
}

func TestMatchKeyword(t *testing.T) {
	known := map[string]bool{"workitems": true, "cycles": true, "projects": true}
	assert.Equal(t, "workitems", MatchKeyword("How many ISSUES are open?", known))
	assert.Equal(t, "cycles", MatchKeyword("current sprint", known))
	assert.Equal(t, "projects", MatchKeyword("list projects", known))
	assert.Equal(t, "", MatchKeyword("add a label", known), "labels is not a known category")
	assert.Equal(t, "labels", MatchKeyword("add a label", nil))
	assert.Equal(t, "", MatchKeyword("", nil))
}

func TestRequiresAction(t *testing.T) {
	assert.True(t, RequiresAction("Create a work item"))
	assert.True(t, RequiresAction("please assign it to Alice"))
	assert.False(t, RequiresAction("how many work items are assigned to me"))
	assert.False(t, RequiresAction("what's the status of the release?"))
}
