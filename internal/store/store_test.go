package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore("")
		defer s.Close()
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(context.Background(), t.TempDir())
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func TestFlowStepUpsertIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		batch := []models.FlowStep{
			{StepOrder: 2, StepType: models.StepTypeTool, ToolName: "list_projects", Content: "b",
				ExecutionStatus: models.StatusSuccess, IsExecuted: true, CreatedAt: now,
				ExecutionData: map[string]interface{}{"count": float64(3)}},
			{StepOrder: 1, StepType: models.StepTypeRouting, Content: "a", ExecutionStatus: models.StatusSuccess, CreatedAt: now},
		}
		require.NoError(t, s.UpsertFlowSteps(ctx, "c1", "m1", batch))
		require.NoError(t, s.UpsertFlowSteps(ctx, "c1", "m1", batch))

		steps, err := s.ListFlowSteps(ctx, "m1")
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, 1, steps[0].StepOrder)
		assert.Equal(t, 2, steps[1].StepOrder)
		assert.Equal(t, float64(3), steps[1].ExecutionData["count"])
		assert.True(t, steps[1].IsExecuted)

		none, err := s.ListFlowSteps(ctx, "other")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestClarificationLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetLatestPending(ctx, "c1")
		var nf *ErrNotFound
		require.True(t, errors.As(err, &nf))

		first, err := s.CreateClarification(ctx, &models.ClarificationRequest{
			ChatID: "c1", MessageID: "m1", Kind: models.ClarificationAction,
			MissingFields: []string{"module_id"}, CategoryHints: []string{"modules"},
			CreatedAt: time.Now().Add(-time.Minute).UTC(),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, first)

		second, err := s.CreateClarification(ctx, &models.ClarificationRequest{
			ChatID: "c1", MessageID: "m2", Kind: models.ClarificationRetrieval,
		})
		require.NoError(t, err)

		latest, err := s.GetLatestPending(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, second, latest.ID)

		old, err := s.GetClarification(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, models.ClarificationResolved, old.Status, "older pending record is superseded")
		assert.Equal(t, []string{"module_id"}, old.MissingFields)

		require.NoError(t, s.ResolveClarification(ctx, second, "the Auth module", "user-1"))
		got, err := s.GetClarification(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, models.ClarificationResolved, got.Status)
		assert.Equal(t, "the Auth module", got.Answer)
		require.NotNil(t, got.ResolvedAt)

		_, err = s.GetLatestPending(ctx, "c1")
		assert.Error(t, err)

		assert.Error(t, s.ResolveClarification(ctx, "missing", "x", "y"))
	})
}

func TestArtifacts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id1, err := s.CreateArtifact(ctx, &models.PlannedAction{
			ChatID: "c1", MessageID: "m1", ToolName: "modules_create", ActionType: models.ActionCreate,
			CleanedArgs: map[string]interface{}{"name": "Auth"}, Sequence: 1,
		})
		require.NoError(t, err)
		id2, err := s.CreateArtifact(ctx, &models.PlannedAction{
			ChatID: "c1", MessageID: "m1", ToolName: "modules_add_work_items", ActionType: models.ActionAdd, Sequence: 2,
		})
		require.NoError(t, err)
		assert.NotEqual(t, id1, id2)

		list, err := s.ListArtifacts(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, id1, list[0].ArtifactID)
		assert.Equal(t, "Auth", list[0].CleanedArgs["name"])
		assert.Equal(t, 2, list[1].Sequence)

		require.NoError(t, s.Ping(ctx))
	})
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := NewMemoryStore(dir)
	require.NoError(t, s.UpsertFlowSteps(ctx, "c1", "m1", []models.FlowStep{{StepOrder: 1, Content: "routed"}}))
	_, err := s.CreateClarification(ctx, &models.ClarificationRequest{ChatID: "c1", MessageID: "m1"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	reloaded := NewMemoryStore(dir)
	defer reloaded.Close()
	steps, err := reloaded.ListFlowSteps(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "routed", steps[0].Content)

	pending, err := reloaded.GetLatestPending(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "m1", pending.MessageID)
}

func TestRetentionSweep(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old := time.Now().UTC().Add(-48 * time.Hour)
		fresh := time.Now().UTC()
		cutoff := time.Now().UTC().Add(-24 * time.Hour)

		require.NoError(t, s.UpsertFlowSteps(ctx, "c1", "m-old", []models.FlowStep{
			{StepOrder: 1, StepType: models.StepTypeRouting, ExecutionStatus: models.StatusSuccess, CreatedAt: old},
			{StepOrder: 2, StepType: models.StepTypeTool, ToolName: "list_projects", ExecutionStatus: models.StatusSuccess,
				CreatedAt: old, ExecutionData: map[string]interface{}{"count": float64(1)}},
		}))
		require.NoError(t, s.UpsertFlowSteps(ctx, "c1", "m-new", []models.FlowStep{
			{StepOrder: 1, StepType: models.StepTypeRouting, ExecutionStatus: models.StatusSuccess, CreatedAt: fresh},
		}))

		resolvedID, err := s.CreateClarification(ctx, &models.ClarificationRequest{ChatID: "c1", MessageID: "m-old", CreatedAt: old})
		require.NoError(t, err)
		require.NoError(t, s.ResolveClarification(ctx, resolvedID, "Web", "u1"))
		pendingID, err := s.CreateClarification(ctx, &models.ClarificationRequest{ChatID: "c2", MessageID: "m-x", CreatedAt: old})
		require.NoError(t, err)

		_, err = s.CreateArtifact(ctx, &models.PlannedAction{ChatID: "c1", MessageID: "m-old", ToolName: "create_workitem", CreatedAt: old})
		require.NoError(t, err)
		_, err = s.CreateArtifact(ctx, &models.PlannedAction{ChatID: "c1", MessageID: "m-new", ToolName: "create_workitem", CreatedAt: fresh})
		require.NoError(t, err)

		expired, err := s.ExpiredHistory(ctx, cutoff)
		require.NoError(t, err)
		require.Len(t, expired.FlowSteps, 2)
		assert.Equal(t, "m-old", expired.FlowSteps[0].MessageID)
		assert.Equal(t, "c1", expired.FlowSteps[0].ChatID)
		assert.Equal(t, 1, expired.FlowSteps[0].StepOrder)
		assert.Equal(t, float64(1), expired.FlowSteps[1].ExecutionData["count"])
		require.Len(t, expired.Clarifications, 1)
		assert.Equal(t, resolvedID, expired.Clarifications[0].ID)
		require.Len(t, expired.Artifacts, 1)
		assert.Equal(t, "m-old", expired.Artifacts[0].MessageID)

		stats, err := s.PurgeHistory(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, models.PurgeStats{FlowSteps: 2, Clarifications: 1, Artifacts: 1}, stats)

		steps, err := s.ListFlowSteps(ctx, "m-old")
		require.NoError(t, err)
		assert.Empty(t, steps)
		steps, err = s.ListFlowSteps(ctx, "m-new")
		require.NoError(t, err)
		assert.Len(t, steps, 1)

		_, err = s.GetClarification(ctx, resolvedID)
		var nf *ErrNotFound
		assert.True(t, errors.As(err, &nf))
		pending, err := s.GetLatestPending(ctx, "c2")
		require.NoError(t, err)
		assert.Equal(t, pendingID, pending.ID)

		actions, err := s.ListArtifacts(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, "m-new", actions[0].MessageID)

		again, err := s.ExpiredHistory(ctx, cutoff)
		require.NoError(t, err)
		assert.True(t, again.Empty())
	})
}
