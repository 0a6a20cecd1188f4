package retention

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/agentoven/taskpilot/internal/store"
	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	ms := store.NewMemoryStore("")
	t.Cleanup(func() { ms.Close() })
	ctx := context.Background()
	old := now.AddDate(0, 0, -10)

	require.NoError(t, ms.UpsertFlowSteps(ctx, "c1", "m-old", []models.FlowStep{
		{StepOrder: 1, StepType: models.StepTypeRouting, ExecutionStatus: models.StatusSuccess, CreatedAt: old},
	}))
	require.NoError(t, ms.UpsertFlowSteps(ctx, "c1", "m-new", []models.FlowStep{
		{StepOrder: 1, StepType: models.StepTypeRouting, ExecutionStatus: models.StatusSuccess, CreatedAt: now},
	}))
	id, err := ms.CreateClarification(ctx, &models.ClarificationRequest{ChatID: "c1", MessageID: "m-old", CreatedAt: old})
	require.NoError(t, err)
	require.NoError(t, ms.ResolveClarification(ctx, id, "Web", "u1"))
	_, err = ms.CreateArtifact(ctx, &models.PlannedAction{ChatID: "c1", MessageID: "m-old", ToolName: "create_workitem", CreatedAt: old})
	require.NoError(t, err)
	return ms
}

type failingArchiver struct{}

func (failingArchiver) Kind() string { return "broken" }
func (failingArchiver) ArchiveFlowSteps(context.Context, []models.ArchivedFlowStep) (string, error) {
	return "", errors.New("disk full")
}
func (failingArchiver) ArchiveClarifications(context.Context, []models.ClarificationRequest) (string, error) {
	return "mem://c", nil
}
func (failingArchiver) ArchiveArtifacts(context.Context, []models.PlannedAction) (string, error) {
	return "mem://a", nil
}

func TestJanitor_PurgeOnly(t *testing.T) {
	ms := seed(t)
	j := NewJanitor(ms, 7, time.Hour, WithClock(func() time.Time { return now }))

	stats := j.RunCycle(context.Background())
	assert.Empty(t, stats.Errors)
	assert.Equal(t, models.PurgeStats{FlowSteps: 1, Clarifications: 1, Artifacts: 1}, stats.Purged)
	assert.Zero(t, stats.Archived)

	steps, err := ms.ListFlowSteps(context.Background(), "m-new")
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestJanitor_ArchiveAndPurge(t *testing.T) {
	ms := seed(t)
	dir := t.TempDir()
	archiver := NewLocalFileArchiver(dir, true)
	j := NewJanitor(ms, 7, time.Hour,
		WithClock(func() time.Time { return now }),
		WithArchiver(archiver, models.ArchiveModeArchiveAndPurge),
	)

	stats := j.RunCycle(context.Background())
	require.Empty(t, stats.Errors)
	assert.Equal(t, 3, stats.Archived)
	assert.Equal(t, 3, stats.Purged.Total())
	require.Len(t, stats.ArchiveRecords, 3)

	var steps []models.ArchivedFlowStep
	for _, rec := range stats.ArchiveRecords {
		assert.Equal(t, "local", rec.Backend)
		if rec.DataKind != "flow_steps" {
			continue
		}
		f, err := os.Open(rec.URI)
		require.NoError(t, err)
		gz, err := gzip.NewReader(f)
		require.NoError(t, err)
		sc := bufio.NewScanner(gz)
		for sc.Scan() {
			var s models.ArchivedFlowStep
			require.NoError(t, json.Unmarshal(sc.Bytes(), &s))
			steps = append(steps, s)
		}
		f.Close()
	}
	require.Len(t, steps, 1)
	assert.Equal(t, "m-old", steps[0].MessageID)
	assert.Equal(t, "c1", steps[0].ChatID)
}

func TestJanitor_ArchiveOnlyKeepsData(t *testing.T) {
	ms := seed(t)
	j := NewJanitor(ms, 7, time.Hour,
		WithClock(func() time.Time { return now }),
		WithArchiver(NewLocalFileArchiver(t.TempDir(), false), models.ArchiveModeArchiveOnly),
	)

	stats := j.RunCycle(context.Background())
	require.Empty(t, stats.Errors)
	assert.Equal(t, 3, stats.Archived)
	assert.Zero(t, stats.Purged.Total())

	steps, err := ms.ListFlowSteps(context.Background(), "m-old")
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestJanitor_ArchiveFailureSkipsPurge(t *testing.T) {
	ms := seed(t)
	j := NewJanitor(ms, 7, time.Hour,
		WithClock(func() time.Time { return now }),
		WithArchiver(failingArchiver{}, models.ArchiveModeArchiveAndPurge),
	)

	stats := j.RunCycle(context.Background())
	require.Len(t, stats.Errors, 1)
	assert.Zero(t, stats.Purged.Total())

	expired, err := ms.ExpiredHistory(context.Background(), now.AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Len(t, expired.FlowSteps, 1)
	assert.Len(t, expired.Artifacts, 1)
}

func TestJanitor_NothingExpired(t *testing.T) {
	ms := seed(t)
	j := NewJanitor(ms, 30, time.Hour,
		WithClock(func() time.Time { return now }),
		WithArchiver(failingArchiver{}, models.ArchiveModeArchiveAndPurge),
	)

	stats := j.RunCycle(context.Background())
	assert.Empty(t, stats.Errors)
	assert.Zero(t, stats.Archived)
	assert.Zero(t, stats.Purged.Total())
}
