package flowlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu      sync.Mutex
	fail    bool
	batches [][]models.FlowStep
	ctxErr  error
}

func (f *fakeSink) UpsertFlowSteps(ctx context.Context, _, _ string, steps []models.FlowStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErr = ctx.Err()
	if f.fail {
		return errors.New("sink down")
	}
	f.batches = append(f.batches, steps)
	return nil
}

func TestAppendAssignsStrictlyIncreasingOrders(t *testing.T) {
	r := NewRecorder(nil, "c1", "m1", 0, WithStartOrder(4))
	a := r.Append(models.FlowStep{StepType: models.StepTypeRouting, StepOrder: 99})
	b := r.Append(models.FlowStep{StepType: models.StepTypeTool})
	c := r.Append(models.FlowStep{StepType: models.StepTypeTool})

	assert.Equal(t, []int{4, 5, 6}, []int{a, b, c})
	steps := r.Steps()
	require.Len(t, steps, 3)
	for i := 1; i < len(steps); i++ {
		assert.Equal(t, steps[i-1].StepOrder+1, steps[i].StepOrder)
	}
	assert.Equal(t, models.StatusPending, steps[0].ExecutionStatus)
	assert.False(t, steps[0].CreatedAt.IsZero())
}

func TestFlushWritesOnlyPendingBatch(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(sink, "c1", "m1", time.Second)

	r.Append(models.FlowStep{Content: "one"})
	r.Append(models.FlowStep{Content: "two"})
	require.NoError(t, r.Flush(context.Background()))
	r.Append(models.FlowStep{Content: "three"})
	require.NoError(t, r.Flush(context.Background()))
	require.NoError(t, r.Flush(context.Background()))

	require.Len(t, sink.batches, 2)
	assert.Len(t, sink.batches[0], 2)
	require.Len(t, sink.batches[1], 1)
	assert.Equal(t, 3, sink.batches[1][0].StepOrder)
	assert.Equal(t, 0, r.Pending())
}

func TestAmendOnlyUnflushed(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(sink, "c1", "m1", time.Second)
	first := r.Append(models.FlowStep{Content: "a"})
	require.NoError(t, r.Flush(context.Background()))
	second := r.Append(models.FlowStep{Content: "b"})

	assert.Error(t, r.Amend(first, func(s *models.FlowStep) { s.Content = "x" }))
	require.NoError(t, r.Amend(second, func(s *models.FlowStep) {
		s.Content = "b2"
		s.StepOrder = 1000
	}))
	steps := r.Steps()
	assert.Equal(t, "a", steps[0].Content)
	assert.Equal(t, "b2", steps[1].Content)
	assert.Equal(t, second, steps[1].StepOrder, "amend cannot reorder")
}

func TestFlushFailureKeepsBatch(t *testing.T) {
	sink := &fakeSink{fail: true}
	var failures int
	r := NewRecorder(sink, "c1", "m1", time.Second, WithFailureHook(func(error) { failures++ }))
	r.Append(models.FlowStep{Content: "a"})

	assert.Error(t, r.Flush(context.Background()))
	assert.Equal(t, 1, r.Pending())
	assert.Equal(t, 1, failures)

	sink.fail = false
	require.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, 0, r.Pending())
}

func TestFlushSurvivesCancelledContext(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(sink, "c1", "m1", time.Second)
	r.Append(models.FlowStep{Content: "timed out"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Flush(ctx))
	assert.NoError(t, sink.ctxErr)
	assert.Len(t, sink.batches, 1)
}
