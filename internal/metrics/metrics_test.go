package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.IncTurn("planned")
	r.IncTurn("planned")
	r.IncToolCall("list_projects", "retrieval", "success")
	r.IncLoopWarning()
	r.ObserveLLMCall("openai", true, 150*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.turnsTotal.WithLabelValues("planned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.toolCallsTotal.WithLabelValues("list_projects", "retrieval", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.loopWarningsTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.IncTurn("answered")
		r.IncToolCall("x", "action", "planned")
		r.IncPlannedAction("create")
		r.IncClarification("action")
		r.IncLoopWarning()
		r.IncPersistFailure("flow_steps")
		r.ObserveLLMCall("anthropic", false, time.Second)
	})
}
