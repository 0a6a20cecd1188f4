// Package metrics provides Prometheus-based metrics for the orchestration loop.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder collects turn, tool, and LLM metrics. A nil *Recorder is valid
// and records nothing, so components can be built without metrics in tests.
type Recorder struct {
	turnsTotal          *prometheus.CounterVec
	toolCallsTotal      *prometheus.CounterVec
	plannedActionsTotal *prometheus.CounterVec
	clarificationsTotal *prometheus.CounterVec
	loopWarningsTotal   prometheus.Counter
	llmCallDuration     *prometheus.HistogramVec
	persistFailures     *prometheus.CounterVec
	retentionPurged     *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		turnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_turns_total",
				Help: "Total number of conversation turns by outcome",
			},
			[]string{"outcome"},
		),
		toolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_tool_calls_total",
				Help: "Tool calls requested by the LLM by tool, class and status",
			},
			[]string{"tool", "class", "status"},
		),
		plannedActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_planned_actions_total",
				Help: "Planned actions awaiting approval by action type",
			},
			[]string{"action_type"},
		),
		clarificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_clarifications_total",
				Help: "Clarification requests raised by kind",
			},
			[]string{"kind"},
		),
		loopWarningsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "taskpilot_loop_warnings_total",
				Help: "Turns in which a repeated identical tool call was detected",
			},
		),
		llmCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskpilot_llm_call_duration_seconds",
				Help:    "Duration of LLM calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "status"},
		),
		persistFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_persist_failures_total",
				Help: "Best-effort persistence writes that failed",
			},
			[]string{"kind"},
		),
		retentionPurged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_retention_purged_total",
				Help: "History records removed by the retention janitor",
			},
			[]string{"kind"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			r.turnsTotal,
			r.toolCallsTotal,
			r.plannedActionsTotal,
			r.clarificationsTotal,
			r.loopWarningsTotal,
			r.llmCallDuration,
			r.persistFailures,
			r.retentionPurged,
		)
	}
	return r
}

func (r *Recorder) IncTurn(outcome string) {
	if r == nil {
		return
	}
	r.turnsTotal.WithLabelValues(outcome).Inc()
}

func (r *Recorder) IncToolCall(tool, class, status string) {
	if r == nil {
		return
	}
	r.toolCallsTotal.WithLabelValues(tool, class, status).Inc()
}

func (r *Recorder) IncPlannedAction(actionType string) {
	if r == nil {
		return
	}
	r.plannedActionsTotal.WithLabelValues(actionType).Inc()
}

func (r *Recorder) IncClarification(kind string) {
	if r == nil {
		return
	}
	r.clarificationsTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) IncLoopWarning() {
	if r == nil {
		return
	}
	r.loopWarningsTotal.Inc()
}

func (r *Recorder) IncPersistFailure(kind string) {
	if r == nil {
		return
	}
	r.persistFailures.WithLabelValues(kind).Inc()
}

// ObserveLLMCall records the latency of one LLM call.
func (r *Recorder) AddRetentionPurged(kind string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.retentionPurged.WithLabelValues(kind).Add(float64(n))
}

func (r *Recorder) ObserveLLMCall(provider string, success bool, d time.Duration) {
	if r == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	r.llmCallDuration.WithLabelValues(provider, status).Observe(d.Seconds())
}
