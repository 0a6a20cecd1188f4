package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/agentoven/taskpilot/internal/flowlog"
	"github.com/agentoven/taskpilot/internal/routing"
	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/rs/zerolog/log"
)

// turnState is everything one turn accumulates. It is owned by the turn's
// goroutine and never shared.
type turnState struct {
	req      models.TurnRequest
	decision *routing.Decision
	rec      *flowlog.Recorder
	tools    []models.ToolDefinition
	messages []models.ChatMessage

	planned      []*models.PlannedAction
	plannedSteps []int // flow step order of each planned action
	plannedKeys  map[string]bool
	pendingRefs  []string
	facts        []models.RetrievalFact

	signatures map[string]int

	clarification *models.ClarificationRequest
	finalText     string

	llmCalls      int
	iterations    int
	toolCalls     int
	reminders     int // consecutive, reset after a processed batch
	totalReminder int
	loopWarning   bool
	aborted       bool
	capReached    bool
}

func newTurnState(req models.TurnRequest, rec *flowlog.Recorder) *turnState {
	return &turnState{
		req:         req,
		rec:         rec,
		plannedKeys: make(map[string]bool),
		signatures:  make(map[string]int),
	}
}

// requiresAction reports whether the routed request asks for a change.
func (s *turnState) requiresAction() bool {
	return s.decision != nil && s.decision.RequiresAction
}

// observe records a tool call signature and returns how often it has now
// been seen this turn.
func (s *turnState) observe(call models.ToolCall) int {
	sig := signature(call)
	s.signatures[sig]++
	return s.signatures[sig]
}

// holdsPlanned reports whether planned actions await the end of the turn.
// Their flow steps stay unflushed until then.
func (s *turnState) holdsPlanned() bool {
	return len(s.planned) > 0
}

// discardPlanned drops the actions planned so far this turn and marks their
// flow steps as discarded. It returns the summaries of the dropped actions.
func (s *turnState) discardPlanned() []string {
	var dropped []string
	for i, a := range s.planned {
		dropped = append(dropped, a.Summary.Text)
		order := s.plannedSteps[i]
		if err := s.rec.Amend(order, markDiscarded); err != nil {
			log.Warn().Err(err).Int("step_order", order).Msg("Planned step already persisted")
		}
	}
	s.planned = nil
	s.plannedSteps = nil
	s.plannedKeys = make(map[string]bool)
	s.pendingRefs = nil
	return dropped
}

func markDiscarded(fs *models.FlowStep) {
	fs.IsPlanned = false
	fs.ExecutionStatus = models.StatusFailed
	fs.Content = strings.Replace(fs.Content, "Planned: ", "Discarded: ", 1)
	if fs.ExecutionData == nil {
		fs.ExecutionData = map[string]interface{}{}
	}
	fs.ExecutionData["discarded"] = true
}

func (s *turnState) outcome() string {
	switch {
	case s.clarification != nil:
		return models.OutcomeClarification
	case (s.capReached || s.aborted) && len(s.planned) == 0:
		return models.OutcomeIterationCap
	case len(s.planned) == 0:
		return models.OutcomeAnswered
	default:
		return models.OutcomePlanned
	}
}

func (s *turnState) summary(outcome string) *models.TurnSummary {
	return &models.TurnSummary{
		Outcome:        outcome,
		Iterations:     s.iterations,
		LLMCalls:       s.llmCalls,
		ToolCalls:      s.toolCalls,
		PlannedActions: len(s.planned),
		Reminders:      s.totalReminder,
		LoopWarning:    s.loopWarning,
		Categories:     s.decision.Names(),
	}
}

// signature is "name(canonical-json-args)". encoding/json sorts map keys,
// so equal argument sets give equal signatures.
func signature(call models.ToolCall) string {
	b, err := json.Marshal(call.Args)
	if err != nil {
		return call.Name + "(?)"
	}
	return call.Name + "(" + string(b) + ")"
}
