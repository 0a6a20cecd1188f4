// Package orchestrator runs one conversation turn: it routes the request,
// then drives the LLM tool loop.
//
//	route → bind tools → call LLM →
//	  retrieval calls: execute, feed results back →
//	  action calls: preflight → auto-resolve → plan (never execute) →
//	  missing fields: clarification, suspend →
//	repeat until a final answer, a clarification, or the iteration cap.
//
// Every decision is recorded as an ordered flow step; the caller sees the
// turn as a stream of events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/agentoven/taskpilot/internal/backend"
	"github.com/agentoven/taskpilot/internal/clarify"
	"github.com/agentoven/taskpilot/internal/config"
	"github.com/agentoven/taskpilot/internal/flowlog"
	"github.com/agentoven/taskpilot/internal/llm"
	"github.com/agentoven/taskpilot/internal/metrics"
	"github.com/agentoven/taskpilot/internal/planner"
	"github.com/agentoven/taskpilot/internal/preflight"
	"github.com/agentoven/taskpilot/internal/resolver"
	"github.com/agentoven/taskpilot/internal/routing"
	"github.com/agentoven/taskpilot/internal/store"
	"github.com/agentoven/taskpilot/internal/telemetry"
	"github.com/agentoven/taskpilot/internal/toolreg"
	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Loop policies applied when a repeated tool call is detected.
const (
	LoopPolicyWarn  = "warn"
	LoopPolicyAbort = "abort"
)

// SummaryToolName marks the final flow step of a turn.
const SummaryToolName = "turn_summary"

// Config bounds a turn.
type Config struct {
	MaxIterations      int
	MaxReminders       int
	LoopThreshold      int
	LoopPolicy         string
	HistoryTokenBudget int
	ToolTimeout        time.Duration
	PersistTimeout     time.Duration
}

// ConfigFrom extracts the loop settings from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxIterations:      cfg.Loop.MaxIterations,
		MaxReminders:       cfg.Loop.MaxReminders,
		LoopThreshold:      cfg.Loop.LoopThreshold,
		LoopPolicy:         cfg.Loop.LoopPolicy,
		HistoryTokenBudget: cfg.Loop.HistoryTokenBudget,
		ToolTimeout:        cfg.Tools.Timeout,
		PersistTimeout:     cfg.Store.PersistTimeout,
	}
}

// Deps are the collaborators of the orchestrator. Checker defaults to one
// built on Registry; Clarifications, Tokens and Metrics are optional.
type Deps struct {
	LLM            llm.Client
	Registry       *toolreg.Registry
	Invoker        backend.Invoker
	Router         *routing.Router
	Checker        *preflight.Checker
	Resolver       *resolver.Resolver
	Clarifier      *clarify.Builder
	Planner        *planner.Planner
	Steps          store.FlowStepStore
	Clarifications store.ClarificationStore
	Tokens         *llm.TokenCounter
	Metrics        *metrics.Recorder
	Now            func() time.Time
}

// Orchestrator runs turns. It holds no per-turn state and is safe for
// concurrent use across conversations.
type Orchestrator struct {
	cfg  Config
	deps Deps
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 8
	}
	if cfg.MaxReminders < 0 {
		cfg.MaxReminders = 0
	}
	if cfg.LoopThreshold <= 0 {
		cfg.LoopThreshold = 2
	}
	if cfg.LoopPolicy == "" {
		cfg.LoopPolicy = LoopPolicyWarn
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 20 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 3 * time.Second
	}
	if deps.Checker == nil {
		deps.Checker = preflight.NewChecker(deps.Registry)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

// Run starts a turn in its own goroutine and streams its events. The channel
// is closed when the turn has finished, including its final persistence.
func (o *Orchestrator) Run(ctx context.Context, req models.TurnRequest) <-chan models.Event {
	ch := make(chan models.Event, 16)
	go func() {
		defer close(ch)
		emit := func(ev models.Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
		if _, err := o.RunTurn(ctx, req, emit); err != nil {
			log.Warn().Err(err).
				Str("chat_id", req.ChatID).
				Str("message_id", req.MessageID).
				Msg("Turn ended early")
		}
	}()
	return ch
}

// RunTurn runs a turn synchronously, handing each event to emit. It returns
// the turn summary; the error is non-nil only when the turn was cancelled or
// crashed.
func (o *Orchestrator) RunTurn(ctx context.Context, req models.TurnRequest, emit func(models.Event)) (sum *models.TurnSummary, err error) {
	if emit == nil {
		emit = func(models.Event) {}
	}
	if req.Now.IsZero() {
		req.Now = o.deps.Now()
	}
	if req.Clarification != nil {
		cc := *req.Clarification
		req.Clarification = &cc
	}

	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.id", req.ChatID),
		attribute.String("message.id", req.MessageID),
		attribute.Bool("turn.resumed", req.Clarification != nil),
	)

	rec := flowlog.NewRecorder(o.deps.Steps, req.ChatID, req.MessageID, o.cfg.PersistTimeout,
		flowlog.WithStartOrder(o.nextOrder(ctx, req.MessageID)),
		flowlog.WithFailureHook(func(error) { o.deps.Metrics.IncPersistFailure("flow_step") }),
		flowlog.WithClock(o.deps.Now),
	)
	st := newTurnState(req, rec)

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("chat_id", req.ChatID).
				Str("stack", string(debug.Stack())).
				Msg("Turn panicked")
			sum = o.finish(st, models.OutcomeFailed, "Turn failed: internal error")
			emit(models.Event{Kind: models.EventError, Text: msgGenericFailure, Code: codeInternal, Summary: sum})
			err = fmt.Errorf("turn panicked: %v", r)
			span.SetStatus(codes.Error, "panic")
		}
	}()

	start := time.Now()
	sum, err = o.runTurn(ctx, st, emit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if sum != nil {
		span.SetAttributes(
			attribute.String("turn.outcome", sum.Outcome),
			attribute.Int("turn.iterations", sum.Iterations),
			attribute.Int("turn.planned_actions", sum.PlannedActions),
		)
		log.Info().
			Str("chat_id", req.ChatID).
			Str("message_id", req.MessageID).
			Str("outcome", sum.Outcome).
			Int("iterations", sum.Iterations).
			Int("llm_calls", sum.LLMCalls).
			Int("tool_calls", sum.ToolCalls).
			Int("planned", sum.PlannedActions).
			Bool("loop_warning", sum.LoopWarning).
			Dur("elapsed", time.Since(start)).
			Msg("Turn finished")
	}
	return sum, err
}

func (o *Orchestrator) runTurn(ctx context.Context, st *turnState, emit func(models.Event)) (*models.TurnSummary, error) {
	req := st.req
	o.resumeClarification(ctx, req)

	decision, err := o.deps.Router.Route(ctx, routing.Input{
		Query:         req.Query,
		History:       req.History,
		Advisory:      req.Advisory,
		Clarification: req.Clarification,
	}, st.rec)
	switch {
	case ctx.Err() != nil:
		return o.cancelled(ctx, st, emit)
	case errors.Is(err, routing.ErrNoCategory):
		sum := o.finish(st, models.OutcomeFailed, "Turn failed: no category")
		emit(models.Event{Kind: models.EventError, Text: msgNoCategory, Code: codeNoCategory, Summary: sum})
		return sum, nil
	case err != nil:
		log.Error().Err(err).Str("chat_id", req.ChatID).Msg("Routing failed")
		sum := o.finish(st, models.OutcomeFailed, "Turn failed: routing error")
		emit(models.Event{Kind: models.EventError, Text: msgGenericFailure, Code: codeInternal, Summary: sum})
		return sum, nil
	}
	st.decision = decision

	st.tools = o.deps.Registry.ForCategories(decision.Names())
	st.messages = append(st.messages, o.deps.Tokens.TrimHistory(req.History, o.cfg.HistoryTokenBudget)...)
	st.messages = append(st.messages, models.ChatMessage{Role: models.RoleUser, Content: userMessage(req, req.Now)})
	system := systemPrompt(decision.Names())

	for {
		if st.llmCalls >= o.cfg.MaxIterations {
			st.capReached = true
			break
		}

		resp, err := o.deps.LLM.Invoke(ctx, system, st.messages, st.tools)
		st.llmCalls++
		if err != nil {
			if ctx.Err() != nil {
				return o.cancelled(ctx, st, emit)
			}
			log.Error().Err(err).
				Str("chat_id", req.ChatID).
				Int("llm_calls", st.llmCalls).
				Msg("LLM call failed")
			sum := o.finish(st, models.OutcomeFailed, "Turn failed: LLM error")
			emit(models.Event{Kind: models.EventError, Text: msgGenericFailure, Code: codeLLM, Summary: sum})
			return sum, nil
		}

		if len(resp.ToolCalls) == 0 {
			if len(st.planned) == 0 && st.requiresAction() && st.reminders < o.cfg.MaxReminders {
				if st.llmCalls >= o.cfg.MaxIterations {
					st.capReached = true
					break
				}
				st.messages = append(st.messages,
					models.ChatMessage{Role: models.RoleAssistant, Content: resp.Content},
					models.ChatMessage{Role: models.RoleSystem, Content: msgReminder},
				)
				st.reminders++
				st.totalReminder++
				log.Debug().Int("reminders", st.reminders).Msg("No action selected, reminding")
				continue
			}
			st.finalText = resp.Content
			break
		}

		if strings.TrimSpace(resp.Content) != "" {
			emit(models.Event{Kind: models.EventReasoning, Text: resp.Content})
		}
		st.iterations++
		st.reminders = 0
		st.messages = append(st.messages, models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if call, ok := clarificationCall(resp.ToolCalls); ok {
			st.toolCalls++
			o.askForClarification(ctx, st, call)
		} else {
			o.processBatch(ctx, st, resp.ToolCalls, emit)
		}
		if ctx.Err() != nil {
			return o.cancelled(ctx, st, emit)
		}
		if !st.holdsPlanned() {
			_ = st.rec.Flush(ctx)
		}

		if st.clarification != nil || st.aborted {
			break
		}
	}

	return o.terminate(st, emit), nil
}

// terminate applies the termination priority: clarification, iteration cap
// with nothing planned, informational answer, planned actions.
func (o *Orchestrator) terminate(st *turnState, emit func(models.Event)) *models.TurnSummary {
	outcome := st.outcome()
	sum := o.finish(st, outcome, "")

	switch outcome {
	case models.OutcomeClarification:
		emit(models.Event{
			Kind:          models.EventClarification,
			Text:          clarify.Render(st.clarification),
			Clarification: st.clarification,
			Summary:       sum,
		})
	case models.OutcomeIterationCap:
		emit(models.Event{Kind: models.EventError, Text: msgIterationCap, Code: codeIterationCap, Summary: sum})
	case models.OutcomeAnswered:
		text := strings.TrimSpace(st.finalText)
		if text == "" {
			text = msgEmptyAnswer
		}
		emit(models.Event{Kind: models.EventFinalAnswer, Text: text, Summary: sum})
	default:
		text := strings.TrimSpace(st.finalText)
		if text == "" {
			text = msgPlannedDefault
		}
		emit(models.Event{Kind: models.EventFinalAnswer, Text: text, Actions: st.planned, Summary: sum})
	}
	return sum
}

// settlePlanned persists the planned actions of a turn that ended with a
// plan and backfills their artifact ids into the held flow steps. Any other
// outcome discards them, so nothing unconfirmed reaches the artifact store.
func (o *Orchestrator) settlePlanned(st *turnState, outcome string) {
	if !st.holdsPlanned() {
		return
	}
	if outcome != models.OutcomePlanned {
		dropped := st.discardPlanned()
		log.Info().Int("discarded", len(dropped)).Str("outcome", outcome).Msg("Planned actions discarded")
		return
	}
	ctx := context.Background()
	for i, a := range st.planned {
		o.deps.Planner.Persist(ctx, a)
		id := a.ArtifactID
		if err := st.rec.Amend(st.plannedSteps[i], func(fs *models.FlowStep) {
			fs.ExecutionData["artifact_id"] = id
		}); err != nil {
			log.Warn().Err(err).Str("artifact_id", id).Msg("Could not backfill artifact id")
		}
	}
}

// finish settles planned actions, appends the summary step, flushes, and
// counts the turn.
func (o *Orchestrator) finish(st *turnState, outcome, note string) *models.TurnSummary {
	o.settlePlanned(st, outcome)
	sum := st.summary(outcome)
	status := models.StatusSuccess
	content := note
	switch outcome {
	case models.OutcomeFailed, models.OutcomeTimedOut, models.OutcomeIterationCap:
		status = models.StatusFailed
	}
	if content == "" {
		content = "Turn finished: " + outcome
	}
	st.rec.Append(models.FlowStep{
		StepType:        models.StepTypeTool,
		ToolName:        SummaryToolName,
		Content:         content,
		ExecutionData:   summaryData(sum),
		IsExecuted:      true,
		ExecutionStatus: status,
	})
	_ = st.rec.Flush(context.Background())
	o.deps.Metrics.IncTurn(outcome)
	return sum
}

// cancelled records the timed-out terminal step. The flush is detached from
// ctx so it still lands.
func (o *Orchestrator) cancelled(ctx context.Context, st *turnState, emit func(models.Event)) (*models.TurnSummary, error) {
	o.settlePlanned(st, models.OutcomeTimedOut)
	sum := st.summary(models.OutcomeTimedOut)
	st.rec.Append(models.FlowStep{
		StepType:        models.StepTypeTool,
		ToolName:        SummaryToolName,
		Content:         msgTurnTimedOut,
		ExecutionData:   summaryData(sum),
		IsExecuted:      true,
		ExecutionStatus: models.StatusFailed,
	})
	_ = st.rec.Flush(ctx)
	o.deps.Metrics.IncTurn(models.OutcomeTimedOut)
	emit(models.Event{Kind: models.EventError, Text: msgCancelled, Code: codeCancelled, Summary: sum})
	return sum, ctx.Err()
}

// resumeClarification completes the context of a resumed turn from the
// stored clarification and marks that clarification answered.
func (o *Orchestrator) resumeClarification(ctx context.Context, req models.TurnRequest) {
	cc := req.Clarification
	if cc == nil || cc.ClarificationID == "" || o.deps.Clarifications == nil {
		return
	}
	if cc.Answer == "" {
		cc.Answer = req.Query
	}

	pctx, cancel := context.WithTimeout(ctx, o.cfg.PersistTimeout)
	defer cancel()

	if cc.OriginalQuery == "" || cc.MessageID == "" || len(cc.CategoryHints) == 0 || cc.Kind == "" {
		c, err := o.deps.Clarifications.GetClarification(pctx, cc.ClarificationID)
		if err != nil {
			log.Warn().Err(err).Str("clarification_id", cc.ClarificationID).Msg("Clarification record unavailable")
		} else {
			if cc.OriginalQuery == "" {
				cc.OriginalQuery = c.OriginalQuery
			}
			if cc.MessageID == "" {
				cc.MessageID = c.MessageID
			}
			if len(cc.CategoryHints) == 0 {
				cc.CategoryHints = c.CategoryHints
			}
			if cc.Kind == "" {
				cc.Kind = c.Kind
			}
		}
	}

	if err := o.deps.Clarifications.ResolveClarification(pctx, cc.ClarificationID, cc.Answer, req.UserID); err != nil {
		log.Warn().Err(err).Str("clarification_id", cc.ClarificationID).Msg("Failed to resolve clarification")
		o.deps.Metrics.IncPersistFailure("clarification")
	}
}

// nextOrder continues the step numbering of a message that already has
// recorded steps.
func (o *Orchestrator) nextOrder(ctx context.Context, messageID string) int {
	if o.deps.Steps == nil || messageID == "" {
		return 1
	}
	steps, err := o.deps.Steps.ListFlowSteps(ctx, messageID)
	if err != nil {
		log.Warn().Err(err).Str("message_id", messageID).Msg("Could not read prior flow steps")
		return 1
	}
	next := 1
	for _, s := range steps {
		if s.StepOrder >= next {
			next = s.StepOrder + 1
		}
	}
	return next
}

func summaryData(sum *models.TurnSummary) map[string]interface{} {
	return map[string]interface{}{
		"outcome":         sum.Outcome,
		"iterations":      sum.Iterations,
		"llm_calls":       sum.LLMCalls,
		"tool_calls":      sum.ToolCalls,
		"planned_actions": sum.PlannedActions,
		"reminders":       sum.Reminders,
		"loop_warning":    sum.LoopWarning,
		"categories":      sum.Categories,
	}
}

// originalQuery is the request a clarification chain started from.
func originalQuery(req models.TurnRequest) string {
	if cc := req.Clarification; cc != nil && cc.OriginalQuery != "" {
		return cc.OriginalQuery
	}
	return req.Query
}
