package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/taskpilot/internal/clarify"
	"github.com/agentoven/taskpilot/internal/planner"
	"github.com/agentoven/taskpilot/internal/preflight"
	"github.com/agentoven/taskpilot/internal/resolver"
	"github.com/agentoven/taskpilot/internal/telemetry"
	"github.com/agentoven/taskpilot/internal/toolreg"
	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// maxResultChars bounds the tool result kept in a flow step.
const maxResultChars = 2000

// processBatch handles the tool calls of one LLM response in order. It
// stops early on a clarification, an aborting loop, or cancellation.
func (o *Orchestrator) processBatch(ctx context.Context, st *turnState, calls []models.ToolCall, emit func(models.Event)) {
	for _, call := range calls {
		if ctx.Err() != nil {
			return
		}

		if n := st.observe(call); n > o.cfg.LoopThreshold {
			o.flagLoop(st, call, n)
			if o.cfg.LoopPolicy == LoopPolicyAbort {
				st.aborted = true
				return
			}
		}

		st.toolCalls++
		if o.deps.Registry.Classify(call.Name).IsRetrieval {
			o.retrieve(ctx, st, call, emit)
			continue
		}
		if stop := o.planAction(ctx, st, call, emit); stop {
			return
		}
	}
}

func (o *Orchestrator) flagLoop(st *turnState, call models.ToolCall, count int) {
	log.Warn().
		Str("chat_id", st.req.ChatID).
		Str("tool", call.Name).
		Int("count", count).
		Str("policy", o.cfg.LoopPolicy).
		Msg("Repeated tool call detected")
	if st.loopWarning {
		return
	}
	st.loopWarning = true
	o.deps.Metrics.IncLoopWarning()
	st.rec.Append(models.FlowStep{
		StepType: models.StepTypeTool,
		ToolName: call.Name,
		Content:  msgLoopWarningNote,
		ExecutionData: map[string]interface{}{
			"signature": signature(call),
			"count":     count,
			"policy":    o.cfg.LoopPolicy,
		},
		IsExecuted:      false,
		ExecutionStatus: models.StatusSuccess,
	})
}

// ── Retrieval ───────────────────────────────────────────────

func (o *Orchestrator) retrieve(ctx context.Context, st *turnState, call models.ToolCall, emit func(models.Event)) {
	emit(models.Event{Kind: models.EventProgress, Text: msgProgress(subject(o.deps.Registry.EntityType(call.Name)))})

	tctx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	tctx, span := telemetry.Tracer().Start(tctx, "tool.retrieve")
	span.SetAttributes(attribute.String("tool.name", call.Name))

	start := time.Now()
	res, err := o.deps.Invoker.Invoke(tctx, call.Name, call.Args)
	elapsed := time.Since(start)
	cancel()

	status := models.StatusSuccess
	var content string
	switch {
	case err != nil:
		status = models.StatusFailed
		content = "Error: " + err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).Str("tool", call.Name).Msg("Retrieval tool failed")
	case !res.Success:
		status = models.StatusFailed
		content = res.Text()
		span.SetStatus(codes.Error, res.Message)
	default:
		content = res.Text()
	}
	span.End()

	facts := extractFacts(call.Name, res)
	st.facts = append(st.facts, facts...)

	st.messages = append(st.messages, models.ChatMessage{
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Name,
		IsError:    status == models.StatusFailed,
	})

	data := map[string]interface{}{
		"args":        call.Args,
		"result":      truncate(content, maxResultChars),
		"duration_ms": elapsed.Milliseconds(),
	}
	if len(facts) > 0 {
		data["facts"] = facts
	}
	st.rec.Append(models.FlowStep{
		StepType:        models.StepTypeTool,
		ToolName:        call.Name,
		Content:         fmt.Sprintf("Called %s", call.Name),
		ExecutionData:   data,
		IsExecuted:      true,
		ExecutionStatus: status,
	})
	o.deps.Metrics.IncToolCall(call.Name, string(models.ToolClassRetrieval), string(status))
}

// ── Actions ─────────────────────────────────────────────────

// planAction runs preflight and auto-resolution on an action call and plans
// it. It returns true when the turn must suspend for a clarification.
func (o *Orchestrator) planAction(ctx context.Context, st *turnState, call models.ToolCall, emit func(models.Event)) bool {
	req := st.req
	args := copyArgs(call.Args)
	pc := preflight.Context{ProjectID: req.ProjectID, PendingRefs: st.pendingRefs}

	missing := o.deps.Checker.Missing(call.Name, args, pc)
	if len(missing) > 0 {
		scope := resolver.Scope{WorkspaceSlug: req.WorkspaceSlug, ProjectID: req.ProjectID}
		if o.deps.Resolver.TryResolve(ctx, call.Name, args, missing, o.deps.Registry, scope) {
			missing = o.deps.Checker.Missing(call.Name, args, pc)
		}
	}

	if len(missing) > 0 {
		st.clarification = o.deps.Clarifier.Build(ctx, clarify.Input{
			ChatID:        req.ChatID,
			MessageID:     req.MessageID,
			Kind:          models.ClarificationAction,
			ToolName:      call.Name,
			ToolArgs:      args,
			MissingFields: missing,
			CategoryHints: st.decision.Names(),
			OriginalQuery: originalQuery(req),
			WorkspaceSlug: req.WorkspaceSlug,
			ProjectID:     req.ProjectID,
		})
		o.recordClarification(st, call.Name, missing)
		o.deps.Metrics.IncToolCall(call.Name, string(models.ToolClassAction), "clarification")
		return true
	}

	action := o.deps.Planner.Draft(ctx, call.Name, args, planner.Context{
		ChatID:             req.ChatID,
		MessageID:          req.MessageID,
		Query:              originalQuery(req),
		WorkspaceSlug:      req.WorkspaceSlug,
		ProjectID:          req.ProjectID,
		ConversationLength: len(st.messages),
		Sequence:           len(st.planned) + 1,
		Facts:              st.facts,
	})

	key := planner.DedupKey(action.ToolName, action.CleanedArgs)
	if st.plannedKeys[key] {
		log.Debug().Str("tool", call.Name).Msg("Duplicate planned action skipped")
		st.messages = append(st.messages, toolMessage(call, msgAlreadyPlanned))
		o.deps.Metrics.IncToolCall(call.Name, string(models.ToolClassAction), "duplicate")
		return false
	}

	// Persisted only once the turn ends with a plan; see settlePlanned.
	st.plannedKeys[key] = true
	if action.PlaceholderRef != "" {
		st.pendingRefs = append(st.pendingRefs, action.PlaceholderRef)
	}

	streamed := *action
	emit(models.Event{Kind: models.EventPlannedAction, Text: action.Summary.Text, Action: &streamed})
	st.messages = append(st.messages, toolMessage(call, msgPlannedAck(action.Summary.Text)))

	data := map[string]interface{}{
		"action_type":  string(action.ActionType),
		"entity_type":  action.EntityType,
		"cleaned_args": action.CleanedArgs,
		"sequence":     action.Sequence,
	}
	if action.PlaceholderRef != "" {
		data["placeholder_ref"] = action.PlaceholderRef
	}
	order := st.rec.Append(models.FlowStep{
		StepType:        models.StepTypeTool,
		ToolName:        call.Name,
		Content:         "Planned: " + action.Summary.Text,
		ExecutionData:   data,
		IsPlanned:       true,
		IsExecuted:      false,
		ExecutionStatus: models.StatusPending,
	})
	st.planned = append(st.planned, action)
	st.plannedSteps = append(st.plannedSteps, order)
	o.deps.Metrics.IncToolCall(call.Name, string(models.ToolClassAction), "planned")
	return false
}

// ── Clarification ───────────────────────────────────────────

// clarificationCall finds the clarification tool in a batch.
func clarificationCall(calls []models.ToolCall) (models.ToolCall, bool) {
	for _, c := range calls {
		if c.Name == toolreg.ClarificationTool {
			return c, true
		}
	}
	return models.ToolCall{}, false
}

// askForClarification handles an explicit clarification request from the
// LLM. It pre-empts the rest of the batch and the actions planned earlier
// in the turn.
func (o *Orchestrator) askForClarification(ctx context.Context, st *turnState, call models.ToolCall) {
	req := st.req

	if dropped := st.discardPlanned(); len(dropped) > 0 {
		log.Info().Int("discarded", len(dropped)).Str("chat_id", req.ChatID).Msg("Planned actions discarded for clarification")
		st.rec.Append(models.FlowStep{
			StepType:        models.StepTypeTool,
			ToolName:        toolreg.ClarificationTool,
			Content:         msgClarifyDropped,
			ExecutionData:   map[string]interface{}{"discarded_actions": dropped},
			ExecutionStatus: models.StatusSuccess,
		})
	}

	kind := models.ClarificationRetrieval
	if st.requiresAction() {
		kind = models.ClarificationAction
	}
	hints := mergeStrings(st.decision.Names(), stringList(call.Args["category_hints"]))

	st.clarification = o.deps.Clarifier.Build(ctx, clarify.Input{
		ChatID:        req.ChatID,
		MessageID:     req.MessageID,
		Kind:          kind,
		Reason:        stringArg(call.Args, "reason"),
		MissingFields: stringList(call.Args["missing_fields"]),
		CategoryHints: hints,
		OriginalQuery: originalQuery(req),
		WorkspaceSlug: req.WorkspaceSlug,
		ProjectID:     req.ProjectID,
		Questions:     stringList(call.Args["questions"]),
		Options:       optionList(call.Args["disambiguation_options"]),
	})
	o.recordClarification(st, call.Name, st.clarification.MissingFields)
	o.deps.Metrics.IncToolCall(call.Name, "clarification", string(models.StatusSuccess))
}

func (o *Orchestrator) recordClarification(st *turnState, tool string, missing []string) {
	c := st.clarification
	st.rec.Append(models.FlowStep{
		StepType: models.StepTypeTool,
		ToolName: tool,
		Content:  "Clarification requested: " + c.Reason,
		ExecutionData: map[string]interface{}{
			"clarification_id": c.ID,
			"kind":             string(c.Kind),
			"missing_fields":   missing,
			"category_hints":   c.CategoryHints,
			"options":          len(c.Options),
		},
		IsExecuted:      false,
		ExecutionStatus: models.StatusPending,
	})
}

// ── Helpers ─────────────────────────────────────────────────

func toolMessage(call models.ToolCall, content string) models.ChatMessage {
	return models.ChatMessage{
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Name,
	}
}

func copyArgs(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func subject(entity string) string {
	switch entity {
	case "":
		return ""
	case "workitem":
		return "work items"
	}
	return toolreg.Plural(entity)
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func stringList(v interface{}) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		if strings.TrimSpace(val) != "" {
			return []string{strings.TrimSpace(val)}
		}
	}
	return nil
}

func optionList(v interface{}) []models.DisambiguationOption {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []models.DisambiguationOption
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		opt := models.DisambiguationOption{
			ID:   stringArg(m, "id"),
			Name: stringArg(m, "name"),
			Type: stringArg(m, "type"),
		}
		if opt.ID == "" && opt.Name == "" {
			continue
		}
		out = append(out, opt)
	}
	return out
}

func mergeStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
