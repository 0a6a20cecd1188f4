package orchestrator

import "fmt"

// User-facing texts. They never carry tool names, identifiers or error
// details; those go to the log and the flow steps.
const (
	msgGenericFailure  = "Sorry, something went wrong while handling your request. Please try again."
	msgNoCategory      = "Sorry, I couldn't work out what you'd like me to do. Could you rephrase your request?"
	msgIterationCap    = "Sorry, I wasn't able to finish working on that request. Please try rephrasing it or breaking it into smaller steps."
	msgEmptyAnswer     = "I couldn't find anything to answer that with."
	msgPlannedDefault  = "I've planned these actions for you. Please review and confirm them before they are carried out."
	msgAlreadyPlanned  = "This action is already part of the plan. It was not added twice."
	msgReminder        = "The user's request requires changing something. Select the appropriate action tool to plan the change now, or call ask_for_clarification if required information is missing. Do not answer in plain text."
	msgClarifyDropped  = "Clarification requested; actions planned earlier in this turn were discarded."
	msgTurnTimedOut    = "Turn cancelled before completion."
	msgCancelled       = "The request was cancelled before it finished."
	msgLoopWarningNote = "Repeated identical tool call detected."
)

// Internal error codes carried on error events.
const (
	codeInternal     = "internal_error"
	codeLLM          = "llm_error"
	codeNoCategory   = "no_category"
	codeIterationCap = "iteration_cap"
	codeCancelled    = "cancelled"
)

func msgPlannedAck(summary string) string {
	return fmt.Sprintf("Planned, not executed: %s. It will only run after the user confirms it.", summary)
}

func msgProgress(entity string) string {
	if entity == "" {
		return "Looking things up..."
	}
	return fmt.Sprintf("Looking up %s...", entity)
}
