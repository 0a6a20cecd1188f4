package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/taskpilot/internal/preflight"
	"github.com/agentoven/taskpilot/internal/toolreg"
	"github.com/agentoven/taskpilot/pkg/models"
)

func systemPrompt(categories []string) string {
	var b strings.Builder
	b.WriteString(`You are a project-management assistant working inside a workspace.

You have two kinds of tools:
- Lookup tools (search_, list_, get_, retrieve_ and the search tools) run immediately and return data.
- Action tools (anything that creates, updates, deletes, adds or removes) are NOT executed. Calling one
  records a planned action that the user reviews and confirms later. Call each action tool once per change.

Rules:
- Never invent identifiers. Look entities up first and use the ids you get back.
`)
	fmt.Fprintf(&b, "- If a required value is unknown, pass %q for it, or call %s with a clear question.\n",
		preflight.NeedsClarification, toolreg.ClarificationTool)
	fmt.Fprintf(&b, "- To refer to an entity you planned to create earlier in this turn, pass \"%s<entity>: <name>\".\n",
		preflight.PlaceholderPrefix)
	fmt.Fprintf(&b, "- For a page that belongs to the workspace rather than a project, pass %q as project_id.\n",
		preflight.WorkspaceScope)
	b.WriteString("- When you have everything you need, answer the user concisely in plain text.\n")
	if len(categories) > 0 {
		b.WriteString("\nThis request concerns: " + strings.Join(categories, ", ") + ".\n")
	}
	return b.String()
}

// userMessage carries the query with its time context. On resumption it
// carries the original request alongside the answer so intent is kept.
func userMessage(req models.TurnRequest, now time.Time) string {
	var b strings.Builder
	loc := time.UTC
	if req.Timezone != "" {
		if l, err := time.LoadLocation(req.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	fmt.Fprintf(&b, "Current time: %s (%s, %s)\n", local.Format(time.RFC3339), loc.String(), local.Weekday())
	if req.WorkspaceSlug != "" {
		fmt.Fprintf(&b, "Workspace: %s\n", req.WorkspaceSlug)
	}
	if req.ProjectID != "" {
		fmt.Fprintf(&b, "Project in scope: %s\n", req.ProjectID)
	}
	b.WriteString("\n")

	if cc := req.Clarification; cc != nil {
		b.WriteString("Earlier you asked the user for clarification about this request:\n")
		b.WriteString(cc.OriginalQuery)
		b.WriteString("\n\nTheir answer:\n")
		answer := cc.Answer
		if answer == "" {
			answer = req.Query
		}
		b.WriteString(answer)
		b.WriteString("\n\nContinue with the original request using this answer.")
		return b.String()
	}
	b.WriteString(req.Query)
	return b.String()
}
