package routing

import (
	"strings"

	"github.com/agentoven/taskpilot/pkg/models"
)

// maxRoutingHistory is how many prior messages the router sees.
const maxRoutingHistory = 6

func routingSystemPrompt(advisory string) string {
	var b strings.Builder
	b.WriteString(`You route project-management requests to capability categories.
Pick every category whose tools are needed to answer or carry out the request.
Set requires_action to true when the user asks to create, change or remove something.

Respond with JSON only:
{"categories": [{"category": "<name>", "rationale": "<short reason>"}], "requires_action": <true|false>}
`)
	if advisory != "" {
		b.WriteString("\n")
		b.WriteString(advisory)
		b.WriteString("\n")
	}
	return b.String()
}

func routingUserPrompt(in Input) string {
	var b strings.Builder
	history := in.History
	if len(history) > maxRoutingHistory {
		history = history[len(history)-maxRoutingHistory:]
	}
	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range history {
			if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
				continue
			}
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			b.WriteString(m.Role + ": " + m.Content + "\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Request: " + in.Query)
	return b.String()
}
