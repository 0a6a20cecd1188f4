package clarify

import (
	"fmt"
	"strings"

	"github.com/agentoven/taskpilot/pkg/models"
)

// Render turns a clarification into the text shown to the user: the
// reason, the questions, and numbered options annotated with their key or
// email and linked when a URL is known.
func Render(c *models.ClarificationRequest) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	if c.Reason != "" {
		b.WriteString(c.Reason)
	}
	for _, q := range c.Questions {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(q)
	}
	if len(c.Options) > 0 {
		b.WriteString("\n")
	}
	for i, opt := range c.Options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, optionLine(opt))
	}
	return b.String()
}

func optionLine(opt models.DisambiguationOption) string {
	label := opt.Name
	if label == "" {
		label = opt.DisplayName
	}
	if label == "" {
		label = opt.ID
	}
	if opt.URL != "" {
		label = "[" + label + "](" + opt.URL + ")"
	}

	var meta []string
	if opt.Identifier != "" {
		meta = append(meta, opt.Identifier)
	}
	if opt.Email != "" {
		meta = append(meta, opt.Email)
	}
	if opt.DisplayName != "" && opt.DisplayName != opt.Name && opt.Name != "" {
		meta = append(meta, "@"+opt.DisplayName)
	}
	if len(meta) == 0 {
		return label
	}
	return label + " (" + strings.Join(meta, ", ") + ")"
}
