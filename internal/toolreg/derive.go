package toolreg

import (
	"strings"

	"github.com/agentoven/taskpilot/pkg/models"
)

// Naming conventions used by the default deriver when a registration leaves
// metadata out.

var (
	retrievalPrefixes = []string{"search_", "list_", "get_", "retrieve_"}
	retrievalSuffixes = []string{"_list", "_retrieve"}
	mutatingMarkers   = []string{"_create", "_update", "_delete", "_add", "_remove", "_archive", "_unarchive"}
)

// BuiltinRetrievalTools are search backends that do not follow the naming
// convention but never mutate anything.
var BuiltinRetrievalTools = []string{
	"vector_search_tool",
	"structured_db_tool",
	"pages_search_tool",
	"docs_search_tool",
}

// ClassifyName applies the naming convention. matched is false when the name
// fits neither the read nor the mutate pattern. A name matching both is an
// action.
func ClassifyName(name string) (class models.ToolClass, matched bool) {
	n := strings.ToLower(name)
	for _, m := range mutatingMarkers {
		if strings.Contains(n, m) {
			return models.ToolClassAction, true
		}
	}
	for _, p := range retrievalPrefixes {
		if strings.HasPrefix(n, p) {
			return models.ToolClassRetrieval, true
		}
	}
	for _, s := range retrievalSuffixes {
		if strings.HasSuffix(n, s) {
			return models.ToolClassRetrieval, true
		}
	}
	for _, b := range BuiltinRetrievalTools {
		if n == b {
			return models.ToolClassRetrieval, true
		}
	}
	return "", false
}

// DeriveActionType maps a tool name to its action type. Relation and
// archive operations are updates of the owning entity.
func DeriveActionType(name string) models.ActionType {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "_create_relation"):
		return models.ActionUpdate
	case strings.Contains(n, "_create"):
		return models.ActionCreate
	case strings.Contains(n, "_update"):
		return models.ActionUpdate
	case strings.Contains(n, "_delete"):
		return models.ActionDelete
	case strings.Contains(n, "_unarchive"), strings.Contains(n, "_archive"):
		return models.ActionUpdate
	case strings.Contains(n, "_add"):
		return models.ActionAdd
	case strings.Contains(n, "_remove"):
		return models.ActionRemove
	}
	return ""
}

// DeriveEntityType returns the singular entity a tool operates on: the
// prefix before the first underscore, or for read-style names the token
// after the read verb.
func DeriveEntityType(name string) string {
	parts := strings.Split(strings.ToLower(name), "_")
	if len(parts) == 0 || parts[0] == "" {
		return ""
	}
	if len(parts) > 1 {
		for _, p := range retrievalPrefixes {
			if parts[0]+"_" == p {
				return Singular(parts[1])
			}
		}
	}
	return Singular(parts[0])
}

// DeriveCategory groups a tool under the plural form of its entity.
func DeriveCategory(name string) string {
	for _, b := range BuiltinRetrievalTools {
		if name == b {
			return ""
		}
	}
	e := DeriveEntityType(name)
	if e == "" {
		return ""
	}
	return Plural(e)
}

// Singular strips a simple English plural.
func Singular(word string) string {
	switch {
	case strings.HasSuffix(word, "ies") && len(word) > 3:
		return word[:len(word)-3] + "y"
	case strings.HasSuffix(word, "ss"):
		return word
	case strings.HasSuffix(word, "s") && len(word) > 1:
		return word[:len(word)-1]
	}
	return word
}

// Plural forms a simple English plural.
func Plural(word string) string {
	switch {
	case strings.HasSuffix(word, "y") && len(word) > 1:
		return word[:len(word)-1] + "ies"
	case strings.HasSuffix(word, "s"):
		return word
	}
	return word + "s"
}

// EntityForField maps an argument name to the entity it references, e.g.
// "module_id" → "module", "issues" → "workitem", "assignee_ids" → "user".
func EntityForField(field string) string {
	switch field {
	case "assignee", "assignees", "assignee_id", "assignee_ids", "user_id", "user_ids",
		"member_id", "member_ids", "members", "lead", "lead_id", "owner_id":
		return "user"
	case "issues", "issue_id", "issue_ids", "work_items", "workitems", "work_item_id":
		return "workitem"
	case "labels":
		return "label"
	}
	f := strings.TrimSuffix(strings.TrimSuffix(field, "_ids"), "_id")
	return Singular(f)
}
