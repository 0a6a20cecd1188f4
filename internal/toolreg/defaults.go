package toolreg

import "github.com/agentoven/taskpilot/pkg/models"

// defaultRequired is the built-in required-field table. Registrations and
// registry files may override any entry.
var defaultRequired = map[string][]string{
	"workitems_create":          {"project_id", "name"},
	"workitems_update":          {"project_id", "workitem_id"},
	"workitems_delete":          {"project_id", "workitem_id"},
	"workitems_create_relation": {"project_id", "workitem_id", "related_workitem_id"},
	"projects_create":           {"name"},
	"projects_update":           {"project_id"},
	"projects_archive":          {"project_id"},
	"projects_unarchive":        {"project_id"},
	"modules_create":            {"project_id", "name"},
	"modules_update":            {"project_id", "module_id"},
	"modules_add_work_items":    {"project_id", "module_id", "issues"},
	"modules_remove_work_item":  {"project_id", "module_id", "workitem_id"},
	"cycles_create":             {"project_id", "name"},
	"cycles_update":             {"project_id", "cycle_id"},
	"cycles_add_work_items":     {"project_id", "cycle_id", "issues"},
	"labels_create":             {"project_id", "name"},
	"states_create":             {"project_id", "name"},
	"pages_create":              {"project_id", "name"},
	"members_add":               {"project_id", "member_id"},
}

const clarificationDescription = "Ask the user for missing or ambiguous information. " +
	"Use this instead of guessing identifiers. Calling it ends the current turn."

func clarificationSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reason":         map[string]interface{}{"type": "string"},
			"questions":      map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"missing_fields": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"category_hints": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"disambiguation_options": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"id":   map[string]interface{}{"type": "string"},
						"name": map[string]interface{}{"type": "string"},
						"type": map[string]interface{}{"type": "string"},
					},
				},
			},
		},
		"required": []string{"reason"},
	}
}

func retrieval(name, category, desc string, required ...string) Spec {
	return Spec{Name: name, Category: category, Class: models.ToolClassRetrieval, Description: desc, RequiredFields: required}
}

func action(name, category, desc string) Spec {
	return Spec{Name: name, Category: category, Class: models.ToolClassAction, Description: desc}
}

// DefaultSpecs is the built-in tool catalog for a project-management backend.
func DefaultSpecs() []Spec {
	specs := []Spec{
		{Name: ClarificationTool, Class: models.ToolClassRetrieval, AlwaysOn: true,
			Description: clarificationDescription, Parameters: clarificationSchema()},
		{Name: "vector_search_tool", Class: models.ToolClassRetrieval, AlwaysOn: true,
			Description: "Semantic search over work items, pages and comments.", RequiredFields: []string{"query"}},
		{Name: "structured_db_tool", Class: models.ToolClassRetrieval, AlwaysOn: true,
			Description: "Answer counting and filtering questions from structured project data.", RequiredFields: []string{"query"}},
		{Name: "pages_search_tool", Class: models.ToolClassRetrieval, AlwaysOn: true,
			Description: "Full-text search over pages.", RequiredFields: []string{"query"}},
		{Name: "docs_search_tool", Class: models.ToolClassRetrieval, AlwaysOn: true,
			Description: "Search product documentation.", RequiredFields: []string{"query"}},

		retrieval("retrieve_workitem", "workitems", "Fetch one work item by id.", "workitem_id"),
		retrieval("search_workitem_by_name", "workitems", "Find work items by name.", "name"),
		action("workitems_create", "workitems", "Create a work item."),
		action("workitems_update", "workitems", "Update a work item."),
		action("workitems_delete", "workitems", "Delete a work item."),
		action("workitems_create_relation", "workitems", "Link two work items."),

		retrieval("list_projects", "projects", "List projects in the workspace."),
		retrieval("list_member_projects", "projects", "List projects the current user is a member of."),
		retrieval("retrieve_project", "projects", "Fetch one project by id.", "project_id"),
		retrieval("search_project_by_name", "projects", "Find projects by name.", "name"),
		retrieval("search_project_by_identifier", "projects", "Find a project by its short key.", "identifier"),
		action("projects_create", "projects", "Create a project."),
		action("projects_update", "projects", "Update a project."),
		action("projects_archive", "projects", "Archive a project."),
		action("projects_unarchive", "projects", "Restore an archived project."),

		retrieval("list_modules", "modules", "List modules of a project.", "project_id"),
		retrieval("retrieve_module", "modules", "Fetch one module by id.", "project_id", "module_id"),
		action("modules_create", "modules", "Create a module."),
		action("modules_update", "modules", "Update a module."),
		action("modules_add_work_items", "modules", "Add work items to a module."),
		action("modules_remove_work_item", "modules", "Remove a work item from a module."),

		retrieval("list_cycles", "cycles", "List cycles of a project.", "project_id"),
		retrieval("retrieve_cycle", "cycles", "Fetch one cycle by id.", "project_id", "cycle_id"),
		action("cycles_create", "cycles", "Create a cycle."),
		action("cycles_update", "cycles", "Update a cycle."),
		action("cycles_add_work_items", "cycles", "Add work items to a cycle."),

		retrieval("list_labels", "labels", "List labels of a project.", "project_id"),
		action("labels_create", "labels", "Create a label."),

		retrieval("list_states", "states", "List workflow states of a project.", "project_id"),
		action("states_create", "states", "Create a workflow state."),

		action("pages_create", "pages", "Create a page in a project or the workspace."),

		retrieval("list_workspace_members", "members", "List workspace members."),
		action("members_add", "members", "Add a member to a project."),
	}
	return specs
}
