package toolreg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentoven/taskpilot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyExactlyOneFlag(t *testing.T) {
	r := NewDefault(models.ToolClassAction)
	names := []string{
		"list_projects", "search_project_by_name", "get_state", "retrieve_workitem",
		"workitems_list", "cycle_retrieve", "vector_search_tool", "docs_search_tool",
		"workitems_create", "modules_add_work_items", "projects_archive", "projects_unarchive",
		"get_or_create_label", "list_and_delete", "totally_unknown", "", ClarificationTool,
	}
	for _, n := range names {
		c := r.Classify(n)
		assert.True(t, c.IsRetrieval != c.IsAction, "exactly one flag for %q", n)
		assert.Equal(t, c, r.Classify(n), "deterministic for %q", n)
	}
}

func TestClassifyName(t *testing.T) {
	tests := []struct {
		name    string
		want    models.ToolClass
		matched bool
	}{
		{"list_modules", models.ToolClassRetrieval, true},
		{"search_project_by_identifier", models.ToolClassRetrieval, true},
		{"workitems_list", models.ToolClassRetrieval, true},
		{"structured_db_tool", models.ToolClassRetrieval, true},
		{"workitems_create", models.ToolClassAction, true},
		{"projects_unarchive", models.ToolClassAction, true},
		// read and mutate patterns both match: mutating wins
		{"get_or_create_label", models.ToolClassAction, true},
		{"list_remove_candidates", models.ToolClassAction, true},
		{"summarize", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, matched := ClassifyName(tt.name)
			assert.Equal(t, tt.want, class)
			assert.Equal(t, tt.matched, matched)
		})
	}
}

func TestUnknownClassDefault(t *testing.T) {
	safe := New(models.ToolClassAction)
	assert.True(t, safe.Classify("summarize").IsAction)

	lenient := New(models.ToolClassRetrieval)
	assert.True(t, lenient.Classify("summarize").IsRetrieval)

	bogus := New("whatever")
	assert.True(t, bogus.Classify("summarize").IsAction)
}

func TestRegisteredMetadataWins(t *testing.T) {
	r := New(models.ToolClassAction)
	r.Register(Spec{Name: "list_and_purge", Class: models.ToolClassRetrieval})
	assert.True(t, r.Classify("list_and_purge").IsRetrieval)

	r.Register(Spec{Name: "sync_labels"})
	assert.True(t, r.Classify("sync_labels").IsAction)
}

func TestDeriveActionAndEntity(t *testing.T) {
	tests := []struct {
		tool   string
		action models.ActionType
		entity string
	}{
		{"workitems_create", models.ActionCreate, "workitem"},
		{"workitems_create_relation", models.ActionUpdate, "workitem"},
		{"projects_archive", models.ActionUpdate, "project"},
		{"projects_unarchive", models.ActionUpdate, "project"},
		{"modules_add_work_items", models.ActionAdd, "module"},
		{"modules_remove_work_item", models.ActionRemove, "module"},
		{"cycles_delete", models.ActionDelete, "cycle"},
		{"categories_update", models.ActionUpdate, "category"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			assert.Equal(t, tt.action, DeriveActionType(tt.tool))
			assert.Equal(t, tt.entity, DeriveEntityType(tt.tool))
		})
	}
	assert.Equal(t, "workitem", DeriveEntityType("retrieve_workitem"))
	assert.Equal(t, "projects", DeriveCategory("search_project_by_name"))
	assert.Equal(t, "", DeriveCategory("vector_search_tool"))
}

func TestRegisterFillsDefaults(t *testing.T) {
	r := New(models.ToolClassAction)
	r.Register(Spec{Name: "modules_add_work_items"})

	s, ok := r.Get("modules_add_work_items")
	require.True(t, ok)
	assert.Equal(t, models.ToolClassAction, s.Class)
	assert.Equal(t, models.ActionAdd, s.ActionType)
	assert.Equal(t, "module", s.EntityType)
	assert.Equal(t, "modules", s.Category)
	assert.Equal(t, []string{"project_id", "module_id", "issues"}, s.RequiredFields)
}

func TestForCategories(t *testing.T) {
	r := NewDefault(models.ToolClassAction)
	defs := r.ForCategories([]string{"modules", "modules"})

	names := make(map[string]int)
	for _, d := range defs {
		names[d.Name]++
	}
	for n, c := range names {
		assert.Equal(t, 1, c, "tool %q bound once", n)
	}
	assert.Contains(t, names, "modules_add_work_items")
	assert.Contains(t, names, "list_modules")
	assert.Contains(t, names, "vector_search_tool", "always-on tools are merged in")
	assert.Contains(t, names, ClarificationTool)
	assert.NotContains(t, names, "workitems_create")

	for _, d := range defs {
		if d.Name == "modules_add_work_items" {
			props := d.Parameters["properties"].(map[string]interface{})
			issues := props["issues"].(map[string]interface{})
			assert.Equal(t, "array", issues["type"])
		}
	}
}

func TestForCategoriesWithoutDefaults(t *testing.T) {
	r := New(models.ToolClassAction)
	defs := r.ForCategories(nil)
	require.Len(t, defs, 1)
	assert.Equal(t, ClarificationTool, defs[0].Name)
}

func TestCategories(t *testing.T) {
	r := NewDefault(models.ToolClassAction)
	cats := r.Categories()
	assert.Contains(t, cats, "workitems")
	assert.Contains(t, cats, "modules")
	assert.NotContains(t, cats, "")
	assert.IsIncreasing(t, cats)
}

func TestLoadFileMerges(t *testing.T) {
	r := NewDefault(models.ToolClassAction)
	path := filepath.Join(t.TempDir(), "tools.yaml")
	doc := `
tools:
  - name: workitems_create
    required_fields: [project_id, name, state_id]
  - name: export_report
    class: retrieval
    category: reports
    always_on: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	n, err := LoadFile(r, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []string{"project_id", "name", "state_id"}, r.RequiredFields("workitems_create"))
	s, ok := r.Get("workitems_create")
	require.True(t, ok)
	assert.Equal(t, "workitems", s.Category, "unset fields keep their registered value")

	assert.True(t, r.Classify("export_report").IsRetrieval)
}

func TestLoadBytesRejectsNamelessEntry(t *testing.T) {
	_, err := LoadBytes(New(models.ToolClassAction), []byte("tools:\n  - category: x\n"))
	assert.Error(t, err)

	_, err = LoadFile(New(models.ToolClassAction), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEntityForField(t *testing.T) {
	cases := map[string]string{
		"module_id":    "module",
		"project_id":   "project",
		"cycle_ids":    "cycle",
		"assignee_ids": "user",
		"lead":         "user",
		"issues":       "workitem",
		"labels":       "label",
		"state_id":     "state",
	}
	for field, want := range cases {
		assert.Equal(t, want, EntityForField(field), field)
	}
}

func TestPluralSingular(t *testing.T) {
	assert.Equal(t, "projects", Plural("project"))
	assert.Equal(t, "categories", Plural("category"))
	assert.Equal(t, "labels", Plural("labels"))

	assert.Equal(t, "category", Singular("categories"))
	assert.Equal(t, "module", Singular("modules"))
	assert.Equal(t, "class", Singular("class"))
}
