package preflight

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticFields map[string][]string

func (s staticFields) RequiredFields(name string) []string { return s[name] }

const (
	projectUUID = "6f1c2a3e-9d4b-4c1a-8e2f-0a1b2c3d4e5f"
	moduleUUID  = "0b7e4f1a-2c3d-4e5f-9a8b-7c6d5e4f3a2b"
)

func TestMissing(t *testing.T) {
	c := NewChecker(staticFields{
		"modules_add_work_items": {"project_id", "module_id", "issues"},
		"pages_create":           {"project_id", "name"},
		"workitems_create":       {"project_id", "name"},
	})

	tests := []struct {
		name string
		tool string
		args map[string]interface{}
		ctx  Context
		want []string
	}{
		{
			name: "all present",
			tool: "modules_add_work_items",
			args: map[string]interface{}{"project_id": projectUUID, "module_id": moduleUUID, "issues": []interface{}{"a"}},
		},
		{
			name: "absent and placeholder ids",
			tool: "modules_add_work_items",
			args: map[string]interface{}{"project_id": "Web App", "issues": []interface{}{}},
			want: []string{"issues", "module_id", "project_id"},
		},
		{
			name: "needs clarification sentinel",
			tool: "workitems_create",
			args: map[string]interface{}{"project_id": projectUUID, "name": NeedsClarification},
			want: []string{"name"},
		},
		{
			name: "workspace scope counts as present",
			tool: "pages_create",
			args: map[string]interface{}{"project_id": WorkspaceScope, "name": "Roadmap"},
		},
		{
			name: "ambient project fills absent project_id",
			tool: "workitems_create",
			args: map[string]interface{}{"name": "Fix login bug"},
			ctx:  Context{ProjectID: projectUUID},
		},
		{
			name: "ambient project does not override a placeholder",
			tool: "workitems_create",
			args: map[string]interface{}{"project_id": "identifier of project named Web", "name": "x"},
			ctx:  Context{ProjectID: projectUUID},
			want: []string{"project_id"},
		},
		{
			name: "map with valid id",
			tool: "modules_add_work_items",
			args: map[string]interface{}{
				"project_id": map[string]interface{}{"id": projectUUID, "name": "Web"},
				"module_id":  map[string]interface{}{"name": "Auth"},
				"issues":     []string{"x"},
			},
			want: []string{"module_id"},
		},
		{
			name: "pending placeholder from this turn",
			tool: "modules_add_work_items",
			args: map[string]interface{}{"project_id": projectUUID, "module_id": "Auth", "issues": []interface{}{"x"}},
			ctx:  Context{PendingRefs: []string{"identifier of module: Auth"}},
		},
		{
			name: "list in a single-id field",
			tool: "workitems_create",
			args: map[string]interface{}{"project_id": []interface{}{"Web"}, "name": "x"},
			want: []string{"project_id"},
		},
		{
			name: "list of valid ids in a single-id field",
			tool: "workitems_create",
			args: map[string]interface{}{"project_id": []string{projectUUID}, "name": "x"},
			want: []string{"project_id"},
		},
		{
			name: "unknown tool has no requirements",
			tool: "labels_sync",
			args: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Missing(tt.tool, tt.args, tt.ctx)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsValidID(t *testing.T) {
	assert.True(t, IsValidID(projectUUID))
	assert.False(t, IsValidID(""))
	assert.False(t, IsValidID("WEB-12"))
	assert.False(t, IsValidID(WorkspaceScope))

	assert.False(t, IsValidID("urn:uuid:"+projectUUID))
	assert.False(t, IsValidID("{"+projectUUID+"}"))
	assert.False(t, IsValidID("6f1c2a3e9d4b4c1a8e2f0a1b2c3d4e5f"))
	assert.False(t, IsValidID("6f1c2a3e-9d4b-4c1a-8e2f-0a1b2c3d4e5g"))
}
