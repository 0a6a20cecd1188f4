package toolreg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a tool registry override file:
//
//	tools:
//	  - name: workitems_create
//	    category: workitems
//	    required_fields: [project_id, name]
type File struct {
	Tools []Spec `yaml:"tools"`
}

// LoadFile reads a YAML registry file and merges every entry into r.
// It returns the number of tools merged.
func LoadFile(r *Registry, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read tool registry %s: %w", path, err)
	}
	return LoadBytes(r, data)
}

// LoadBytes merges a YAML registry document into r.
func LoadBytes(r *Registry, data []byte) (int, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse tool registry: %w", err)
	}
	for i, s := range f.Tools {
		if s.Name == "" {
			return i, fmt.Errorf("tool registry entry %d has no name", i)
		}
		r.Merge(s)
	}
	return len(f.Tools), nil
}
