// Package pipeline builds and executes the dependency graph of a pipeline
// definition.
package pipeline

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"flowplane/internal/errclass"
)

// Step is a normalized pipeline step. DependsOn is always resolved: the
// implicit sequential default has already been applied.
type Step struct {
	ID        string
	DependsOn []string
	Handler   string
	Config    map[string]interface{}
}

// Definition is a parsed, validated pipeline definition.
type Definition struct {
	Steps []Step
}

// rawStep mirrors the YAML shape. DependsOn is a pointer so an absent key
// can be told apart from an explicit empty list.
type rawStep struct {
	ID        string                 `yaml:"id"`
	DependsOn *[]string              `yaml:"depends_on"`
	Handler   string                 `yaml:"handler"`
	Config    map[string]interface{} `yaml:"config"`
}

type rawDefinition struct {
	Steps []rawStep `yaml:"steps"`
}

// ParseDefinition decodes a YAML step list and normalizes it into a
// Definition.
//
// Dependency defaulting is an explicit graph-construction rule, not a side
// effect of iteration order:
//   - depends_on absent: the step depends on the immediately preceding
//     declared step (sequential by default). The first declared step is a
//     root.
//   - depends_on: [] (explicitly empty): the step is a declared root /
//     parallel branch.
//
// Reordering steps without pinning depends_on therefore changes the graph;
// parallel branches must say depends_on: [] explicitly.
func ParseDefinition(data []byte) (*Definition, error) {
	var raw rawDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errclass.Newf(errclass.Validation, "invalid pipeline spec: %v", err)
	}

	def := &Definition{Steps: make([]Step, 0, len(raw.Steps))}
	seen := make(map[string]struct{}, len(raw.Steps))

	for i, rs := range raw.Steps {
		if rs.ID == "" {
			return nil, errclass.Newf(errclass.Validation, "step %d: missing id", i)
		}
		if _, dup := seen[rs.ID]; dup {
			return nil, errclass.Newf(errclass.Validation, "duplicate step id %q", rs.ID)
		}
		seen[rs.ID] = struct{}{}

		if rs.Handler == "" {
			return nil, errclass.Newf(errclass.Validation, "step %q: missing handler", rs.ID)
		}

		var deps []string
		switch {
		case rs.DependsOn != nil:
			deps = append([]string{}, *rs.DependsOn...)
		case i > 0:
			deps = []string{raw.Steps[i-1].ID}
		default:
			deps = []string{}
		}

		def.Steps = append(def.Steps, Step{
			ID:        rs.ID,
			DependsOn: deps,
			Handler:   rs.Handler,
			Config:    rs.Config,
		})
	}

	// Every depends_on entry must reference a declared step.
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := seen[dep]; !ok {
				return nil, errclass.Newf(errclass.Validation, "step %q references unknown dependency %q", s.ID, dep)
			}
			if dep == s.ID {
				return nil, errclass.Newf(errclass.Validation, "step %q depends on itself", s.ID)
			}
		}
	}

	return def, nil
}

// Encode serializes a Definition back to YAML. Used when persisting a
// normalized spec.
func (d *Definition) Encode() ([]byte, error) {
	raw := rawDefinition{Steps: make([]rawStep, 0, len(d.Steps))}
	for _, s := range d.Steps {
		deps := append([]string{}, s.DependsOn...)
		raw.Steps = append(raw.Steps, rawStep{
			ID:        s.ID,
			DependsOn: &deps,
			Handler:   s.Handler,
			Config:    s.Config,
		})
	}
	out, err := yaml.Marshal(&raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pipeline spec: %w", err)
	}
	return out, nil
}
