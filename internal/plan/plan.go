// Package plan loads task plans from YAML files. A plan names its tasks
// symbolically; dependencies reference task names rather than engine IDs,
// which are assigned at submission time.
package plan

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan is a parsed task plan.
type Plan struct {
	// Name is an optional human-readable plan name.
	Name string `yaml:"name"`
	// Tasks are the plan's tasks in file order.
	Tasks []TaskSpec `yaml:"tasks"`
}

// TaskSpec is one task in a plan file.
type TaskSpec struct {
	// Name is the plan-local task name, referenced by Needs.
	Name string `yaml:"name"`
	// Description is what the task does.
	Description string `yaml:"description"`
	// Priority orders dispatch among simultaneously eligible tasks.
	Priority int `yaml:"priority"`
	// Capabilities lists required executor capability tags.
	Capabilities []string `yaml:"capabilities"`
	// Needs lists names of tasks that must complete first.
	Needs []string `yaml:"needs"`
	// Context carries opaque key/value data to the executor.
	Context map[string]string `yaml:"context"`
}

// ErrEmptyPlan is returned when a plan contains no tasks.
var ErrEmptyPlan = errors.New("plan contains no tasks")

// Load reads and validates a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates plan YAML.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks structural plan errors: missing or duplicate task names
// and dependency references to names the plan never defines. Dependency
// cycles are left to the task graph, which rejects them at submission.
func (p *Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return ErrEmptyPlan
	}

	names := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.Name == "" {
			return fmt.Errorf("task %d has no name", i)
		}
		if names[t.Name] {
			return fmt.Errorf("duplicate task name %q", t.Name)
		}
		names[t.Name] = true
	}

	for _, t := range p.Tasks {
		for _, need := range t.Needs {
			if need == t.Name {
				return fmt.Errorf("task %q depends on itself", t.Name)
			}
			if !names[need] {
				return fmt.Errorf("task %q needs unknown task %q", t.Name, need)
			}
		}
	}
	return nil
}

// Submitter accepts tasks for execution and returns the assigned task ID.
// Satisfied by the orchestrator engine.
type Submitter interface {
	SubmitTask(description string, priority int, prerequisiteIDs, requiredCapabilities []string, taskContext map[string]string) (string, error)
}

// Submit submits every task in the plan, resolving Needs names to the IDs
// assigned by the submitter. Tasks are submitted in file order; a task
// whose dependency appears later in the file is a validation-passing but
// unsubmittable plan, reported as an error here.
// Returns a map from plan task name to assigned ID.
func (p *Plan) Submit(s Submitter) (map[string]string, error) {
	ids := make(map[string]string, len(p.Tasks))
	for _, t := range p.Tasks {
		prereqs := make([]string, 0, len(t.Needs))
		for _, need := range t.Needs {
			id, ok := ids[need]
			if !ok {
				return nil, fmt.Errorf("task %q needs %q, which is defined later in the plan", t.Name, need)
			}
			prereqs = append(prereqs, id)
		}

		id, err := s.SubmitTask(t.Description, t.Priority, prereqs, t.Capabilities, t.Context)
		if err != nil {
			return nil, fmt.Errorf("submit task %q: %w", t.Name, err)
		}
		ids[t.Name] = id
	}
	return ids, nil
}
