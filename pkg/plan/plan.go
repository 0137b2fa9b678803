// Package plan maps incoming tasks onto delegate invocations. Plans are
// deterministic: the same task type always yields the same group structure,
// so execution is reproducible and auditable.
package plan

import (
	"fmt"
	"log/slog"

	"github.com/quayside-labs/stevedore/pkg/contracts"
)

// Invocation is one unit of delegated work.
type Invocation struct {
	Delegate string
	TaskType string
	Prompt   string
	Context  map[string]any // task metadata, passed through untouched
}

// Plan is an ordered list of groups. Groups run sequentially; invocations
// within a group run concurrently.
type Plan struct {
	TaskID string
	Groups [][]Invocation
}

// Invocations returns the flattened invocation count.
func (p *Plan) Invocations() int {
	n := 0
	for _, g := range p.Groups {
		n += len(g)
	}
	return n
}

// Template declares the delegate groups for one task type.
type Template struct {
	Groups [][]string `yaml:"groups"`
}

// Planner builds plans from task-type templates. Unknown task types fall
// back to a single-delegate plan so no valid task is ever unroutable.
type Planner struct {
	templates       map[string]Template
	defaultDelegate string
	logger          *slog.Logger
}

// NewPlanner creates a planner. defaultDelegate handles task types with no
// template and must be non-empty.
func NewPlanner(templates map[string]Template, defaultDelegate string, logger *slog.Logger) (*Planner, error) {
	if defaultDelegate == "" {
		return nil, fmt.Errorf("plan: default delegate is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if templates == nil {
		templates = map[string]Template{}
	}
	return &Planner{templates: templates, defaultDelegate: defaultDelegate, logger: logger}, nil
}

// Plan expands a task into delegate groups.
func (p *Planner) Plan(task *contracts.Task) (*Plan, error) {
	if task == nil || task.ID == "" {
		return nil, fmt.Errorf("plan: task with non-empty id required")
	}

	tmpl, ok := p.templates[task.Type]
	if !ok {
		p.logger.Debug("no template for task type, using default delegate",
			"task_id", task.ID, "type", task.Type, "delegate", p.defaultDelegate)
		tmpl = Template{Groups: [][]string{{p.defaultDelegate}}}
	}

	out := &Plan{TaskID: task.ID}
	for gi, names := range tmpl.Groups {
		if len(names) == 0 {
			return nil, fmt.Errorf("plan: task type %q group %d is empty", task.Type, gi)
		}
		group := make([]Invocation, 0, len(names))
		for _, name := range names {
			group = append(group, Invocation{
				Delegate: name,
				TaskType: task.Type,
				Prompt:   task.Description,
				Context:  task.Metadata,
			})
		}
		out.Groups = append(out.Groups, group)
	}
	if len(out.Groups) == 0 {
		return nil, fmt.Errorf("plan: task type %q has no groups", task.Type)
	}
	return out, nil
}
