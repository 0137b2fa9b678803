package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quayside-labs/stevedore/pkg/costs"
)

// DelegateConfig declares an executable delegate.
type DelegateConfig struct {
	Command        string `yaml:"command"`
	Resource       string `yaml:"resource"`
	TimeoutSeconds int    `yaml:"timeout_s"`
}

// File is the operator-authored plan configuration. One file declares the
// routing templates, the delegate pool, and the billing rates.
type File struct {
	DefaultDelegate string                    `yaml:"default_delegate"`
	Plans           map[string]Template       `yaml:"plans"`
	Delegates       map[string]DelegateConfig `yaml:"delegates"`
	Rates           map[string]costs.Rate     `yaml:"rates"`
	DefaultRate     costs.Rate                `yaml:"default_rate"`
}

// LoadFile reads and validates a plan configuration file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan config: %w", err)
	}
	return Parse(data)
}

// Parse validates raw plan configuration.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("plan config: parse: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("plan config: %w", err)
	}
	return &f, nil
}

func (f *File) validate() error {
	if f.DefaultDelegate == "" {
		return fmt.Errorf("default_delegate is required")
	}
	if len(f.Delegates) == 0 {
		return fmt.Errorf("at least one delegate is required")
	}
	if _, ok := f.Delegates[f.DefaultDelegate]; !ok {
		return fmt.Errorf("default_delegate %q is not declared under delegates", f.DefaultDelegate)
	}
	for name, d := range f.Delegates {
		if d.Command == "" {
			return fmt.Errorf("delegate %q has no command", name)
		}
		if d.TimeoutSeconds < 0 {
			return fmt.Errorf("delegate %q has negative timeout", name)
		}
	}
	for taskType, tmpl := range f.Plans {
		if len(tmpl.Groups) == 0 {
			return fmt.Errorf("plan %q has no groups", taskType)
		}
		for gi, group := range tmpl.Groups {
			if len(group) == 0 {
				return fmt.Errorf("plan %q group %d is empty", taskType, gi)
			}
			for _, name := range group {
				if _, ok := f.Delegates[name]; !ok {
					return fmt.Errorf("plan %q references undeclared delegate %q", taskType, name)
				}
			}
		}
	}
	return nil
}
