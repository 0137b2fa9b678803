package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/quayside-labs/stevedore/pkg/plan"
)

// Result is what a delegate hands back from one invocation. Units are
// whatever the delegate's resource meters; the coordinator prices them
// through the rate table.
type Result struct {
	Success  bool
	Output   string
	UnitsIn  int64
	UnitsOut int64
}

// Delegate executes one invocation. Implementations must honor ctx
// cancellation; the coordinator bounds every invocation with a timeout.
type Delegate interface {
	Handle(ctx context.Context, inv plan.Invocation) (*Result, error)
}

// DelegateFunc adapts a function to the Delegate interface.
type DelegateFunc func(ctx context.Context, inv plan.Invocation) (*Result, error)

func (f DelegateFunc) Handle(ctx context.Context, inv plan.Invocation) (*Result, error) {
	return f(ctx, inv)
}

// registration pairs a delegate with its billing resource.
type registration struct {
	delegate Delegate
	resource string
}

// Registry holds the named delegate pool.
type Registry struct {
	mu        sync.RWMutex
	delegates map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{delegates: make(map[string]registration)}
}

// Register adds a delegate under a name. resource names the rate-table row
// used to price the delegate's work.
func (r *Registry) Register(name, resource string, d Delegate) error {
	if name == "" {
		return fmt.Errorf("coordinator: delegate name required")
	}
	if d == nil {
		return fmt.Errorf("coordinator: delegate %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.delegates[name]; exists {
		return fmt.Errorf("coordinator: delegate %q already registered", name)
	}
	r.delegates[name] = registration{delegate: d, resource: resource}
	return nil
}

// Lookup returns the delegate and its resource class.
func (r *Registry) Lookup(name string) (Delegate, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.delegates[name]
	if !ok {
		return nil, "", fmt.Errorf("coordinator: unknown delegate %q", name)
	}
	return reg.delegate, reg.resource, nil
}
