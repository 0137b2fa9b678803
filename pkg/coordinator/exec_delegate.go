package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/quayside-labs/stevedore/pkg/plan"
)

// ExecDelegate runs an external worker process per invocation. The prompt
// goes to the worker on stdin; combined stdout/stderr is the output. Units
// are byte counts in each direction, priced by the delegate's resource
// class.
type ExecDelegate struct {
	Command string
	Dir     string
}

// NewExecDelegate wraps a shell command line as a delegate.
func NewExecDelegate(command string) (*ExecDelegate, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("coordinator: exec delegate command required")
	}
	return &ExecDelegate{Command: command}, nil
}

func (d *ExecDelegate) Handle(ctx context.Context, inv plan.Invocation) (*Result, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", d.Command)
	cmd.Dir = d.Dir
	cmd.Stdin = strings.NewReader(inv.Prompt)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	result := &Result{
		Success:  err == nil,
		Output:   out.String(),
		UnitsIn:  int64(len(inv.Prompt)),
		UnitsOut: int64(out.Len()),
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("coordinator: delegate %q: %w", inv.Delegate, ctx.Err())
	}
	// a nonzero exit is a failed sub-task, not a coordinator error
	return result, nil
}
