package foundation

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strconv"
)

// Runner executes the validation command and reports its combined output.
// The exit error (if any) is returned alongside the output so the verifier
// can distinguish "ran and failed" from "could not run".
type Runner interface {
	Run(ctx context.Context) (output []byte, err error)
}

// CommandRunner runs a shell command line. The command is operator
// configuration, not task input; it is never built from task payloads.
type CommandRunner struct {
	Command string
	Dir     string
}

func (r *CommandRunner) Run(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", r.Command)
	cmd.Dir = r.Dir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

var (
	passedRE = regexp.MustCompile(`(?i)(\d+)\s+pass(?:ed)?`)
	failedRE = regexp.MustCompile(`(?i)(\d+)\s+fail(?:ed)?`)
)

// parseCounts extracts pass/fail counts from validation output. Missing
// counts are reported as -1 so callers can tell "0 failed" from "no count
// printed".
func parseCounts(output []byte) (passed, failed int) {
	passed, failed = -1, -1
	if m := passedRE.FindSubmatch(output); m != nil {
		passed, _ = strconv.Atoi(string(m[1]))
	}
	if m := failedRE.FindSubmatch(output); m != nil {
		failed, _ = strconv.Atoi(string(m[1]))
	}
	return passed, failed
}

// exitCode returns the command exit code, or -1 when the command did not
// run to completion.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode()
	}
	return -1
}
