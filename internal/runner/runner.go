// Package runner executes the external tools the orchestrator drives
// (container engine, nginx, certbot) and converts their failures into
// typed errors carrying the captured output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Result captures one finished invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout and stderr joined, for diagnostics.
func (r Result) Combined() string {
	out := strings.TrimSpace(r.Stdout)
	errOut := strings.TrimSpace(r.Stderr)
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	default:
		return out + "\n" + errOut
	}
}

// ExitError is returned for any nonzero exit, timeout, or spawn failure.
type ExitError struct {
	Cmd      string
	Result   Result
	TimedOut bool
	Err      error
}

func (e *ExitError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s timed out: %v", e.Cmd, e.Err)
	}
	return fmt.Sprintf("%s failed (exit %d): %v", e.Cmd, e.Result.ExitCode, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Commander is the invocation surface components depend on; tests inject
// fakes that script per-command results.
type Commander interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Runner runs commands synchronously with a per-invocation timeout.
// A zero timeout means the caller's context governs alone.
type Runner struct {
	timeout time.Duration
}

// New returns a Runner applying the given timeout to every invocation.
func New(timeout time.Duration) *Runner {
	return &Runner{timeout: timeout}
}

// Run executes name with args, capturing stdout and stderr separately.
// Nonzero exit and timeout both surface as *ExitError; the process is
// never allowed to escape as a raw OS-level error.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	display := name
	if len(args) > 0 {
		display = name + " " + args[0]
	}
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
		return res, &ExitError{Cmd: display, Result: res, TimedOut: true, Err: ctxErr}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		res.ExitCode = ee.ExitCode()
	} else {
		res.ExitCode = -1
	}
	return res, &ExitError{Cmd: display, Result: res, Err: err}
}

var _ Commander = (*Runner)(nil)
