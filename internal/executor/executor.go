// Package executor runs local OS tools and captures their output.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single tool invocation.
const DefaultTimeout = 10 * time.Minute

// Result is the captured outcome of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ExitError reports a process that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + truncate(s, 200)
	}
	return msg
}

// Executor runs a command with arguments and waits for it to finish.
type Executor interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Local runs commands on this host.
type Local struct {
	// Timeout applied to each call on top of the caller's context.
	// Zero means DefaultTimeout; negative disables it.
	Timeout time.Duration
}

// NewLocal returns a Local executor with the given per-call timeout.
func NewLocal(timeout time.Duration) *Local {
	return &Local{Timeout: timeout}
}

// Run starts name with args, captures stdout and stderr separately and
// waits for exit. A non-zero exit returns the captured Result together
// with an *ExitError; failing to start returns a wrapped spawn error.
func (l *Local) Run(ctx context.Context, name string, args ...string) (Result, error) {
	timeout := l.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmdline := strings.Join(append([]string{name}, args...), " ")
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			slog.Debug("command failed", "cmd", cmdline, "exit", res.ExitCode, "elapsed", res.Duration.Round(time.Millisecond))
			return res, &ExitError{Command: cmdline, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		res.ExitCode = -1
		if ctx.Err() != nil {
			return res, fmt.Errorf("run %s: %w", cmdline, ctx.Err())
		}
		return res, fmt.Errorf("run %s: %w", cmdline, runErr)
	}

	slog.Debug("command finished", "cmd", cmdline, "elapsed", res.Duration.Round(time.Millisecond), "stdout_len", len(res.Stdout))
	return res, nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
