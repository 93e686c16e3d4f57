// Package system wraps the host tools the daemon drives: the shell, package
// managers, systemd, downloads and network interfaces.
package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// Command is one shell invocation.
type Command struct {
	Line  string
	Stdin string
	Dir   string
	Env   []string
}

// Result is the captured outcome of a command.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// ExitError is returned for a command that ran and exited non-zero.
type ExitError struct {
	Line     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no output"
	}
	return fmt.Sprintf("command exited %d: %s", e.ExitCode, msg)
}

// Runner executes shell commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ShellRunner runs commands through sh -c.
type ShellRunner struct {
	logger *zap.Logger
}

func NewShellRunner(logger *zap.Logger) *ShellRunner {
	return &ShellRunner{logger: logger.Named("shell")}
}

// Run executes cmd. A non-zero exit yields a Result and an *ExitError; failing to
// start the shell at all yields exit code -1.
func (r *ShellRunner) Run(ctx context.Context, c Command) (Result, error) {
	r.logger.Debug("executing command", zap.String("command", c.Line))

	// Unix-like hosts only.
	cmd := exec.CommandContext(ctx, "sh", "-c", c.Line)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Exited() {
			res.ExitCode = ws.ExitStatus()
		} else {
			res.ExitCode = 1
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			fmt.Fprintf(&stderr, "\n%v", ctxErr)
			res.Stderr = stderr.String()
		}
		return res, &ExitError{Line: c.Line, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	res.ExitCode = -1
	return res, fmt.Errorf("run %q: %w", c.Line, err)
}

// Quote single-quotes s for safe use in a shell command line.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteAll quotes every element and joins them with spaces.
func QuoteAll(args []string) string {
	q := make([]string, len(args))
	for i, a := range args {
		q[i] = Quote(a)
	}
	return strings.Join(q, " ")
}
