package build

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// RunOpts holds options for running an external command
type RunOpts struct {
	Dir    string
	Env    []string // nil inherits the process environment
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes external commands. Builds go through a Runner so tests
// can replace the toolchain.
type Runner interface {
	Run(ctx context.Context, name string, args []string, opts RunOpts) error
}

// ExitError reports a command that ran and exited non-zero
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with status %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s exited with status %d\nstderr: %s", e.Command, e.Code, e.Stderr)
}

// ExecRunner runs commands on the host
type ExecRunner struct {
	logger io.Writer
}

// NewExecRunner creates a runner. Output not claimed by RunOpts goes to
// logger when it is non-nil.
func NewExecRunner(logger io.Writer) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Run executes name with args and waits for it. Stderr is captured and
// returned in an *ExitError when the command fails.
func (r *ExecRunner) Run(ctx context.Context, name string, args []string, opts RunOpts) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.Stdin = opts.Stdin

	var stderr bytes.Buffer

	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	} else if r.logger != nil {
		cmd.Stdout = r.logger
	}

	if opts.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&stderr, opts.Stderr)
	} else if r.logger != nil {
		cmd.Stderr = io.MultiWriter(&stderr, r.logger)
	} else {
		cmd.Stderr = &stderr
	}

	log.Debug("Running command", "cmd", name, "args", strings.Join(args, " "), "dir", opts.Dir)

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &ExitError{
				Command: name,
				Code:    exitErr.ExitCode(),
				Stderr:  strings.TrimSpace(stderr.String()),
			}
		}
		return fmt.Errorf("failed to run %s: %w", name, err)
	}
	return nil
}
