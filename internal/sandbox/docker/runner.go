// Package docker drives the sandbox container pool through the docker CLI.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner runs one external command and returns its captured output.
// The pool talks to docker exclusively through this interface so tests can
// substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, stderr string, err error)
}

// ExecRunner is the production CommandRunner backed by os/exec.
type ExecRunner struct{}

// NewRunner creates an ExecRunner.
func NewRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command and waits for it, returning trimmed stdout/stderr.
// Context cancellation kills the child process; the Wait inside exec reaps it,
// so no background reaper is needed.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())
	if err != nil {
		if ctx.Err() != nil {
			return out, errOut, fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return out, errOut, fmt.Errorf("%s: %w", name, err)
	}
	return out, errOut, nil
}
