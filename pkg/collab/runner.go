// Package collab implements the external collaborators a cell's pipeline
// drives: package installers, the linter, the test runner, and the hosted
// coverage service.
package collab

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/envmatrix/envmatrix/pkg/transports/ssh"
)

// Result is the outcome of one collaborator command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes collaborator commands. A non-nil error means the command
// could not be started or the transport failed; a command that ran and
// exited non-zero returns a Result with its exit code and no error.
type Runner interface {
	Run(ctx context.Context, cmd string) (Result, error)
}

// LocalRunner executes commands on the local host.
type LocalRunner struct {
	// Dir is the working directory, empty for the caller's.
	Dir string
}

// Run executes cmd through the shell.
func (r *LocalRunner) Run(ctx context.Context, cmd string) (Result, error) {
	command := exec.CommandContext(ctx, "sh", "-c", cmd)
	command.Dir = r.Dir

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	err := command.Run()
	result := Result{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, err
	}

	return result, nil
}

// SSHRunner executes commands on a remote builder over SSH.
type SSHRunner struct {
	client *ssh.Client
}

// NewSSHRunner wraps an SSH client as a command runner.
func NewSSHRunner(client *ssh.Client) *SSHRunner {
	return &SSHRunner{client: client}
}

// Run executes cmd on the builder, connecting on first use.
func (r *SSHRunner) Run(ctx context.Context, cmd string) (Result, error) {
	if !r.client.IsConnected() {
		if err := r.client.Connect(ctx); err != nil {
			return Result{}, err
		}
	}

	stdout, stderr, err := r.client.Run(ctx, cmd)
	result := Result{Stdout: stdout, Stderr: stderr}

	if err != nil {
		var exitErr *cryptossh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, err
	}

	return result, nil
}
