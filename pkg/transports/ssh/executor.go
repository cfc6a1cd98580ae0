package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Run executes a command on the builder host. Commands run in the
// configured work directory when one is set.
func (c *Client) Run(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	startTime := time.Now()

	c.logger.Debug().
		Str("command", cmd).
		Msg("executing command")

	sshClient, err := c.getClient()
	if err != nil {
		return "", "", err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return "", "", &TransportError{
			Op:          "run",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	finalCmd := cmd
	if c.config.WorkDir != "" {
		finalCmd = fmt.Sprintf("cd %s && %s", c.config.WorkDir, cmd)
	}

	doneChan := make(chan error, 1)

	go func() {
		doneChan <- session.Run(finalCmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	duration := time.Since(startTime)

	stdout = strings.TrimSpace(stdoutBuf.String())
	stderr = strings.TrimSpace(stderrBuf.String())

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", duration).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		if exitErr, ok := execErr.(*ssh.ExitError); ok {
			return stdout, stderr, &TransportError{
				Op:          "run",
				Err:         fmt.Errorf("command exited with code %d: %w", exitErr.ExitStatus(), exitErr),
				IsTemporary: false,
				IsAuthError: false,
			}
		}
		return stdout, stderr, &TransportError{
			Op:          "run",
			Err:         execErr,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	return stdout, stderr, nil
}

// RunWithTimeout executes a command with the configured command timeout.
func (c *Client) RunWithTimeout(cmd string) (stdout string, stderr string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.CommandTimeout)
	defer cancel()

	return c.Run(ctx, cmd)
}

// RunBatch executes commands in sequence, stopping on the first error.
func (c *Client) RunBatch(ctx context.Context, commands []string) ([]ExecResult, error) {
	results := make([]ExecResult, 0, len(commands))

	for i, cmd := range commands {
		startTime := time.Now()

		stdout, stderr, err := c.Run(ctx, cmd)

		result := ExecResult{
			Stdout:   stdout,
			Stderr:   stderr,
			Duration: time.Since(startTime),
		}

		if err != nil {
			result.ExitCode = -1
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
			}
			results = append(results, result)
			return results, fmt.Errorf("command %d failed: %w", i, err)
		}

		results = append(results, result)
	}

	return results, nil
}
