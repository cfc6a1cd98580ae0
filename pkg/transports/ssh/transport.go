// Package ssh provides the SSH transport used to drive remote builder hosts.
package ssh

import (
	"context"
	"time"
)

// Transport defines remote operations against a builder host.
type Transport interface {
	// Connect establishes an SSH connection to the builder.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and releases resources.
	Disconnect() error

	// IsConnected reports whether the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still responsive.
	HealthCheck(ctx context.Context) error

	// Run executes a command on the builder.
	// Returns stdout, stderr, and any error that occurred.
	Run(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// UploadFile uploads a single file to the builder via SFTP.
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error

	// DownloadFile downloads a single file from the builder via SFTP.
	DownloadFile(ctx context.Context, remotePath string, localPath string) error
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	// Stdout is the command's standard output.
	Stdout string

	// Stderr is the command's standard error output.
	Stderr string

	// ExitCode is the command's exit code.
	ExitCode int

	// Duration is the total execution time.
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "run", "download").
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary indicates the error may clear on retry.
	IsTemporary bool

	// IsAuthError indicates an authentication failure.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
