// Package runner provides the Runtime interface for command execution
// backends.
package runner

import (
	"context"
	"io"

	"golang.org/x/sys/unix"
)

// Runtime defines the interface for executing commands.
type Runtime interface {
	// Start begins execution of a command and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a command.
type StartOptions struct {
	// Command is the argument vector; Command[0] is resolved through PATH.
	Command []string
}

// Result describes a finished execution.
type Result struct {
	// ExitCode is the command's exit status: >= 0 for a normal exit,
	// the negated signal number when the command was killed by a signal.
	ExitCode int
}

// Handle represents a running command execution.
type Handle interface {
	// Pid returns the OS process identifier of the command.
	Pid() int

	// Wait blocks until the command completes or ctx is cancelled. On
	// cancellation the command is killed, reaped, and ctx's error returned
	// alongside the final result.
	Wait(ctx context.Context) (Result, error)

	// Poll reports whether the command has terminated, without blocking.
	Poll() bool

	// Signal delivers sig to the command.
	Signal(sig unix.Signal) error

	// Output returns a reader over the command's combined stdout and
	// stderr. The caller owns the reader and must close it.
	Output() io.ReadCloser
}
