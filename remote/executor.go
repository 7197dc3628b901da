// Package remote runs shell commands on the host that owns the emulators.
//
// Every command goes through the Executor contract: a command string and a
// timeout in, a models.RunResult out. A non-zero exit status is a normal
// result, not an error. Errors are reserved for the transport itself
// (the host cannot be reached, the session is closed, the caller gave up).
package remote

import (
	"context"
	"errors"
	"time"

	"emulatorwatch/models"
)

var (
	// ErrUnreachable wraps every transport failure.
	ErrUnreachable = errors.New("remote host unreachable")
	// ErrTimeout is written to RunResult.Stderr when a command exceeds its timeout.
	ErrTimeout = errors.New("remote command timed out")
	// ErrNotConnected is returned by Execute after Close.
	ErrNotConnected = errors.New("remote session not connected")
)

// TimeoutExitCode is the exit code reported for commands that were killed
// because they ran past their timeout.
const TimeoutExitCode = -1

// Executor runs one command on a remote host. Implementations must be safe
// for concurrent use and must not block past timeout.
type Executor interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (models.RunResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, command string, timeout time.Duration) (models.RunResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, command string, timeout time.Duration) (models.RunResult, error) {
	return f(ctx, command, timeout)
}

func timeoutResult(command string) models.RunResult {
	return models.RunResult{
		Command:  command,
		Stderr:   []byte(ErrTimeout.Error()),
		ExitCode: TimeoutExitCode,
	}
}
