package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"emulatorwatch/models"
)

// Local runs commands through the local shell. It serves hosts where adb
// is installed on the same machine as the watcher.
type Local struct {
	Shell string
}

// NewLocal returns a Local executor using /bin/sh.
func NewLocal() *Local {
	return &Local{Shell: "/bin/sh"}
}

func (l *Local) Execute(ctx context.Context, command string, timeout time.Duration) (models.RunResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, l.Shell, "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Orphaned children can hold the pipes open after the shell is killed.
	cmd.WaitDelay = 200 * time.Millisecond

	err := cmd.Run()
	if ctx.Err() != nil {
		return models.RunResult{Command: command, ExitCode: TimeoutExitCode}, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return timeoutResult(command), nil
	}

	result := models.RunResult{
		Command: command,
		Stdout:  stdout.Bytes(),
		Stderr:  stderr.Bytes(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return models.RunResult{Command: command, ExitCode: TimeoutExitCode}, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// Close is a no-op; Local holds no connection.
func (l *Local) Close() error { return nil }
