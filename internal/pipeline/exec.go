package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/mpataki/adw/internal/apperr"
)

// ExecRunner runs phases by re-executing the adw binary.
type ExecRunner struct {
	Path   string
	Stderr io.Writer
	// Grace is how long a phase gets to record its cancellation after
	// being interrupted before it is killed.
	Grace time.Duration
	log   *slog.Logger
}

// NewExecRunner returns a runner for the currently running executable.
func NewExecRunner(log *slog.Logger) (*ExecRunner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate adw executable: %w", err)
	}
	return &ExecRunner{Path: path, Stderr: os.Stderr, Grace: 5 * time.Second, log: log}, nil
}

func (r *ExecRunner) Run(ctx context.Context, args []string, stdout io.Writer) (int, error) {
	cmd := exec.Command(r.Path, args...)
	cmd.Stdout = stdout
	cmd.Stderr = r.Stderr
	if err := cmd.Start(); err != nil {
		return apperr.ExitFailure, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		r.log.Debug("forwarding interrupt to phase", "pid", cmd.Process.Pid)
		cmd.Process.Signal(os.Interrupt)
		select {
		case err = <-done:
		case <-time.After(r.Grace):
			r.log.Warn("phase ignored interrupt, killing", "pid", cmd.Process.Pid)
			cmd.Process.Kill()
			err = <-done
		}
	}

	code := cmd.ProcessState.ExitCode()
	if code < 0 {
		// Terminated by a signal.
		code = apperr.ExitFailure
		if ctx.Err() != nil {
			code = apperr.ExitCancelled
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return code, err
	}
	return code, nil
}
