package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/adw/internal/models"
)

var (
	ErrNotRunning = errors.New("run has no running assistant")

	// ErrStale is returned when the running row outlived the adw process
	// that wrote it. The row is closed without signalling anything, since
	// its pids may belong to unrelated processes by now.
	ErrStale = errors.New("running record is stale; its adw process is gone")
)

// Ledger is the part of the execution ledger KillRun needs.
type Ledger interface {
	GetRunningExecution(ctx context.Context, runID string) (*models.Execution, error)
	MarkKilled(ctx context.Context, execID int64, reason string) error
}

// KillRun stops the assistant attempt running for runID. The adw process
// driving it is interrupted first so it records the cancellation itself;
// if the attempt is still running after grace, the assistant's process
// group is killed and the ledger row closed.
//
// A row whose owning adw process is gone, or that started more than maxAge
// ago (0 disables the age check), is closed as stale with ErrStale.
func KillRun(ctx context.Context, ledger Ledger, runID string, grace, maxAge time.Duration) (*models.Execution, error) {
	exe, err := ledger.GetRunningExecution(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("find running execution: %w", err)
	}
	if exe == nil {
		return nil, fmt.Errorf("%s: %w", runID, ErrNotRunning)
	}

	if (exe.OwnerPID > 0 && !ownerAlive(exe.OwnerPID)) || (maxAge > 0 && time.Since(exe.StartedAt) > maxAge) {
		if err := ledger.MarkKilled(ctx, exe.ID, "stale: owning adw process is gone"); err != nil {
			return exe, fmt.Errorf("close stale execution: %w", err)
		}
		return exe, fmt.Errorf("%s: %w", runID, ErrStale)
	}

	if exe.OwnerPID > 0 && interrupt(exe.OwnerPID) == nil {
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			cur, err := ledger.GetRunningExecution(ctx, runID)
			if err == nil && (cur == nil || cur.ID != exe.ID) {
				return exe, nil
			}
			select {
			case <-ctx.Done():
				return exe, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	if exe.PID != nil {
		// ESRCH just means the group is already gone.
		killGroup(*exe.PID)
	}
	if err := ledger.MarkKilled(ctx, exe.ID, "killed by adw kill"); err != nil {
		return exe, fmt.Errorf("mark execution killed: %w", err)
	}
	return exe, nil
}
