package models

import "time"

type ExecStatus string

const (
	ExecStatusRunning  ExecStatus = "running"
	ExecStatusComplete ExecStatus = "complete"
	ExecStatusFailed   ExecStatus = "failed"
	ExecStatusTimeout  ExecStatus = "timeout"
	ExecStatusKilled   ExecStatus = "killed"
)

// Execution is one assistant attempt as recorded in the ledger.
type Execution struct {
	ID        int64
	RunID     string
	Phase     string
	AgentName string
	CLI       string
	Model     string
	Attempt   int
	Status    ExecStatus
	ExitCode  *int
	PID       *int
	// OwnerPID is the adw process driving the attempt.
	OwnerPID       int
	StartedAt      time.Time
	CompletedAt    *time.Time
	TranscriptPath string
	Error          string
}

// RunSummary is the ledger's index row for a run.
type RunSummary struct {
	ID         string
	WorkingDir string
	Prompt     string
	TaskType   string
	LastPhase  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
