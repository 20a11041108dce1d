package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mpataki/adw/internal/models"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when the ledger has no row for a run.
var ErrNotFound = errors.New("not found in ledger")

// Storage is the sqlite ledger of runs and assistant attempts. It is an
// index only; state.json stays authoritative for a run.
type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}
	// Phases of one pipeline run as separate processes against the same file.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		working_dir TEXT NOT NULL,
		prompt TEXT NOT NULL,
		task_type TEXT,
		last_phase TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		cli TEXT NOT NULL,
		model TEXT,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		exit_code INTEGER,
		pid INTEGER,
		owner_pid INTEGER,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		transcript_path TEXT,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_updated ON runs(updated_at);
	CREATE INDEX IF NOT EXISTS idx_executions_run ON executions(run_id);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// UpsertRun records the latest view of a run.
func (s *Storage) UpsertRun(ctx context.Context, run *models.Run) error {
	var taskType *string
	if run.TaskType != nil {
		t := string(*run.TaskType)
		taskType = &t
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, working_dir, prompt, task_type, last_phase, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			working_dir = excluded.working_dir,
			prompt = excluded.prompt,
			task_type = excluded.task_type,
			last_phase = excluded.last_phase,
			updated_at = excluded.updated_at`,
		run.ID, run.WorkingDir, run.Prompt, taskType, run.LastPhase(), run.CreatedAt.UTC(), run.UpdatedAt.UTC(),
	)
	return err
}

const runColumns = `id, working_dir, prompt, task_type, last_phase, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.RunSummary, error) {
	var run models.RunSummary
	var taskType, lastPhase sql.NullString
	err := row.Scan(&run.ID, &run.WorkingDir, &run.Prompt, &taskType, &lastPhase, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.TaskType = taskType.String
	run.LastPhase = lastPhase.String
	return &run, nil
}

func (s *Storage) GetRun(ctx context.Context, id string) (*models.RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns up to limit runs, most recently updated first.
func (s *Storage) ListRuns(ctx context.Context, limit int) ([]*models.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY updated_at DESC, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.RunSummary
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// StartExecution inserts a running attempt and sets e.ID.
func (s *Storage) StartExecution(ctx context.Context, e *models.Execution) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (run_id, phase, agent_name, cli, model, attempt, status, pid, owner_pid, started_at, transcript_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Phase, e.AgentName, e.CLI, e.Model, e.Attempt, e.Status, e.PID, e.OwnerPID, e.StartedAt.UTC(), e.TranscriptPath,
	)
	if err != nil {
		return err
	}
	e.ID, err = result.LastInsertId()
	return err
}

// FinishExecution records the outcome of an attempt started with
// StartExecution.
func (s *Storage) FinishExecution(ctx context.Context, e *models.Execution) error {
	var completedAt *time.Time
	if e.CompletedAt != nil {
		t := e.CompletedAt.UTC()
		completedAt = &t
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, exit_code = ?, completed_at = ?, error = ? WHERE id = ?`,
		e.Status, e.ExitCode, completedAt, e.Error, e.ID,
	)
	return err
}

func (s *Storage) GetExecutionsForRun(ctx context.Context, runID string) ([]*models.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, phase, agent_name, cli, model, attempt, status, exit_code, pid, owner_pid, started_at, completed_at, transcript_path, error
		 FROM executions WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		var exec models.Execution
		var model, transcript, errText sql.NullString
		var exitCode, pid, ownerPID sql.NullInt64
		var completedAt sql.NullTime

		err := rows.Scan(
			&exec.ID, &exec.RunID, &exec.Phase, &exec.AgentName, &exec.CLI, &model, &exec.Attempt,
			&exec.Status, &exitCode, &pid, &ownerPID, &exec.StartedAt, &completedAt, &transcript, &errText,
		)
		if err != nil {
			return nil, err
		}

		exec.Model = model.String
		exec.TranscriptPath = transcript.String
		exec.Error = errText.String
		exec.OwnerPID = int(ownerPID.Int64)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			exec.ExitCode = &code
		}
		if pid.Valid {
			p := int(pid.Int64)
			exec.PID = &p
		}
		if completedAt.Valid {
			exec.CompletedAt = &completedAt.Time
		}

		execs = append(execs, &exec)
	}

	return execs, rows.Err()
}

// GetRunningExecution returns the attempt of runID still marked running, or
// nil if there is none.
func (s *Storage) GetRunningExecution(ctx context.Context, runID string) (*models.Execution, error) {
	execs, err := s.GetExecutionsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := len(execs) - 1; i >= 0; i-- {
		if execs[i].Status == models.ExecStatusRunning {
			return execs[i], nil
		}
	}
	return nil, nil
}

// MarkKilled closes out an attempt whose driving process is gone.
func (s *Storage) MarkKilled(ctx context.Context, execID int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, completed_at = ?, error = ? WHERE id = ? AND status = ?`,
		models.ExecStatusKilled, time.Now().UTC(), reason, execID, models.ExecStatusRunning,
	)
	return err
}

// FormatTimeAgo renders t relative to now for listings.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("Jan 2")
	}
}
