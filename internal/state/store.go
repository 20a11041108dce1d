// Package state persists the Run record in <run>/state.json and carries it
// between phases over stdin/stdout.
package state

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/adw/internal/apperr"
	"github.com/mpataki/adw/internal/models"
	"github.com/mpataki/adw/internal/workspace"
)

var (
	// ErrNoRun is returned by Resolve when no run id was given, nothing was
	// piped and no run exists under the working directory.
	ErrNoRun = errors.New("no run found")

	// ErrInvalidState is returned for a state.json that is not a valid Run.
	ErrInvalidState = errors.New("invalid run state")

	// ErrEmptyPipe is returned by Resolve when stdin is piped but carries
	// no run, which happens when the upstream phase failed.
	ErrEmptyPipe = errors.New("nothing was piped on stdin (did the previous phase fail?)")
)

// Store holds one Run in memory and owns its state.json. A Store has a
// single writer; concurrent Stores on the same run are not coordinated.
type Store struct {
	run *models.Run
	ws  *workspace.Workspace
	now func() time.Time
}

// NewRunID returns a fresh 8 hex character run id.
func NewRunID() string {
	return uuid.New().String()[:8]
}

// Create starts a new Run for prompt and writes its initial state.json.
func Create(workDir, prompt string) (*Store, error) {
	id := NewRunID()
	ws, err := workspace.Create(workDir, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	s := &Store{
		run: &models.Run{
			Schema:       models.SchemaVersion,
			ID:           id,
			CreatedAt:    now,
			UpdatedAt:    now,
			WorkingDir:   workDir,
			Prompt:       prompt,
			PhaseHistory: []string{},
		},
		ws:  ws,
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := s.write(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open loads an existing run by id.
func Open(workDir, runID string) (*Store, error) {
	ws, err := workspace.Open(workDir, runID)
	if err != nil {
		return nil, err
	}
	run, err := Load(ws.StatePath())
	if err != nil {
		return nil, err
	}
	if run.ID != runID {
		return nil, fmt.Errorf("%w: %s holds run %s", ErrInvalidState, ws.StatePath(), run.ID)
	}
	return newStore(run, ws), nil
}

// Resolve finds the run to operate on, in order: the explicit runID, a Run
// record piped on stdin, then the most recently modified state.json under
// workDir. stdin is nil unless it is a pipe or file; an empty pipe is an
// error rather than a fallback to the latest run. Failure is a UserInput
// error carrying hint.
func Resolve(runID, workDir string, stdin io.Reader, hint string) (*Store, error) {
	if runID != "" {
		s, err := Open(workDir, runID)
		if err != nil {
			return nil, apperr.UserInput("resolve run", err, hint)
		}
		return s, nil
	}

	if stdin != nil {
		piped, err := ReadPiped(stdin)
		if err != nil {
			return nil, apperr.UserInput("resolve run", err, hint)
		}
		if piped == nil {
			return nil, apperr.UserInput("resolve run", ErrEmptyPipe, hint)
		}
		dir := piped.WorkingDir
		if dir == "" {
			dir = workDir
		}
		s, err := Open(dir, piped.ID)
		if err != nil {
			return nil, apperr.UserInput("resolve piped run", err, hint)
		}
		return s, nil
	}

	latest, err := latestStatePath(workDir)
	if err != nil {
		return nil, apperr.UserInput("resolve run", err, hint)
	}
	run, err := Load(latest)
	if err != nil {
		return nil, apperr.UserInput("resolve run", err, hint)
	}
	s, err := Open(workDir, run.ID)
	if err != nil {
		return nil, apperr.UserInput("resolve run", err, hint)
	}
	return s, nil
}

// ReadPiped reads a Run emitted by an upstream phase. It returns nil, nil
// when the stream is empty. When several JSON lines arrive the last one wins.
func ReadPiped(r io.Reader) (*models.Run, error) {
	var last []byte
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) > 0 {
			last = append(last[:0], line...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read piped run: %w", err)
	}
	if last == nil {
		return nil, nil
	}
	run, err := decode(last)
	if err != nil {
		return nil, fmt.Errorf("piped input: %w", err)
	}
	return run, nil
}

// Load reads and validates a state.json file.
func Load(path string) (*models.Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	run, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return run, nil
}

func decode(data []byte) (*models.Run, error) {
	var run models.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if run.ID == "" {
		return nil, fmt.Errorf("%w: missing run_id", ErrInvalidState)
	}
	if run.Schema != models.SchemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema %d", ErrInvalidState, run.Schema)
	}
	if run.PhaseHistory == nil {
		run.PhaseHistory = []string{}
	}
	return &run, nil
}

// List returns every readable run under workDir, newest first.
func List(workDir string) ([]*models.Run, error) {
	entries, err := os.ReadDir(workspace.RunsDir(workDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var runs []*models.Run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		run, err := Load(filepath.Join(workspace.RunsDir(workDir), e.Name(), workspace.StateFile))
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].UpdatedAt.After(runs[j].UpdatedAt)
	})
	return runs, nil
}

func latestStatePath(workDir string) (string, error) {
	entries, err := os.ReadDir(workspace.RunsDir(workDir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("scan runs: %w", err)
	}
	var (
		best    string
		bestMod time.Time
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(workspace.RunsDir(workDir), e.Name(), workspace.StateFile)
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best, bestMod = p, info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w under %s", ErrNoRun, workspace.RunsDir(workDir))
	}
	return best, nil
}

func newStore(run *models.Run, ws *workspace.Workspace) *Store {
	return &Store{run: run, ws: ws, now: func() time.Time { return time.Now().UTC() }}
}

// Run returns the in-memory record. Callers mutate it through Update.
func (s *Store) Run() *models.Run { return s.run }

func (s *Store) Workspace() *workspace.Workspace { return s.ws }

// Update applies fn to the in-memory Run. It performs no I/O. The
// identity fields, phase_history and an already recorded plan_file are
// restored after fn returns.
func (s *Store) Update(fn func(r *models.Run)) *models.Run {
	r := s.run
	id, created, dir, schema := r.ID, r.CreatedAt, r.WorkingDir, r.Schema
	history := append([]string(nil), r.PhaseHistory...)
	plan := r.PlanFile

	fn(r)

	r.ID, r.CreatedAt, r.WorkingDir, r.Schema = id, created, dir, schema
	r.PhaseHistory = history
	if plan != nil {
		r.PlanFile = plan
	}
	return r
}

// SetPlanFile records the plan document. Only the Plan phase calls it.
func (s *Store) SetPlanFile(path string) {
	s.run.PlanFile = models.Str(path)
}

// Save appends phase to phase_history, refreshes updated_at and atomically
// rewrites state.json.
func (s *Store) Save(phase string) error {
	s.run.PhaseHistory = append(s.run.PhaseHistory, phase)
	now := s.now()
	if now.Before(s.run.UpdatedAt) {
		now = s.run.UpdatedAt
	}
	s.run.UpdatedAt = now
	return s.write()
}

// WriteTo emits the Run as a single line of compact JSON.
func (s *Store) WriteTo(w io.Writer) (int64, error) {
	data, err := json.Marshal(s.run)
	if err != nil {
		return 0, fmt.Errorf("marshal run: %w", err)
	}
	n, err := w.Write(append(data, '\n'))
	return int64(n), err
}

func (s *Store) write() error {
	data, err := json.MarshalIndent(s.run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	return writeFileAtomic(s.ws.StatePath(), append(data, '\n'))
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path, so readers see either the old or new file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod temp state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
