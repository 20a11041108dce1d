// Package workspace owns the on-disk layout of a run:
//
//	<work>/agentic/runs/<run_id>/state.json
//	<work>/agentic/runs/<run_id>/<agent>/transcript.jsonl
//	<work>/agentic/runs/<run_id>/<agent>/summary.json
//	<work>/agentic/runs/<run_id>/reviewer/review_img/
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mpataki/adw/internal/models"
)

const (
	StateFile      = "state.json"
	TranscriptFile = "transcript.jsonl"
	SummaryFile    = "summary.json"
	ReviewImgDir   = "review_img"
)

// ErrUnknownRun is returned when a run directory or its state.json is missing.
var ErrUnknownRun = errors.New("unknown run")

type Workspace struct {
	WorkDir string
	RunID   string
	Path    string
}

// RunsDir is <work>/agentic/runs.
func RunsDir(workDir string) string {
	return filepath.Join(workDir, "agentic", "runs")
}

// New describes the workspace for runID without touching the filesystem.
func New(workDir, runID string) *Workspace {
	return &Workspace{
		WorkDir: workDir,
		RunID:   runID,
		Path:    filepath.Join(RunsDir(workDir), runID),
	}
}

// Create makes the run directory.
func Create(workDir, runID string) (*Workspace, error) {
	w := New(workDir, runID)
	if err := os.MkdirAll(w.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	return w, nil
}

// Open returns the workspace for an existing run. The run directory and its
// state.json must both exist.
func Open(workDir, runID string) (*Workspace, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return nil, fmt.Errorf("%w %q", ErrUnknownRun, runID)
	}
	w := New(workDir, runID)
	info, err := os.Stat(w.Path)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w %s: no directory under %s", ErrUnknownRun, runID, RunsDir(workDir))
	}
	if _, err := os.Stat(w.StatePath()); err != nil {
		return nil, fmt.Errorf("%w %s: missing %s", ErrUnknownRun, runID, StateFile)
	}
	return w, nil
}

func (w *Workspace) StatePath() string {
	return filepath.Join(w.Path, StateFile)
}

// PhaseDir is the directory owned by phase, named after its agent.
func (w *Workspace) PhaseDir(phase models.Phase) string {
	return filepath.Join(w.Path, phase.AgentName())
}

// EnsurePhaseDir creates and returns PhaseDir(phase).
func (w *Workspace) EnsurePhaseDir(phase models.Phase) (string, error) {
	dir := w.PhaseDir(phase)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", phase, err)
	}
	return dir, nil
}

func (w *Workspace) TranscriptPath(phase models.Phase) string {
	return filepath.Join(w.PhaseDir(phase), TranscriptFile)
}

func (w *Workspace) SummaryPath(phase models.Phase) string {
	return filepath.Join(w.PhaseDir(phase), SummaryFile)
}

// ReviewImgPath is where Review collects screenshots for Document.
func (w *Workspace) ReviewImgPath() string {
	return filepath.Join(w.PhaseDir(models.PhaseReview), ReviewImgDir)
}

// HasReviewImages reports whether the review screenshot directory holds any
// files.
func (w *Workspace) HasReviewImages() bool {
	entries, err := os.ReadDir(w.ReviewImgPath())
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			return true
		}
	}
	return false
}

// WriteSummary writes summary.json for phase. The phase, run_id and success
// keys are always present; fields adds the phase-specific ones.
func (w *Workspace) WriteSummary(phase models.Phase, success bool, fields map[string]any) error {
	if _, err := w.EnsurePhaseDir(phase); err != nil {
		return err
	}
	summary := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		summary[k] = v
	}
	summary["phase"] = string(phase)
	summary["run_id"] = w.RunID
	summary["success"] = success

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := os.WriteFile(w.SummaryPath(phase), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write summary.json: %w", err)
	}
	return nil
}

// ReadSummary loads summary.json for phase.
func (w *Workspace) ReadSummary(phase models.Phase) (map[string]any, error) {
	data, err := os.ReadFile(w.SummaryPath(phase))
	if err != nil {
		return nil, fmt.Errorf("failed to read summary for %s: %w", phase, err)
	}
	var summary map[string]any
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to parse summary JSON: %w", err)
	}
	return summary, nil
}

// Relative returns path relative to workDir when it lies inside it, and the
// cleaned absolute path otherwise. Relative inputs are taken as relative to
// workDir already.
func Relative(workDir, path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if !filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	rel, err := filepath.Rel(workDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Clean(path)
	}
	return rel
}

// Absolute resolves a stored path against workDir.
func Absolute(workDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workDir, path)
}
