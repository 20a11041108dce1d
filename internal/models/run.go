package models

import (
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is written into every state.json.
const SchemaVersion = 1

type TaskType string

const (
	TaskBug      TaskType = "bug"
	TaskFeature  TaskType = "feature"
	TaskChore    TaskType = "chore"
	TaskRefactor TaskType = "refactor"
)

// TaskTypes lists the valid task labels in classifier preference order.
var TaskTypes = []TaskType{TaskBug, TaskFeature, TaskChore, TaskRefactor}

// ParseTaskType accepts a label case-insensitively.
func ParseTaskType(s string) (TaskType, error) {
	v := TaskType(strings.ToLower(strings.TrimSpace(s)))
	for _, t := range TaskTypes {
		if v == t {
			return t, nil
		}
	}
	return "", fmt.Errorf("invalid task type %q (want bug, feature, chore or refactor)", s)
}

type Phase string

const (
	PhasePlan     Phase = "plan"
	PhaseBuild    Phase = "build"
	PhaseTest     Phase = "test"
	PhaseReview   Phase = "review"
	PhaseDocument Phase = "document"
	PhaseClassify Phase = "classify"
)

// AllPhases lists every phase in the order a run goes through them.
var AllPhases = []Phase{PhaseClassify, PhasePlan, PhaseBuild, PhaseTest, PhaseReview, PhaseDocument}

// AgentName is the per-phase agent identity; it also names the phase's
// directory under the run.
func (p Phase) AgentName() string {
	switch p {
	case PhasePlan:
		return "planner"
	case PhaseBuild:
		return "implementor"
	case PhaseTest:
		return "tester"
	case PhaseReview:
		return "reviewer"
	case PhaseDocument:
		return "documenter"
	case PhaseClassify:
		return "classifier"
	}
	return string(p)
}

// PhaseForAgent maps an agent name back to its phase; unknown names are
// returned unchanged.
func PhaseForAgent(agent string) Phase {
	for _, p := range AllPhases {
		if p.AgentName() == agent {
			return p
		}
	}
	return Phase(agent)
}

// Cancelled is the phase_history entry recorded when a phase is interrupted.
func (p Phase) Cancelled() string {
	return string(p) + ":cancelled"
}

// TestFailure describes one failing test reported by the tester agent.
type TestFailure struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type TestResults struct {
	Passed          int           `json:"passed"`
	Failed          int           `json:"failed"`
	Failures        []TestFailure `json:"failures"`
	Attempts        int           `json:"attempts"`
	BudgetExhausted bool          `json:"budget_exhausted"`
}

type Severity string

const (
	SeverityBlocker Severity = "blocker"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

type Finding struct {
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Resolution  string   `json:"resolution,omitempty"`
	Screenshots []string `json:"screenshots,omitempty"`
}

type ReviewFindings struct {
	Success            bool      `json:"success"`
	Summary            string    `json:"summary,omitempty"`
	Findings           []Finding `json:"findings"`
	Blockers           int       `json:"blockers"`
	Warnings           int       `json:"warnings"`
	Infos              int       `json:"infos"`
	ResolutionAttempts int       `json:"resolution_attempts"`
}

// Tally recomputes the per-severity counters and Success.
func (r *ReviewFindings) Tally() {
	r.Blockers, r.Warnings, r.Infos = 0, 0, 0
	for _, f := range r.Findings {
		switch f.Severity {
		case SeverityBlocker:
			r.Blockers++
		case SeverityWarning:
			r.Warnings++
		default:
			r.Infos++
		}
	}
	r.Success = r.Blockers == 0
}

// BlockerFindings returns the findings tagged blocker.
func (r *ReviewFindings) BlockerFindings() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityBlocker {
			out = append(out, f)
		}
	}
	return out
}

// Run is the persisted record of one end-to-end workflow invocation.
type Run struct {
	Schema         int             `json:"schema"`
	ID             string          `json:"run_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	WorkingDir     string          `json:"working_dir"`
	Prompt         string          `json:"prompt"`
	TaskType       *TaskType       `json:"task_type"`
	PlanFile       *string         `json:"plan_file"`
	TestResults    *TestResults    `json:"test_results"`
	ReviewFindings *ReviewFindings `json:"review_findings"`
	DocumentPath   *string         `json:"document_path"`
	PhaseHistory   []string        `json:"phase_history"`
}

// LastPhase returns the most recent phase_history entry, or "".
func (r *Run) LastPhase() string {
	if len(r.PhaseHistory) == 0 {
		return ""
	}
	return r.PhaseHistory[len(r.PhaseHistory)-1]
}

// HasPhase reports whether phase completed at least once.
func (r *Run) HasPhase(p Phase) bool {
	for _, h := range r.PhaseHistory {
		if h == string(p) {
			return true
		}
	}
	return false
}

// Str is a small helper for the nullable string fields.
func Str(s string) *string { return &s }

// Deref returns "" for a nil pointer.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
