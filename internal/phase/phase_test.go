package phase

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mpataki/adw/internal/apperr"
	"github.com/mpataki/adw/internal/console"
	"github.com/mpataki/adw/internal/logging"
	"github.com/mpataki/adw/internal/models"
	"github.com/mpataki/adw/internal/state"
	"github.com/mpataki/adw/internal/template"
)

type reply struct {
	output string
	err    error
	// write creates this file (relative to the working dir) before replying.
	write string
}

// fakeAgent answers requests from per-agent queues and records them.
type fakeAgent struct {
	t       *testing.T
	replies map[string][]reply
	calls   []models.AgentRequest
}

func (f *fakeAgent) PromptWithRetry(_ context.Context, req models.AgentRequest) (*models.AgentResponse, error) {
	f.calls = append(f.calls, req)
	q := f.replies[req.AgentName]
	if len(q) == 0 {
		f.t.Fatalf("unexpected invocation of %s", req.AgentName)
	}
	r := q[0]
	f.replies[req.AgentName] = q[1:]
	if r.write != "" {
		path := filepath.Join(req.WorkingDir, r.write)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			f.t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("# doc\n"), 0644); err != nil {
			f.t.Fatal(err)
		}
	}
	return &models.AgentResponse{
		Success:        r.err == nil,
		Output:         r.output,
		TranscriptPath: req.OutputFile,
		Attempts:       1,
	}, r.err
}

func (f *fakeAgent) count(agent string) int {
	n := 0
	for _, c := range f.calls {
		if c.AgentName == agent {
			n++
		}
	}
	return n
}

func (f *fakeAgent) prompts(agent string) []string {
	var out []string
	for _, c := range f.calls {
		if c.AgentName == agent {
			out = append(out, c.Prompt)
		}
	}
	return out
}

func newExecutor(dir string, agent Prompter, mod func(o *Options)) *Executor {
	opts := Options{
		WorkDir:       dir,
		Model:         models.TierLarge,
		CLI:           models.CLIA,
		Timeout:       time.Minute,
		FixBudget:     2,
		BlockerBudget: 2,
	}
	if mod != nil {
		mod(&opts)
	}
	return New(agent, template.NewResolver(dir), console.Discard(), logging.Discard(), opts)
}

// planned creates a run with a verified plan and returns its id.
func planned(t *testing.T, dir string) string {
	t.Helper()
	fa := &fakeAgent{t: t, replies: map[string][]reply{
		"planner": {{output: "specs/dark-mode.md", write: "specs/dark-mode.md"}},
	}}
	feature := models.TaskFeature
	run, err := newExecutor(dir, fa, func(o *Options) { o.TaskType = &feature }).Plan(context.Background(), "Add a dark-mode toggle")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	return run.ID
}

func TestPlanThenBuildPiped(t *testing.T) {
	dir := t.TempDir()
	fa := &fakeAgent{t: t, replies: map[string][]reply{
		"planner":     {{output: "Plan written.\n\nspecs/dark-mode.md", write: "specs/dark-mode.md"}},
		"implementor": {{output: "implemented the toggle"}},
	}}
	feature := models.TaskFeature

	var piped bytes.Buffer
	run, err := newExecutor(dir, fa, func(o *Options) {
		o.TaskType = &feature
		o.Stdout = &piped
	}).Plan(context.Background(), "Add a dark-mode toggle")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if run.TaskType == nil || *run.TaskType != models.TaskFeature {
		t.Fatalf("expected feature task type, got %v", run.TaskType)
	}
	if models.Deref(run.PlanFile) != "specs/dark-mode.md" {
		t.Fatalf("unexpected plan_file %v", models.Deref(run.PlanFile))
	}
	if fa.count("classifier") != 0 {
		t.Fatalf("classifier should be skipped when --type is given")
	}
	if strings.Count(piped.String(), "\n") != 1 {
		t.Fatalf("expected one JSON line on stdout, got %q", piped.String())
	}

	var out bytes.Buffer
	run, err = newExecutor(dir, fa, func(o *Options) {
		o.Stdin = &piped
		o.Stdout = &out
	}).Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !reflect.DeepEqual(run.PhaseHistory, []string{"plan", "build"}) {
		t.Fatalf("unexpected history %v", run.PhaseHistory)
	}
	if !strings.Contains(fa.prompts("implementor")[0], "specs/dark-mode.md") {
		t.Fatalf("build prompt does not reference the plan")
	}
	onDisk, err := state.Open(dir, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(onDisk.Run().PhaseHistory, []string{"plan", "build"}) {
		t.Fatalf("state.json not saved: %v", onDisk.Run().PhaseHistory)
	}
	summary, err := onDisk.Workspace().ReadSummary(models.PhaseBuild)
	if err != nil {
		t.Fatal(err)
	}
	if summary["success"] != true || summary["phase"] != "build" {
		t.Fatalf("unexpected summary %v", summary)
	}
}

func TestTestAutoFixBudget(t *testing.T) {
	failing := `{"passed":5,"failed":1,"failures":[{"name":"t1","message":"AssertionError"}]}`
	passing := "```json\n{\"passed\":6,\"failed\":0,\"failures\":[]}\n```"

	tests := []struct {
		name      string
		replies   []reply
		wantErr   error
		exhausted bool
	}{
		{"fixed within budget", []reply{{output: failing}, {output: passing}}, nil, false},
		{"budget exhausted", []reply{{output: failing}, {output: failing}}, ErrTestsFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			id := planned(t, dir)
			fa := &fakeAgent{t: t, replies: map[string][]reply{"tester": tt.replies}}

			run, err := newExecutor(dir, fa, func(o *Options) {
				o.RunID = id
				o.FixBudget = 1
			}).Test(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if fa.count("tester") != 2 {
				t.Fatalf("expected exactly 2 invocations, got %d", fa.count("tester"))
			}
			fix := fa.prompts("tester")[1]
			if !strings.Contains(fix, "t1") || !strings.Contains(fix, "AssertionError") {
				t.Fatalf("fix prompt lacks failing tests:\n%s", fix)
			}
			if run.TestResults == nil || run.TestResults.Attempts != 2 || run.TestResults.BudgetExhausted != tt.exhausted {
				t.Fatalf("unexpected test results %+v", run.TestResults)
			}
			if run.LastPhase() != "test" {
				t.Fatalf("test outcome must be recorded either way, history %v", run.PhaseHistory)
			}
			if tt.wantErr != nil && apperr.ExitCode(err) != apperr.ExitFailure {
				t.Fatalf("expected exit 1, got %d", apperr.ExitCode(err))
			}
		})
	}
}

func TestTestInvocationsBounded(t *testing.T) {
	failing := `{"passed":0,"failed":2,"failures":[{"name":"a","message":"x"},{"name":"b","message":"y"}]}`
	for budget := 0; budget <= 3; budget++ {
		dir := t.TempDir()
		id := planned(t, dir)
		replies := make([]reply, budget+1)
		for i := range replies {
			replies[i] = reply{output: failing}
		}
		fa := &fakeAgent{t: t, replies: map[string][]reply{"tester": replies}}
		_, err := newExecutor(dir, fa, func(o *Options) {
			o.RunID = id
			o.FixBudget = budget
		}).Test(context.Background())
		if !errors.Is(err, ErrTestsFailed) {
			t.Fatalf("budget %d: expected ErrTestsFailed, got %v", budget, err)
		}
		if got := fa.count("tester"); got != 1+budget {
			t.Fatalf("budget %d: expected %d invocations, got %d", budget, 1+budget, got)
		}
	}
}

func TestReviewBlockerResolution(t *testing.T) {
	withBlocker := `{"summary":"toggle missing","findings":[
		{"severity":"blocker","description":"toggle not rendered","resolution":"render it"},
		{"severity":"warning","description":"naming"}]}`
	clean := `{"summary":"ok","findings":[{"severity":"info","description":"nice"}]}`

	tests := []struct {
		name    string
		replies []reply
		wantErr error
	}{
		{"blocker persists", []reply{{output: withBlocker}, {output: "fixed"}, {output: withBlocker}}, ErrBlockersRemain},
		{"blocker resolved", []reply{{output: withBlocker}, {output: "fixed"}, {output: clean}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			id := planned(t, dir)
			fa := &fakeAgent{t: t, replies: map[string][]reply{"reviewer": tt.replies}}
			run, err := newExecutor(dir, fa, func(o *Options) {
				o.RunID = id
				o.BlockerBudget = 1
			}).Review(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			prompts := fa.prompts("reviewer")
			if len(prompts) != 3 || !strings.Contains(prompts[1], "toggle not rendered") {
				t.Fatalf("expected review, one resolution, review; got %d calls", len(prompts))
			}
			rf := run.ReviewFindings
			if rf == nil || rf.ResolutionAttempts != 1 {
				t.Fatalf("unexpected findings %+v", rf)
			}
			if rf.Success != (tt.wantErr == nil) {
				t.Fatalf("success should reflect remaining blockers: %+v", rf)
			}
			if tt.wantErr != nil && apperr.ExitCode(err) == 0 {
				t.Fatalf("remaining blockers must give a non-zero exit")
			}
		})
	}
}

func TestReviewCollectsScreenshots(t *testing.T) {
	dir := t.TempDir()
	id := planned(t, dir)
	if err := os.WriteFile(filepath.Join(dir, "shot.png"), []byte("png"), 0644); err != nil {
		t.Fatal(err)
	}
	fa := &fakeAgent{t: t, replies: map[string][]reply{"reviewer": {{
		output: `{"findings":[{"severity":"info","description":"ui","screenshots":["shot.png"]}]}`,
	}}}}
	run, err := newExecutor(dir, fa, func(o *Options) { o.RunID = id }).Review(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join("agentic", "runs", id, "reviewer", "review_img", "shot.png")
	if got := run.ReviewFindings.Findings[0].Screenshots[0]; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
	if _, err := os.Stat(filepath.Join(dir, want)); err != nil {
		t.Fatalf("screenshot not copied: %v", err)
	}
}

func TestDocumentIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	id := planned(t, dir)
	fa := &fakeAgent{t: t, replies: map[string][]reply{
		"documenter": {{output: filepath.Join(dir, "docs", "dark-mode.md"), write: "docs/dark-mode.md"}},
	}}
	exec := newExecutor(dir, fa, func(o *Options) { o.RunID = id })

	first, err := exec.Document(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if models.Deref(first.DocumentPath) != filepath.Join("docs", "dark-mode.md") {
		t.Fatalf("expected path relative to working dir, got %s", models.Deref(first.DocumentPath))
	}
	second, err := exec.Document(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fa.count("documenter") != 1 {
		t.Fatalf("expected document to be reused, got %d invocations", fa.count("documenter"))
	}
	if models.Deref(second.DocumentPath) != models.Deref(first.DocumentPath) {
		t.Fatalf("document_path changed on resume")
	}
}

func TestMissingArtifactIsUnverifiedSuccess(t *testing.T) {
	dir := t.TempDir()
	fa := &fakeAgent{t: t, replies: map[string][]reply{"planner": {{output: "specs/ghost.md"}}}}
	chore := models.TaskChore
	run, err := newExecutor(dir, fa, func(o *Options) { o.TaskType = &chore }).Plan(context.Background(), "bump deps")
	if err != nil || apperr.ExitCode(err) != 0 {
		t.Fatalf("expected success, got %v", err)
	}
	if models.Deref(run.PlanFile) != "specs/ghost.md" {
		t.Fatalf("expected plan_file to be stored")
	}
	s, _ := state.Open(dir, run.ID)
	summary, err := s.Workspace().ReadSummary(models.PhasePlan)
	if err != nil {
		t.Fatal(err)
	}
	if summary["success"] != true || summary["verified"] != false || summary["warning"] == nil {
		t.Fatalf("expected unverified success, got %v", summary)
	}
}

func TestClassifier(t *testing.T) {
	tests := []struct {
		name       string
		classifier reply
		wantType   *models.TaskType
		wantPrompt string
	}{
		{"label", reply{output: "/Bug\n"}, ptr(models.TaskBug), "Plan a fix for the following bug"},
		{"agent failure", reply{err: apperr.Agent("invoke classifier", errors.New("timed out"), "")}, nil, "Plan the following feature"},
		{"unparseable", reply{output: "I think it's a feature or a chore"}, nil, "Plan the following feature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			fa := &fakeAgent{t: t, replies: map[string][]reply{
				"classifier": {tt.classifier},
				"planner":    {{output: "specs/p.md", write: "specs/p.md"}},
			}}
			run, err := newExecutor(dir, fa, nil).Plan(context.Background(), "Login fails on Safari")
			if err != nil {
				t.Fatalf("classifier problems must not fail plan: %v", err)
			}
			if !reflect.DeepEqual(run.TaskType, tt.wantType) {
				t.Fatalf("task type %v, want %v", run.TaskType, tt.wantType)
			}
			if !strings.Contains(fa.prompts("planner")[0], tt.wantPrompt) {
				t.Fatalf("wrong plan template used")
			}
			if fa.calls[0].Model != models.TierSmall {
				t.Fatalf("classifier should use the small tier")
			}
		})
	}
}

func ptr(t models.TaskType) *models.TaskType { return &t }

func TestCancelledPhaseIsRecorded(t *testing.T) {
	dir := t.TempDir()
	id := planned(t, dir)
	fa := &fakeAgent{t: t, replies: map[string][]reply{
		"implementor": {{err: apperr.Cancelled("invoke implementor")}},
	}}
	_, err := newExecutor(dir, fa, func(o *Options) { o.RunID = id }).Build(context.Background())
	if apperr.ExitCode(err) != apperr.ExitCancelled {
		t.Fatalf("expected exit 130, got %v", err)
	}
	s, err := state.Open(dir, id)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Run().PhaseHistory; !reflect.DeepEqual(got, []string{"plan", "build:cancelled"}) {
		t.Fatalf("unexpected history %v", got)
	}
}

func TestPhaseErrors(t *testing.T) {
	t.Run("unknown run", func(t *testing.T) {
		fa := &fakeAgent{t: t}
		_, err := newExecutor(t.TempDir(), fa, func(o *Options) { o.RunID = "deadbeef" }).Build(context.Background())
		if apperr.ExitCode(err) != apperr.ExitUnknown || !strings.Contains(apperr.HintOf(err), "adw build") {
			t.Fatalf("expected unknown run with hint, got %v", err)
		}
	})
	t.Run("build without plan", func(t *testing.T) {
		dir := t.TempDir()
		s, err := state.Create(dir, "x")
		if err != nil {
			t.Fatal(err)
		}
		fa := &fakeAgent{t: t}
		_, err = newExecutor(dir, fa, func(o *Options) { o.RunID = s.Run().ID }).Build(context.Background())
		if !errors.Is(err, ErrNoPlan) || apperr.ExitCode(err) != apperr.ExitUnknown {
			t.Fatalf("expected ErrNoPlan, got %v", err)
		}
	})
	t.Run("agent failure", func(t *testing.T) {
		dir := t.TempDir()
		id := planned(t, dir)
		fa := &fakeAgent{t: t, replies: map[string][]reply{
			"implementor": {{err: apperr.Agent("invoke implementor", errors.New("exit status 1"), "t.jsonl")}},
		}}
		_, err := newExecutor(dir, fa, func(o *Options) { o.RunID = id }).Build(context.Background())
		if apperr.ExitCode(err) != apperr.ExitAgent {
			t.Fatalf("expected exit 4, got %v", err)
		}
		s, _ := state.Open(dir, id)
		if !reflect.DeepEqual(s.Run().PhaseHistory, []string{"plan"}) {
			t.Fatalf("failed build must not be recorded as completed: %v", s.Run().PhaseHistory)
		}
		summary, _ := s.Workspace().ReadSummary(models.PhaseBuild)
		if summary["success"] != false {
			t.Fatalf("expected failed summary, got %v", summary)
		}
	})
	t.Run("template cycle", func(t *testing.T) {
		dir := t.TempDir()
		id := planned(t, dir)
		tdir := filepath.Join(dir, ".adw", "templates")
		if err := os.MkdirAll(tdir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(tdir, "implement.md"), []byte("@import implement.md\n"), 0644); err != nil {
			t.Fatal(err)
		}
		fa := &fakeAgent{t: t}
		_, err := newExecutor(dir, fa, func(o *Options) { o.RunID = id }).Build(context.Background())
		if apperr.ExitCode(err) != apperr.ExitTemplate {
			t.Fatalf("expected exit 3, got %v", err)
		}
	})
}
