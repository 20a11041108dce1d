// Package phase implements the Plan, Build, Test, Review and Document
// executors and the prompt classifier. Every executor follows the same
// steps: resolve the run, render the phase template, invoke the assistant,
// parse its answer, save the run and, when stdout is piped, emit it.
package phase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mpataki/adw/internal/apperr"
	"github.com/mpataki/adw/internal/console"
	"github.com/mpataki/adw/internal/models"
	"github.com/mpataki/adw/internal/state"
	"github.com/mpataki/adw/internal/template"
)

var (
	ErrNoPlan         = errors.New("run has no plan_file; run `adw plan` first")
	ErrTestsFailed    = errors.New("tests still failing after auto-fix budget")
	ErrBlockersRemain = errors.New("review blockers remain after resolution budget")
	ErrParseOutput    = errors.New("could not parse assistant output")
)

// Prompter runs one assistant request. *agent.Invoker implements it.
type Prompter interface {
	PromptWithRetry(ctx context.Context, req models.AgentRequest) (*models.AgentResponse, error)
}

// Options carries per-command settings resolved from config and flags.
type Options struct {
	RunID          string
	WorkDir        string
	Model          models.ModelTier
	CLI            models.CLI
	Timeout        time.Duration
	AllowDangerous bool
	FixBudget      int
	BlockerBudget  int
	Force          bool

	// TaskType skips classification in Plan when set.
	TaskType *models.TaskType

	// Stdin is nil unless stdin is a pipe or a redirected file.
	Stdin io.Reader
	// Stdout receives the run JSON; nil when stdout is a terminal.
	Stdout io.Writer
}

type Executor struct {
	agent     Prompter
	templates *template.Resolver
	console   *console.Console
	log       *slog.Logger
	opts      Options
}

func New(agent Prompter, templates *template.Resolver, con *console.Console, log *slog.Logger, opts Options) *Executor {
	if con == nil {
		con = console.Discard()
	}
	return &Executor{agent: agent, templates: templates, console: con, log: log, opts: opts}
}

// outcome is what a phase body reports back to execute.
type outcome struct {
	success bool
	fields  map[string]any
	// warn is a PhaseError: logged, recorded, but not fatal.
	warn error
}

type body func(ctx context.Context, s *state.Store) (outcome, error)

func usage(p models.Phase) string {
	if p == models.PhasePlan {
		return "usage: adw plan \"<prompt>\" [--type bug|feature|chore|refactor] [--run-id <id>]"
	}
	return fmt.Sprintf("usage: adw %s --run-id <id>  (or pipe the output of the previous phase: adw plan \"...\" | adw %s)", p, p)
}

// resolve loads the run a non-plan phase operates on.
func (e *Executor) resolve(p models.Phase) (*state.Store, error) {
	return state.Resolve(e.opts.RunID, e.opts.WorkDir, e.opts.Stdin, usage(p))
}

// execute runs fn for phase p against s and takes care of summary.json,
// saving the run and emitting it on stdout.
func (e *Executor) execute(ctx context.Context, s *state.Store, p models.Phase, fn body) (*models.Run, error) {
	run := s.Run()
	log := e.log.With("run_id", run.ID, "phase", string(p))
	e.console.Phase(string(p), run.ID)
	log.Info("phase started")
	start := time.Now()

	out, err := fn(ctx, s)
	if out.fields == nil {
		out.fields = map[string]any{}
	}
	out.fields["duration_ms"] = time.Since(start).Milliseconds()
	if out.warn != nil {
		out.fields["warning"] = out.warn.Error()
		out.fields["verified"] = false
	}

	if apperr.KindOf(err) == apperr.KindCancelled {
		out.fields["error"] = "cancelled"
		e.writeSummary(s, p, false, out.fields, log)
		if serr := s.Save(p.Cancelled()); serr != nil {
			log.Error("save cancelled state", "error", serr)
		}
		e.console.Warn("%s cancelled", p)
		return run, err
	}

	failed := err != nil && !isNonFatal(err)
	if err != nil {
		out.fields["error"] = err.Error()
	}
	e.writeSummary(s, p, out.success && !failed, out.fields, log)
	if failed {
		log.Error("phase failed", "error", err)
		e.console.Error("%s failed: %v", p, err)
		return run, err
	}

	if out.warn != nil {
		log.Warn("phase succeeded unverified", "warning", out.warn)
		e.console.Warn("%v (unverified success)", out.warn)
	}
	if serr := s.Save(string(p)); serr != nil {
		return run, fmt.Errorf("save run: %w", serr)
	}
	if e.opts.Stdout != nil {
		if _, werr := s.WriteTo(e.opts.Stdout); werr != nil {
			log.Warn("emit run on stdout", "error", werr)
		}
	}
	if err != nil {
		e.console.Warn("%s finished with failures: %v", p, err)
		return run, err
	}
	e.console.Success("%s complete", p)
	log.Info("phase complete")
	return run, nil
}

// isNonFatal reports errors that still let the phase record its results.
func isNonFatal(err error) bool {
	return errors.Is(err, ErrTestsFailed) || errors.Is(err, ErrBlockersRemain)
}

func (e *Executor) writeSummary(s *state.Store, p models.Phase, success bool, fields map[string]any, log *slog.Logger) {
	if err := s.Workspace().WriteSummary(p, success, fields); err != nil {
		log.Warn("write summary", "error", err)
	}
}

// invoke renders tmpl with params and runs it as phase p's agent.
func (e *Executor) invoke(ctx context.Context, s *state.Store, p models.Phase, tmpl string, params map[string]string, tier models.ModelTier) (*models.AgentResponse, error) {
	text, err := e.templates.Load(tmpl)
	if err != nil {
		return nil, err
	}
	ws := s.Workspace()
	if _, err := ws.EnsurePhaseDir(p); err != nil {
		return nil, err
	}
	run := s.Run()
	req := models.AgentRequest{
		Prompt:         template.Render(text, params),
		RunID:          run.ID,
		AgentName:      p.AgentName(),
		Model:          tier,
		CLI:            e.opts.CLI,
		AllowDangerous: e.opts.AllowDangerous,
		OutputFile:     ws.TranscriptPath(p),
		WorkingDir:     run.WorkingDir,
		Timeout:        e.opts.Timeout,
	}
	e.console.Info("%s → %s (%s)", p.AgentName(), tmpl, e.opts.CLI)
	e.log.Debug("invoking assistant", "run_id", run.ID, "template", tmpl, "agent", req.AgentName)
	return e.agent.PromptWithRetry(ctx, req)
}

// responseFields are the invocation details every summary carries.
func responseFields(resp *models.AgentResponse) map[string]any {
	if resp == nil {
		return map[string]any{}
	}
	return map[string]any{
		"transcript":  resp.TranscriptPath,
		"attempts":    resp.Attempts,
		"exit_code":   resp.ExitCode,
		"agent_ms":    resp.Duration.Milliseconds(),
		"agent_error": !resp.Success,
	}
}

func planParam(run *models.Run) string {
	if run.PlanFile == nil {
		return "(no plan)"
	}
	return *run.PlanFile
}
