// Package pipeline chains the phase subcommands Plan, Build, Test and Review
// for one run. It composes phases only by running them as child processes of
// the adw binary, so each phase stays independently runnable.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mpataki/adw/internal/apperr"
	"github.com/mpataki/adw/internal/console"
)

var ErrNoRunID = errors.New("plan did not report a run_id")

// Runner runs one adw subcommand (args[0] is the phase) and returns its
// exit code. The error is reserved for failures to run it at all.
type Runner interface {
	Run(ctx context.Context, args []string, stdout io.Writer) (int, error)
}

type Options struct {
	Prompt string
	// RunID resumes an existing run instead of creating one in Plan.
	RunID string
	// PlanArgs are passed to plan only (e.g. --type).
	PlanArgs []string
	// PhaseArgs are passed to every phase (--model, --cli, --working-dir...).
	PhaseArgs []string
	// Stdout receives the final run JSON; nil when stdout is a terminal.
	Stdout io.Writer
}

// PhaseResult is the exit code one phase reported.
type PhaseResult struct {
	Phase    string
	ExitCode int
}

type Pipeline struct {
	runner  Runner
	console *console.Console
	log     *slog.Logger
	opts    Options

	runID    string
	lastJSON []byte
	results  []PhaseResult
}

func New(runner Runner, con *console.Console, log *slog.Logger, opts Options) *Pipeline {
	if con == nil {
		con = console.Discard()
	}
	return &Pipeline{runner: runner, console: con, log: log, opts: opts, runID: opts.RunID}
}

// RunID is the run the pipeline operates on, empty until Plan has reported it.
func (p *Pipeline) RunID() string { return p.runID }

// LastRun is the most recent run JSON a phase printed, or nil.
func (p *Pipeline) LastRun() []byte { return p.lastJSON }

// Results lists the phases run so far in order.
func (p *Pipeline) Results() []PhaseResult { return p.results }

// Phase runs one phase subcommand for the pipeline's run. The first plan
// creates the run from the prompt; every other phase receives --run-id.
// The run JSON each phase prints is captured to learn and track the run_id.
func (p *Pipeline) Phase(ctx context.Context, name string, extra ...string) (int, error) {
	args := []string{name}
	switch {
	case name == "plan":
		if p.opts.Prompt != "" {
			args = append(args, p.opts.Prompt)
		}
		if p.runID != "" {
			args = append(args, "--run-id", p.runID)
		}
		args = append(args, p.opts.PlanArgs...)
	case p.runID == "":
		return apperr.ExitUnknown, apperr.UserInput("pipeline "+name, errors.New("no run yet"), "run plan before "+name)
	default:
		args = append(args, "--run-id", p.runID)
	}
	args = append(args, p.opts.PhaseArgs...)
	args = append(args, extra...)

	log := p.log.With("phase", name, "run_id", p.runID)
	log.Info("starting phase process", "args", args)

	var out bytes.Buffer
	code, err := p.runner.Run(ctx, args, &out)
	if err != nil {
		return code, fmt.Errorf("run %s: %w", name, err)
	}
	if line := lastLine(out.Bytes()); line != nil {
		var run struct {
			ID string `json:"run_id"`
		}
		if json.Unmarshal(line, &run) == nil && run.ID != "" {
			p.runID = run.ID
			p.lastJSON = line
		}
	}
	p.results = append(p.results, PhaseResult{Phase: name, ExitCode: code})
	log.Info("phase process exited", "exit_code", code)
	return code, nil
}

// Run executes Plan → Build → Test → Review. Plan and Build failures abort
// with their exit code. A Test failure is reported and Review still runs.
// The result is Review's exit code, else Test's, else 0.
func (p *Pipeline) Run(ctx context.Context) (int, error) {
	for _, name := range []string{"plan", "build"} {
		if ctx.Err() != nil {
			return apperr.ExitCancelled, apperr.Cancelled("pipeline")
		}
		code, err := p.Phase(ctx, name)
		if err != nil {
			return apperr.ExitFailure, err
		}
		if code != 0 {
			p.console.Error("%s failed (exit %d), stopping pipeline", name, code)
			return code, nil
		}
		if name == "plan" && p.runID == "" {
			return apperr.ExitFailure, ErrNoRunID
		}
	}

	if ctx.Err() != nil {
		return apperr.ExitCancelled, apperr.Cancelled("pipeline")
	}
	testCode, err := p.Phase(ctx, "test")
	if err != nil {
		return apperr.ExitFailure, err
	}
	switch testCode {
	case 0:
	case apperr.ExitCancelled:
		return testCode, nil
	default:
		p.console.Warn("test failed (exit %d), continuing to review", testCode)
	}

	if ctx.Err() != nil {
		return apperr.ExitCancelled, apperr.Cancelled("pipeline")
	}
	reviewCode, err := p.Phase(ctx, "review")
	if err != nil {
		return apperr.ExitFailure, err
	}
	p.emit()

	code := reviewCode
	if code == 0 {
		code = testCode
	}
	if code == 0 {
		p.console.Success("pipeline complete for run %s", p.runID)
	} else {
		p.console.Warn("pipeline finished with exit %d for run %s", code, p.runID)
	}
	return code, nil
}

// emit forwards the last run JSON so a pipeline can itself be piped.
func (p *Pipeline) emit() {
	if p.opts.Stdout == nil || p.lastJSON == nil {
		return
	}
	if _, err := p.opts.Stdout.Write(append(p.lastJSON, '\n')); err != nil {
		p.log.Warn("emit run on stdout", "error", err)
	}
}

func lastLine(b []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(b), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := bytes.TrimSpace(lines[i]); len(line) > 0 {
			return line
		}
	}
	return nil
}
