package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mpataki/adw/internal/agent"
	"github.com/mpataki/adw/internal/apperr"
	"github.com/mpataki/adw/internal/models"
	"github.com/mpataki/adw/internal/phase"
	"github.com/mpataki/adw/internal/template"
)

type phaseFunc func(ctx context.Context, ex *phase.Executor, args []string) (*models.Run, error)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [prompt]",
		Short: "Create a run and ask the planner for a plan document",
		Long: "Plan creates a run for the prompt, classifies it unless --type is given, and asks the\n" +
			"planner for a plan document. Without a prompt it re-plans the run given by --run-id or piped on stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhase(cmd, args, func(ctx context.Context, ex *phase.Executor, args []string) (*models.Run, error) {
				return ex.Plan(ctx, strings.Join(args, " "))
			})
		},
	}
	addAgentFlags(cmd)
	return cmd
}

func newBuildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Implement the run's plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhase(cmd, args, func(ctx context.Context, ex *phase.Executor, _ []string) (*models.Run, error) {
				return ex.Build(ctx)
			})
		},
	}
	addAgentFlags(cmd)
	return cmd
}

func newTestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run the tests, letting the tester fix failures within the budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhase(cmd, args, func(ctx context.Context, ex *phase.Executor, _ []string) (*models.Run, error) {
				return ex.Test(ctx)
			})
		},
	}
	addAgentFlags(cmd)
	return cmd
}

func newReviewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Review the change against the plan and resolve blockers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhase(cmd, args, func(ctx context.Context, ex *phase.Executor, _ []string) (*models.Run, error) {
				return ex.Review(ctx)
			})
		},
	}
	addAgentFlags(cmd)
	return cmd
}

func newDocumentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "document",
		Short: "Write documentation for the run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhase(cmd, args, func(ctx context.Context, ex *phase.Executor, _ []string) (*models.Run, error) {
				return ex.Document(ctx)
			})
		},
	}
	addAgentFlags(cmd)
	return cmd
}

func newClassifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify [prompt]",
		Short: "Label a prompt as bug, feature, chore or refactor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhase(cmd, args, func(ctx context.Context, ex *phase.Executor, args []string) (*models.Run, error) {
				return ex.Classify(ctx, strings.Join(args, " "))
			})
		},
	}
	addAgentFlags(cmd)
	return cmd
}

// runPhase builds an executor for cmd and runs fn. A run returned together
// with an error means the executor already reported the failure, so only
// the exit code travels back to main.
func runPhase(cmd *cobra.Command, args []string, fn phaseFunc) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	opts, err := e.phaseOptions(cmd)
	if err != nil {
		return err
	}
	inv := agent.NewInvoker(e.cfg, e.log, e.recorder())
	templates := template.NewResolver(e.cfg.WorkDir, e.cfg.TemplateDirs...)
	ex := phase.New(inv, templates, e.console, e.log, opts)

	ctx := cmd.Context()
	run, err := fn(ctx, ex, args)
	e.index(ctx, run)
	if err != nil && run != nil {
		return exitStatus(apperr.ExitCode(err))
	}
	return err
}

// phaseOptions resolves executor options from the loaded config and the
// phase flags cmd defines.
func (e *env) phaseOptions(cmd *cobra.Command) (phase.Options, error) {
	// Both values were validated by config.Load and applyFlags.
	tier, _ := models.ParseModelTier(e.cfg.Agent.Model)
	cli, _ := models.ParseCLI(e.cfg.Agent.CLI)
	runID, _ := cmd.Flags().GetString("run-id")

	opts := phase.Options{
		RunID:          strings.TrimSpace(runID),
		WorkDir:        e.cfg.WorkDir,
		Model:          tier,
		CLI:            cli,
		Timeout:        e.cfg.Agent.Timeout,
		AllowDangerous: e.cfg.Agent.AllowDangerous,
		FixBudget:      e.cfg.Budgets.Fix,
		BlockerBudget:  e.cfg.Budgets.Blocker,
		Stdin:          e.stdin,
		Stdout:         e.stdout,
	}
	opts.Force, _ = cmd.Flags().GetBool("force")
	if cmd.Flags().Changed("type") {
		v, _ := cmd.Flags().GetString("type")
		tt, err := models.ParseTaskType(v)
		if err != nil {
			return opts, apperr.UserInput("flags", err, cmd.UseLine())
		}
		opts.TaskType = &tt
	}
	return opts, nil
}
