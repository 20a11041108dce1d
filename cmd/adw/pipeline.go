package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mpataki/adw/internal/apperr"
	adwlua "github.com/mpataki/adw/internal/lua"
	"github.com/mpataki/adw/internal/pipeline"
)

// forwarded lists the flags a pipeline hands to every phase process.
var forwarded = []string{"model", "cli", "timeout", "retries", "fix-budget", "blocker-budget"}

func newPipelineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline [prompt]",
		Short: "Run plan, build, test and review for one run",
		Long: "Pipeline runs the plan, build, test and review subcommands as separate adw processes.\n" +
			"With --script it runs a Lua workflow that decides which phases to run instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			prompt := strings.TrimSpace(strings.Join(args, " "))
			runID, _ := cmd.Flags().GetString("run-id")
			if prompt == "" && runID == "" {
				return apperr.UserInput("pipeline", errors.New("a prompt or --run-id is required"), cmd.UseLine())
			}

			opts := pipeline.Options{
				Prompt:    prompt,
				RunID:     strings.TrimSpace(runID),
				PhaseArgs: []string{"--working-dir", e.cfg.WorkDir},
				Stdout:    e.stdout,
			}
			flags := cmd.Flags()
			if flags.Changed("type") {
				v, _ := flags.GetString("type")
				opts.PlanArgs = []string{"--type", v}
			}
			for _, name := range forwarded {
				if flags.Changed(name) {
					opts.PhaseArgs = append(opts.PhaseArgs, "--"+name, flags.Lookup(name).Value.String())
				}
			}

			runner, err := pipeline.NewExecRunner(e.log)
			if err != nil {
				return err
			}
			p := pipeline.New(runner, e.console, e.log, opts)

			ctx := cmd.Context()
			script, _ := cmd.Flags().GetString("script")
			if script == "" {
				code, err := p.Run(ctx)
				if err != nil {
					return err
				}
				return exitStatus(code)
			}

			if !adwlua.IsScript(script) {
				return apperr.UserInput("pipeline", fmt.Errorf("not a Lua workflow: %s", script), cmd.UseLine())
			}
			code, err := adwlua.NewRuntime(p, e.console, e.log).Execute(ctx, script, prompt)
			if last := p.LastRun(); e.stdout != nil && last != nil {
				fmt.Fprintf(e.stdout, "%s\n", last)
			}
			if err != nil {
				return err
			}
			return exitStatus(code)
		},
	}
	addAgentFlags(cmd)
	cmd.Flags().String("script", "", "Lua workflow to run instead of the fixed phase chain")
	return cmd
}
