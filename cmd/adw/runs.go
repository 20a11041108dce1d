package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/adw/internal/agent"
	"github.com/mpataki/adw/internal/apperr"
	"github.com/mpataki/adw/internal/state"
	"github.com/mpataki/adw/internal/storage"
	"github.com/mpataki/adw/internal/tui"
)

var errNoLedger = errors.New("the run ledger is disabled (ledger: off)")

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			limit, _ := cmd.Flags().GetInt("limit")

			if e.ledger != nil {
				runs, err := e.ledger.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if len(runs) > 0 {
					for _, run := range runs {
						fmt.Printf("%s  %-18s %-9s %-9s %s\n",
							run.ID, orDash(run.LastPhase), orDash(run.TaskType),
							storage.FormatTimeAgo(run.UpdatedAt), truncate(run.Prompt, 50))
					}
					return nil
				}
			}

			// Without a ledger (or before anything was indexed) the run
			// directories are the source of truth.
			runs, err := state.List(e.cfg.WorkDir)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}
			if len(runs) > limit {
				runs = runs[:limit]
			}
			for _, run := range runs {
				taskType := ""
				if run.TaskType != nil {
					taskType = string(*run.TaskType)
				}
				fmt.Printf("%s  %-18s %-9s %-9s %s\n",
					run.ID, orDash(run.LastPhase()), orDash(taskType),
					storage.FormatTimeAgo(run.UpdatedAt), truncate(run.Prompt, 50))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of runs to show")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			s, err := state.Open(e.cfg.WorkDir, args[0])
			if err != nil {
				return apperr.UserInput("status", err, "adw list shows the runs under the working directory")
			}
			run := s.Run()

			fmt.Printf("Run %s\n", run.ID)
			fmt.Printf("Prompt: %s\n", run.Prompt)
			if run.TaskType != nil {
				fmt.Printf("Type: %s\n", *run.TaskType)
			}
			fmt.Printf("Working dir: %s\n", run.WorkingDir)
			fmt.Printf("Phases: %s\n", orDash(strings.Join(run.PhaseHistory, " → ")))
			if run.PlanFile != nil {
				fmt.Printf("Plan: %s\n", *run.PlanFile)
			}
			if t := run.TestResults; t != nil {
				fmt.Printf("Tests: %d passed, %d failed (%d attempt(s))\n", t.Passed, t.Failed, t.Attempts)
			}
			if r := run.ReviewFindings; r != nil {
				fmt.Printf("Review: %d blocker(s), %d warning(s), %d info\n", r.Blockers, r.Warnings, r.Infos)
			}
			if run.DocumentPath != nil {
				fmt.Printf("Document: %s\n", *run.DocumentPath)
			}

			if e.ledger == nil {
				return nil
			}
			execs, err := e.ledger.GetExecutionsForRun(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			if len(execs) > 0 {
				fmt.Println("\nExecutions:")
				for _, exec := range execs {
					status := string(exec.Status)
					if exec.ExitCode != nil {
						status += fmt.Sprintf(" (exit %d)", *exec.ExitCode)
					}
					fmt.Printf("  %s/%s attempt %d [%s] %s\n",
						exec.Phase, exec.AgentName, exec.Attempt, status, storage.FormatTimeAgo(exec.StartedAt))
					if exec.Error != "" {
						fmt.Printf("      %s\n", truncate(exec.Error, 100))
					}
				}
			}
			return nil
		},
	}
}

func newKillCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill <run-id>",
		Short: "Stop the assistant running for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			if e.ledger == nil {
				return apperr.UserInput("kill", errNoLedger, "")
			}

			grace, _ := cmd.Flags().GetDuration("grace")
			staleAfter, _ := cmd.Flags().GetDuration("stale-after")
			exe, err := agent.KillRun(cmd.Context(), e.ledger, args[0], grace, staleAfter)
			if errors.Is(err, agent.ErrNotRunning) {
				return apperr.UserInput("kill", err, "")
			}
			if errors.Is(err, agent.ErrStale) {
				e.console.Warn("cleared stale %s attempt %d of run %s; nothing was signalled", exe.Phase, exe.Attempt, exe.RunID)
				return nil
			}
			if err != nil {
				return err
			}
			e.console.Success("stopped %s attempt %d of run %s", exe.Phase, exe.Attempt, exe.RunID)
			return nil
		},
	}
	cmd.Flags().Duration("grace", 5*time.Second, "How long the owning adw process gets to record the cancellation")
	cmd.Flags().Duration("stale-after", 0, "Treat running records older than this as stale (0 disables)")
	return cmd
}

func newTUICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Browse runs interactively",
		Args:  cobra.NoArgs,
		RunE:  runTUI,
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	src := tui.Source{WorkDir: e.cfg.WorkDir}
	if e.ledger != nil {
		ledger := e.ledger
		src.Ledger = ledger
		src.Kill = func(ctx context.Context, runID string) error {
			_, err := agent.KillRun(ctx, ledger, runID, 5*time.Second, 0)
			if errors.Is(err, agent.ErrStale) {
				return nil
			}
			return err
		}
	}

	p := tea.NewProgram(tui.NewApp(src), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncate shortens s to at most maxLen runes.
func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}
