package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mpataki/adw/internal/agent"
	"github.com/mpataki/adw/internal/apperr"
	"github.com/mpataki/adw/internal/config"
	"github.com/mpataki/adw/internal/console"
	"github.com/mpataki/adw/internal/logging"
	"github.com/mpataki/adw/internal/models"
	"github.com/mpataki/adw/internal/storage"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "adw",
		Short:         "Agentic development workflows",
		Long:          "adw drives coding assistants through plan, build, test, review and document phases.",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          runTUI,
	}
	rootCmd.PersistentFlags().String("working-dir", "", "Directory runs operate against (default: current directory)")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return apperr.UserInput("flags", err, cmd.UseLine())
	})

	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newTestCommand())
	rootCmd.AddCommand(newReviewCommand())
	rootCmd.AddCommand(newDocumentCommand())
	rootCmd.AddCommand(newClassifyCommand())
	rootCmd.AddCommand(newPipelineCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newKillCommand())
	rootCmd.AddCommand(newTUICommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	os.Exit(report(err))
}

// exitStatus carries a process exit code for an outcome that was already
// reported to the user.
type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// report prints err with its hint and returns the process exit code.
func report(err error) int {
	if err == nil {
		return apperr.ExitOK
	}
	var status exitStatus
	if errors.As(err, &status) {
		return int(status)
	}
	con := console.New(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())))
	switch apperr.KindOf(err) {
	case apperr.KindPhase:
		con.Warn("%v", err)
	case apperr.KindCancelled:
		con.Warn("cancelled")
	default:
		con.Error("%v", err)
	}
	if hint := apperr.HintOf(err); hint != "" {
		fmt.Fprintln(os.Stderr, hint)
	}
	return apperr.ExitCode(err)
}

// env is what every subcommand shares: resolved config, logger, console,
// the optional ledger and the process's stdio as seen by the pipe protocol.
type env struct {
	cfg      *config.Config
	log      *slog.Logger
	closeLog func() error
	console  *console.Console
	ledger   *storage.Storage

	// stdin is nil unless it is a pipe or a file.
	stdin io.Reader
	// stdout is nil when it is a terminal.
	stdout io.Writer
}

// newEnv loads configuration for the --working-dir flag and applies the
// agent flags cmd defines. The ledger is opened when enabled; failing to
// open it is logged and the command continues without it.
func newEnv(cmd *cobra.Command) (*env, error) {
	dir, _ := cmd.Flags().GetString("working-dir")
	workDir, err := config.ResolveWorkDir(dir)
	if err != nil {
		return nil, apperr.UserInput("working dir", err, "")
	}
	cfg, err := config.Load(workDir)
	if err != nil {
		return nil, apperr.UserInput("load config", err, "")
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, apperr.UserInput("flags", err, cmd.UseLine())
	}

	log, closeLog, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	e := &env{
		cfg:      cfg,
		log:      log,
		closeLog: closeLog,
		console:  console.New(os.Stderr, term.IsTerminal(int(os.Stderr.Fd()))),
	}
	if stdinPiped(os.Stdin) {
		e.stdin = os.Stdin
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		e.stdout = os.Stdout
	}

	if cfg.LedgerEnabled() {
		store, err := storage.New(cfg.LedgerPath)
		if err != nil {
			log.Warn("ledger unavailable", "path", cfg.LedgerPath, "error", err)
		} else {
			e.ledger = store
		}
	}
	log.Debug("environment ready", "working_dir", cfg.WorkDir, "config", cfg.Source, "ledger", e.ledger != nil)
	return e, nil
}

// stdinPiped reports whether f is a pipe or a redirected file. Terminals
// and /dev/null (a character device) carry no upstream run.
func stdinPiped(f *os.File) bool {
	if term.IsTerminal(int(f.Fd())) {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	mode := info.Mode()
	return mode&os.ModeNamedPipe != 0 || mode.IsRegular()
}

func (e *env) Close() {
	if e.ledger != nil {
		e.ledger.Close()
	}
	e.closeLog()
}

// recorder returns the ledger as an agent.Recorder, or nil when it is off.
func (e *env) recorder() agent.Recorder {
	if e.ledger == nil {
		return nil
	}
	return e.ledger
}

// index records run in the ledger's run index. The ledger is an index of
// state.json, so a failure here is only logged.
func (e *env) index(ctx context.Context, run *models.Run) {
	if e.ledger == nil || run == nil {
		return
	}
	if err := e.ledger.UpsertRun(context.WithoutCancel(ctx), run); err != nil {
		e.log.Warn("index run in ledger", "run_id", run.ID, "error", err)
	}
}

// applyFlags overlays the agent flags defined on cmd onto cfg. Only flags
// the user set override the loaded configuration.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("cli") {
		v, _ := flags.GetString("cli")
		cli, err := models.ParseCLI(v)
		if err != nil {
			return err
		}
		cfg.Agent.CLI = string(cli)
	}
	if flags.Changed("model") {
		v, _ := flags.GetString("model")
		tier, err := models.ParseModelTier(v)
		if err != nil {
			return err
		}
		cfg.Agent.Model = string(tier)
	}
	if flags.Changed("timeout") {
		v, _ := flags.GetDuration("timeout")
		if v <= 0 {
			return fmt.Errorf("--timeout must be positive, got %s", v)
		}
		cfg.Agent.Timeout = v
	}
	if flags.Changed("retries") {
		v, _ := flags.GetInt("retries")
		if v < 1 {
			return fmt.Errorf("--retries must be at least 1, got %d", v)
		}
		cfg.Agent.Attempts = v
	}
	if flags.Changed("fix-budget") {
		v, _ := flags.GetInt("fix-budget")
		if v < 0 {
			return fmt.Errorf("--fix-budget must not be negative, got %d", v)
		}
		cfg.Budgets.Fix = v
	}
	if flags.Changed("blocker-budget") {
		v, _ := flags.GetInt("blocker-budget")
		if v < 0 {
			return fmt.Errorf("--blocker-budget must not be negative, got %d", v)
		}
		cfg.Budgets.Blocker = v
	}
	return nil
}

// addAgentFlags defines the flags shared by every phase subcommand and the
// pipeline, so a pipeline can hand the same arguments to each phase.
func addAgentFlags(cmd *cobra.Command) {
	cmd.Flags().String("run-id", "", "Run to operate on (default: piped run, then the most recent run)")
	cmd.Flags().String("type", "", "Task type for plan: bug, feature, chore or refactor (skips classification)")
	cmd.Flags().String("model", "", "Model tier: small, medium or large")
	cmd.Flags().String("cli", "", "Assistant CLI: A (claude), B (codex) or C (aider)")
	cmd.Flags().Duration("timeout", 0, "Per-attempt assistant timeout (e.g. 20m)")
	cmd.Flags().Int("retries", 0, "Maximum assistant attempts per invocation")
	cmd.Flags().Int("fix-budget", 0, "Auto-fix attempts after a failing test run (test)")
	cmd.Flags().Int("blocker-budget", 0, "Blocker resolution rounds (review)")
	cmd.Flags().Bool("force", false, "Regenerate the document even if it exists (document)")
}
