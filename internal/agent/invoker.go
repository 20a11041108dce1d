package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/adw/internal/apperr"
	"github.com/mpataki/adw/internal/config"
	"github.com/mpataki/adw/internal/models"
)

// Recorder receives one record per attempt. The sqlite ledger implements it.
type Recorder interface {
	StartExecution(ctx context.Context, e *models.Execution) error
	FinishExecution(ctx context.Context, e *models.Execution) error
}

// Invoker runs assistant CLIs with timeouts and retries.
type Invoker struct {
	cfg       *config.Config
	log       *slog.Logger
	recorder  Recorder
	attempts  int
	backoff   time.Duration
	killGrace time.Duration
	environ   func() []string
}

// NewInvoker returns an Invoker using the agent settings in cfg. rec may be
// nil.
func NewInvoker(cfg *config.Config, log *slog.Logger, rec Recorder) *Invoker {
	return &Invoker{
		cfg:       cfg,
		log:       log,
		recorder:  rec,
		attempts:  cfg.Agent.Attempts,
		backoff:   cfg.Agent.Backoff,
		killGrace: cfg.Agent.KillGrace,
		environ:   os.Environ,
	}
}

// PromptWithRetry runs req until it succeeds, fails with a non-retriable
// error, or the attempt budget is spent. The response is returned in every
// case so callers can record what happened; err is an apperr Agent or
// Cancelled error when the invocation did not succeed.
func (inv *Invoker) PromptWithRetry(ctx context.Context, req models.AgentRequest) (*models.AgentResponse, error) {
	start := time.Now()
	resp := &models.AgentResponse{TranscriptPath: req.OutputFile, ExitCode: -1}
	op := "invoke " + req.AgentName

	if strings.TrimSpace(req.Prompt) == "" {
		return resp, apperr.Agent(op, fmt.Errorf("%w: empty prompt", ErrPromptRejected), "")
	}
	cc, _ := inv.cfg.CLI(req.CLI)
	backend, err := NewBackend(req.CLI, cc)
	if err != nil {
		return resp, apperr.Agent(op, err, "")
	}
	if info, err := os.Stat(req.WorkingDir); err != nil || !info.IsDir() {
		return resp, apperr.Agent(op, fmt.Errorf("%w: %s", ErrWorkDirMissing, req.WorkingDir), "")
	}
	tr, err := openTranscript(req.OutputFile)
	if err != nil {
		return resp, apperr.Agent(op, err, "")
	}
	defer tr.Close()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = inv.cfg.Agent.Timeout
	}
	model := cc.Model(req.Model)
	log := inv.log.With("run_id", req.RunID, "agent", req.AgentName, "cli", backend.Name())

	tr.event("invocation", map[string]any{
		"run_id":  req.RunID,
		"agent":   req.AgentName,
		"cli":     string(req.CLI),
		"model":   model,
		"tier":    string(req.Model),
		"timeout": timeout.String(),
	})

	var (
		last    outcome
		attempt int
	)
	err = retry.Do(ctx, inv.newBackoff(), func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			tr.event("retry", map[string]any{"attempt": attempt, "reason": last.err.Error()})
			log.Warn("retrying assistant", "attempt", attempt, "reason", last.err)
		}
		last = inv.runOnce(ctx, backend, req, model, timeout, attempt, tr, log)
		switch {
		case last.err == nil:
			return nil
		case last.retriable:
			return retry.RetryableError(last.err)
		default:
			return last.err
		}
	})

	resp.Attempts = attempt
	resp.Duration = time.Since(start)
	resp.ExitCode = last.exitCode
	resp.TimedOut = last.timedOut
	resp.Output = last.result.Text
	if err == nil {
		resp.Success = true
		return resp, nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return resp, apperr.Cancelled(op)
	}
	log.Error("assistant failed", "attempts", attempt, "error", err)
	return resp, apperr.Agent(fmt.Sprintf("%s via %s after %d attempt(s)", req.AgentName, backend.Name(), attempt), err, req.OutputFile)
}

func (inv *Invoker) newBackoff() retry.Backoff {
	var b retry.Backoff
	if inv.backoff > 0 {
		b = retry.WithJitterPercent(25, retry.NewExponential(inv.backoff))
	} else {
		b = retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	}
	retries := inv.attempts - 1
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), b)
}

type outcome struct {
	result    Result
	exitCode  int
	timedOut  bool
	err       error
	retriable bool
}

func (inv *Invoker) runOnce(ctx context.Context, b Backend, req models.AgentRequest, model string, timeout time.Duration, attempt int, tr *transcript, log *slog.Logger) outcome {
	out := outcome{exitCode: -1}
	spec, err := b.Command(req, model)
	if err != nil {
		out.err = err
		return out
	}
	if spec.Cleanup != nil {
		defer spec.Cleanup()
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = append(pruneEnv(inv.environ(), b.EnvKeys(), inv.cfg.Agent.Passthrough),
		"ADW_RUN_ID="+req.RunID, "ADW_AGENT="+req.AgentName)
	cmd.Stdin = spec.Stdin
	configureProc(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		out.err = fmt.Errorf("stdout pipe: %w", err)
		return out
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		out.err = fmt.Errorf("stderr pipe: %w", err)
		return out
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			out.err = fmt.Errorf("%w: %s: %v", ErrUnknownCLI, spec.Path, err)
		} else {
			out.err = fmt.Errorf("start %s: %w", spec.Path, err)
		}
		return out
	}
	pid := cmd.Process.Pid
	exe := &models.Execution{
		RunID:          req.RunID,
		Phase:          string(models.PhaseForAgent(req.AgentName)),
		AgentName:      req.AgentName,
		CLI:            string(b.CLI()),
		Model:          model,
		Attempt:        attempt,
		Status:         models.ExecStatusRunning,
		PID:            &pid,
		OwnerPID:       os.Getpid(),
		StartedAt:      started,
		TranscriptPath: req.OutputFile,
	}
	inv.recordStart(ctx, exe, log)
	log.Info("assistant started", "attempt", attempt, "pid", pid, "model", model)

	parser := b.NewParser()
	errTail := &tailBuffer{max: 8 << 10}
	rateLimited := false

	var g errgroup.Group
	g.Go(func() error {
		return drainLines(stdout, func(line []byte) {
			tr.output(line)
			parser.Line(line)
			if !rateLimited && errorEvent(line) && hasSignal(line, rateLimitSignals) {
				rateLimited = true
			}
		})
	})
	g.Go(func() error {
		_, err := io.Copy(errTail, stderr)
		return err
	})

	done := make(chan error, 1)
	go func() {
		drainErr := g.Wait()
		waitErr := cmd.Wait()
		if waitErr == nil && drainErr != nil && !errors.Is(drainErr, os.ErrClosed) {
			waitErr = drainErr
		}
		done <- waitErr
	}()

	closePipes := func() {
		stdout.Close()
		stderr.Close()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		waitErr   error
		cancelled bool
	)
	select {
	case waitErr = <-done:
	case <-timer.C:
		out.timedOut = true
		log.Warn("assistant timed out, killing process group", "pid", pid, "timeout", timeout)
		killGroup(pid)
		waitErr = inv.awaitExit(done, closePipes)
	case <-ctx.Done():
		cancelled = true
		log.Warn("cancelling assistant", "pid", pid)
		terminateGroup(pid)
		select {
		case waitErr = <-done:
		case <-time.After(inv.killGrace):
			killGroup(pid)
			waitErr = inv.awaitExit(done, closePipes)
		}
	}

	if cmd.ProcessState != nil {
		out.exitCode = cmd.ProcessState.ExitCode()
	}
	out.result = parser.Result()

	switch {
	case cancelled:
		out.err = context.Canceled
	case out.timedOut:
		out.err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		out.retriable = true
	default:
		out.err, out.retriable = classify(waitErr, out.exitCode, out.result, errTail.String(), rateLimited)
	}

	marker := map[string]any{
		"attempt":     attempt,
		"pid":         pid,
		"exit_code":   out.exitCode,
		"timed_out":   out.timedOut,
		"duration_ms": time.Since(started).Milliseconds(),
	}
	if out.err != nil {
		marker["error"] = out.err.Error()
		if tail := strings.TrimSpace(errTail.String()); tail != "" {
			marker["stderr_tail"] = tail
		}
	}
	tr.event("attempt_end", marker)

	inv.recordFinish(ctx, exe, out, log)
	return out
}

// awaitExit waits for the process to be reaped. If a descendant outside the
// process group still holds the pipes open, they are closed after the kill
// grace period so the readers return.
func (inv *Invoker) awaitExit(done <-chan error, closePipes func()) error {
	select {
	case err := <-done:
		return err
	case <-time.After(inv.killGrace):
		closePipes()
		return <-done
	}
}

func (inv *Invoker) recordStart(ctx context.Context, e *models.Execution, log *slog.Logger) {
	if inv.recorder == nil {
		return
	}
	if err := inv.recorder.StartExecution(context.WithoutCancel(ctx), e); err != nil {
		log.Warn("ledger: record start failed", "error", err)
	}
}

func (inv *Invoker) recordFinish(ctx context.Context, e *models.Execution, out outcome, log *slog.Logger) {
	if inv.recorder == nil {
		return
	}
	now := time.Now()
	e.CompletedAt = &now
	code := out.exitCode
	e.ExitCode = &code
	switch {
	case out.err == nil:
		e.Status = models.ExecStatusComplete
	case out.timedOut:
		e.Status = models.ExecStatusTimeout
	case errors.Is(out.err, context.Canceled):
		e.Status = models.ExecStatusKilled
	default:
		e.Status = models.ExecStatusFailed
	}
	if out.err != nil {
		e.Error = out.err.Error()
	}
	if err := inv.recorder.FinishExecution(context.WithoutCancel(ctx), e); err != nil {
		log.Warn("ledger: record finish failed", "error", err)
	}
}

var (
	rateLimitSignals = []string{"rate limit", "rate_limit", "ratelimit", "too many requests", "overloaded", "usage limit"}
	transportSignals = []string{
		"econnreset", "econnrefused", "etimedout", "connection reset", "connection refused",
		"network error", "socket hang up", "fetch failed", "502 bad gateway", "503 service",
		"tls handshake", "no such host", "i/o timeout", "stream disconnected",
	}
	rejectSignals = []string{"prompt is too long", "invalid_request", "content policy", "context length", "prompt rejected"}
	authSignals   = []string{"invalid api key", "invalid x-api-key", "authentication_error", "unauthorized", "not logged in", "please run /login"}

	// status429 matches 429 only where it is an HTTP status, not a line
	// number or part of an id.
	status429 = regexp.MustCompile(`(?:\b(?:http|status|status code|code)[/0-9.]*[\s:=]+429\b|\b429\s+too many)`)
)

// errorEvent reports whether a stdout line is an error event emitted by the
// CLI itself rather than assistant or tool output: a stream-json result with
// is_error, a codex error or turn.failed event, or a litellm error line
// printed by aider.
func errorEvent(line []byte) bool {
	var ev struct {
		Type    string `json:"type"`
		IsError bool   `json:"is_error"`
	}
	if err := json.Unmarshal(line, &ev); err != nil {
		return bytes.HasPrefix(bytes.TrimSpace(line), []byte("litellm."))
	}
	switch ev.Type {
	case "result":
		return ev.IsError
	case "error", "turn.failed":
		return true
	}
	return false
}

// classify turns an attempt's exit into an error (nil on success) and
// whether it is worth retrying.
func classify(waitErr error, exitCode int, res Result, stderr string, rateLimited bool) (error, bool) {
	if waitErr == nil && exitCode == 0 && res.Found && !res.IsError {
		return nil, false
	}

	text := strings.ToLower(stderr)
	if res.IsError {
		text += "\n" + strings.ToLower(res.Text)
	}
	detail := snippet(res, stderr)

	switch {
	case containsAny(text, rejectSignals):
		return fmt.Errorf("%w%s", ErrPromptRejected, detail), false
	case containsAny(text, authSignals):
		return fmt.Errorf("%w%s", ErrAuth, detail), false
	case rateLimited || containsAny(text, rateLimitSignals) || status429.MatchString(text):
		return fmt.Errorf("%w%s", ErrRateLimited, detail), true
	case containsAny(text, transportSignals):
		return fmt.Errorf("%w%s", ErrTransport, detail), true
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(waitErr, &exitErr) || exitCode > 0:
		return fmt.Errorf("%w: exit status %d%s", ErrAssistantFailed, exitCode, detail), false
	case waitErr != nil:
		return fmt.Errorf("%w: %v", ErrTransport, waitErr), true
	case res.IsError:
		return fmt.Errorf("%w%s", ErrAssistantFailed, detail), false
	}
	return ErrNoResult, false
}

func snippet(res Result, stderr string) string {
	s := strings.TrimSpace(stderr)
	if res.IsError && res.Text != "" {
		s = strings.TrimSpace(res.Text)
	}
	if s == "" {
		return ""
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return ": " + s
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func hasSignal(line []byte, needles []string) bool {
	lower := bytes.ToLower(line)
	for _, n := range needles {
		if bytes.Contains(lower, []byte(n)) {
			return true
		}
	}
	return false
}

// drainLines calls fn for every non-empty line read from r. Lines have no
// length limit.
func drainLines(r io.Reader, fn func(line []byte)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := bytes.TrimRight(line, "\r\n"); len(bytes.TrimSpace(trimmed)) > 0 {
			fn(trimmed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
