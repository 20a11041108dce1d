package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mpataki/adw/internal/apperr"
	"github.com/mpataki/adw/internal/config"
	"github.com/mpataki/adw/internal/logging"
	"github.com/mpataki/adw/internal/models"
)

const (
	claudeOK = `echo '{"type":"system","subtype":"init"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
echo '{"type":"result","subtype":"success","is_error":false,"result":"done"}'
`
	codexOK = `cat > /dev/null
echo '{"type":"thread.started","thread_id":"t1"}'
echo '{"type":"item.completed","item":{"type":"agent_message","text":"done"}}'
echo '{"type":"turn.completed","usage":{}}'
`
	aiderOK = `echo "done"
`
	failing = `echo "boom" >&2
exit 1
`
)

// fakeCLI writes an executable shell script and returns its path.
func fakeCLI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

type harness struct {
	workDir string
	cfg     config.Config
	rec     *memRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	workDir := t.TempDir()
	cfg := config.Defaults(workDir)
	cfg.Agent.Backoff = 10 * time.Millisecond
	cfg.Agent.KillGrace = 200 * time.Millisecond
	return &harness{workDir: workDir, cfg: cfg, rec: &memRecorder{}}
}

func (h *harness) setCommand(cli models.CLI, path string) {
	cc := h.cfg.CLIs[string(cli)]
	cc.Command = path
	h.cfg.CLIs[string(cli)] = cc
}

func (h *harness) invoker() *Invoker {
	return NewInvoker(&h.cfg, logging.Discard(), h.rec)
}

func (h *harness) request(cli models.CLI) models.AgentRequest {
	return models.AgentRequest{
		Prompt:         "implement the plan",
		RunID:          "abcd1234",
		AgentName:      "implementor",
		Model:          models.TierLarge,
		CLI:            cli,
		AllowDangerous: true,
		OutputFile:     filepath.Join(h.workDir, "agentic", "runs", "abcd1234", "implementor", "transcript.jsonl"),
		WorkingDir:     h.workDir,
		Timeout:        10 * time.Second,
	}
}

type memRecorder struct {
	mu       sync.Mutex
	started  []models.Execution
	finished []models.Execution
}

func (m *memRecorder) StartExecution(_ context.Context, e *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.started) + 1)
	m.started = append(m.started, *e)
	return nil
}

func (m *memRecorder) FinishExecution(_ context.Context, e *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, *e)
	return nil
}

func readTranscript(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	return string(data)
}

func TestBackendsNormalizeSuccessAndFailure(t *testing.T) {
	tests := []struct {
		cli  models.CLI
		ok   string
		fail string
	}{
		{models.CLIA, claudeOK, failing},
		{models.CLIB, codexOK, failing},
		{models.CLIC, aiderOK, failing},
	}
	for _, tt := range tests {
		t.Run(string(tt.cli), func(t *testing.T) {
			h := newHarness(t)
			h.setCommand(tt.cli, fakeCLI(t, tt.ok))
			resp, err := h.invoker().PromptWithRetry(context.Background(), h.request(tt.cli))
			if err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if !resp.Success || resp.Output != "done" || resp.ExitCode != 0 || resp.Attempts != 1 {
				t.Fatalf("unexpected response %+v", resp)
			}

			h.setCommand(tt.cli, fakeCLI(t, tt.fail))
			resp, err = h.invoker().PromptWithRetry(context.Background(), h.request(tt.cli))
			if err == nil || resp.Success {
				t.Fatalf("expected failure, got %+v", resp)
			}
			if !errors.Is(err, ErrAssistantFailed) || resp.Attempts != 1 {
				t.Fatalf("expected single non-retriable failure, got %v after %d attempts", err, resp.Attempts)
			}
			if apperr.ExitCode(err) != apperr.ExitAgent {
				t.Fatalf("expected exit 4, got %d", apperr.ExitCode(err))
			}
			if !strings.Contains(err.Error(), resp.TranscriptPath) {
				t.Fatalf("expected transcript path in %q", err)
			}
		})
	}
}

func TestTimeoutRetriesThenFails(t *testing.T) {
	h := newHarness(t)
	h.setCommand(models.CLIA, fakeCLI(t, "sleep 5\n"))
	req := h.request(models.CLIA)
	req.Timeout = time.Second

	start := time.Now()
	resp, err := h.invoker().PromptWithRetry(context.Background(), req)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if apperr.ExitCode(err) != apperr.ExitAgent {
		t.Fatalf("expected exit 4, got %d", apperr.ExitCode(err))
	}
	if resp.Attempts != 3 || !resp.TimedOut {
		t.Fatalf("expected 3 timed out attempts, got %+v", resp)
	}
	if elapsed > 4500*time.Millisecond {
		t.Fatalf("attempts were not cut off at the timeout: %s", elapsed)
	}

	tr := readTranscript(t, req.OutputFile)
	if n := strings.Count(tr, `"type":"retry"`); n != 2 {
		t.Fatalf("expected 2 retry markers, got %d:\n%s", n, tr)
	}
	if n := strings.Count(tr, `"timed_out":true`); n != 3 {
		t.Fatalf("expected 3 timed out attempts in transcript, got %d", n)
	}

	if len(h.rec.finished) != 3 {
		t.Fatalf("expected 3 ledger records, got %d", len(h.rec.finished))
	}
	for _, e := range h.rec.finished {
		if e.Status != models.ExecStatusTimeout || e.PID == nil || e.Phase != "build" {
			t.Fatalf("unexpected execution record %+v", e)
		}
	}
}

func TestRateLimitIsRetried(t *testing.T) {
	h := newHarness(t)
	counter := filepath.Join(t.TempDir(), "calls")
	script := `n=$(cat ` + counter + ` 2>/dev/null || echo 0)
n=$((n+1))
echo $n > ` + counter + `
if [ "$n" -lt 2 ]; then
  echo "Error: 429 Too Many Requests" >&2
  exit 1
fi
echo done
`
	h.setCommand(models.CLIC, fakeCLI(t, script))
	resp, err := h.invoker().PromptWithRetry(context.Background(), h.request(models.CLIC))
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if resp.Attempts != 2 || resp.Output != "done" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestNonRetriableShortCircuits(t *testing.T) {
	t.Run("unknown executable", func(t *testing.T) {
		h := newHarness(t)
		h.setCommand(models.CLIA, filepath.Join(t.TempDir(), "missing-claude"))
		resp, err := h.invoker().PromptWithRetry(context.Background(), h.request(models.CLIA))
		if !errors.Is(err, ErrUnknownCLI) || resp.Attempts != 1 {
			t.Fatalf("expected unknown cli after 1 attempt, got %v (%d)", err, resp.Attempts)
		}
	})
	t.Run("unknown variant", func(t *testing.T) {
		h := newHarness(t)
		resp, err := h.invoker().PromptWithRetry(context.Background(), h.request(models.CLI("Z")))
		if !errors.Is(err, ErrUnknownCLI) || resp.Attempts != 0 {
			t.Fatalf("expected unknown cli, got %v", err)
		}
	})
	t.Run("missing working dir", func(t *testing.T) {
		h := newHarness(t)
		h.setCommand(models.CLIA, fakeCLI(t, claudeOK))
		req := h.request(models.CLIA)
		req.WorkingDir = filepath.Join(h.workDir, "gone")
		if _, err := h.invoker().PromptWithRetry(context.Background(), req); !errors.Is(err, ErrWorkDirMissing) {
			t.Fatalf("expected ErrWorkDirMissing, got %v", err)
		}
	})
	t.Run("rejected prompt", func(t *testing.T) {
		h := newHarness(t)
		h.setCommand(models.CLIA, fakeCLI(t, `echo '{"type":"result","subtype":"error_during_execution","is_error":true,"result":"Prompt is too long"}'
exit 1
`))
		resp, err := h.invoker().PromptWithRetry(context.Background(), h.request(models.CLIA))
		if !errors.Is(err, ErrPromptRejected) || resp.Attempts != 1 {
			t.Fatalf("expected rejected prompt after 1 attempt, got %v (%d)", err, resp.Attempts)
		}
	})
}

func TestEnvironmentIsPruned(t *testing.T) {
	h := newHarness(t)
	t.Setenv("ADW_TEST_SECRET", "leak")
	t.Setenv("ANTHROPIC_API_KEY", "key")
	h.setCommand(models.CLIC, fakeCLI(t, `echo "secret=${ADW_TEST_SECRET:-unset} key=${ANTHROPIC_API_KEY:-unset} run=$ADW_RUN_ID prompt=$(cat "$2")"
`))
	resp, err := h.invoker().PromptWithRetry(context.Background(), h.request(models.CLIC))
	if err != nil {
		t.Fatal(err)
	}
	want := "secret=unset key=key run=abcd1234 prompt=implement the plan"
	if resp.Output != want {
		t.Fatalf("got %q, want %q", resp.Output, want)
	}
}

func TestCancelKillsProcessGroup(t *testing.T) {
	h := newHarness(t)
	h.setCommand(models.CLIA, fakeCLI(t, "sleep 30 &\nwait\n"))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	_, err := h.invoker().PromptWithRetry(ctx, h.request(models.CLIA))
	if apperr.ExitCode(err) != apperr.ExitCancelled {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancellation took %s", elapsed)
	}
	if len(h.rec.finished) != 1 || h.rec.finished[0].Status != models.ExecStatusKilled {
		t.Fatalf("unexpected ledger records %+v", h.rec.finished)
	}
}

func TestTranscriptMarkers(t *testing.T) {
	h := newHarness(t)
	h.setCommand(models.CLIC, fakeCLI(t, aiderOK))
	req := h.request(models.CLIC)
	inv := h.invoker()
	for i := 0; i < 2; i++ {
		if _, err := inv.PromptWithRetry(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	tr := readTranscript(t, req.OutputFile)
	if n := strings.Count(tr, `"type":"invocation"`); n != 2 {
		t.Fatalf("expected 2 invocation markers, got %d", n)
	}
	if !strings.Contains(tr, `{"text":"done","type":"text"}`) {
		t.Fatalf("expected plain text wrapped as JSON:\n%s", tr)
	}
	for _, line := range strings.Split(strings.TrimSpace(tr), "\n") {
		if !strings.HasPrefix(line, "{") {
			t.Fatalf("non-JSON transcript line %q", line)
		}
	}
}
