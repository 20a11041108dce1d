package agent

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/mpataki/adw/internal/config"
	"github.com/mpataki/adw/internal/models"
)

func parse(b Backend, lines ...string) Result {
	p := b.NewParser()
	for _, l := range lines {
		p.Line([]byte(l))
	}
	return p.Result()
}

func TestParsers(t *testing.T) {
	cfg := config.Defaults("/work")
	newBackend := func(cli models.CLI) Backend {
		b, err := NewBackend(cli, cfg.CLIs[string(cli)])
		if err != nil {
			t.Fatal(err)
		}
		return b
	}

	tests := []struct {
		name  string
		cli   models.CLI
		lines []string
		want  Result
	}{
		{
			name:  "claude result",
			cli:   models.CLIA,
			lines: []string{`{"type":"result","subtype":"success","is_error":false,"result":"specs/plan.md"}`},
			want:  Result{Text: "specs/plan.md", Found: true},
		},
		{
			name: "claude empty result falls back to last text",
			cli:  models.CLIA,
			lines: []string{
				`{"type":"assistant","message":{"content":[{"type":"text","text":"first"}]}}`,
				`{"type":"assistant","message":{"content":[{"type":"tool_use"},{"type":"text","text":"last"}]}}`,
				`{"type":"result","subtype":"success","is_error":false,"result":""}`,
			},
			want: Result{Text: "last", Found: true},
		},
		{
			name:  "claude error subtype",
			cli:   models.CLIA,
			lines: []string{`{"type":"result","subtype":"error_max_turns","is_error":false,"result":""}`},
			want:  Result{IsError: true, Found: true},
		},
		{
			name:  "claude without result",
			cli:   models.CLIA,
			lines: []string{`not json`, `{"type":"system"}`},
			want:  Result{},
		},
		{
			name: "codex last agent message",
			cli:  models.CLIB,
			lines: []string{
				`{"type":"item.completed","item":{"type":"agent_message","text":"one"}}`,
				`{"type":"item.completed","item":{"type":"command_execution","text":"ls"}}`,
				`{"type":"item.completed","item":{"type":"agent_message","text":"two"}}`,
				`{"type":"turn.completed"}`,
			},
			want: Result{Text: "two", Found: true},
		},
		{
			name:  "codex turn failed",
			cli:   models.CLIB,
			lines: []string{`{"type":"turn.failed","error":{"message":"stream disconnected"}}`},
			want:  Result{Text: "stream disconnected", IsError: true, Found: true},
		},
		{
			name:  "aider plain text",
			cli:   models.CLIC,
			lines: []string{"Aider v0.80", "", "specs/plan.md"},
			want:  Result{Text: "Aider v0.80\n\nspecs/plan.md", Found: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parse(newBackend(tt.cli), tt.lines...); got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCommandLines(t *testing.T) {
	cfg := config.Defaults("/work")
	req := models.AgentRequest{Prompt: "hello", AllowDangerous: true}

	a, _ := NewBackend(models.CLIA, cfg.CLIs["A"])
	cmd, err := a.Command(req, "opus")
	if err != nil {
		t.Fatal(err)
	}
	args := strings.Join(cmd.Args, " ")
	if cmd.Path != "claude" || !strings.Contains(args, "-p hello") || !strings.Contains(args, "--model opus") || !strings.Contains(args, "--dangerously-skip-permissions") {
		t.Fatalf("unexpected claude command %s %s", cmd.Path, args)
	}

	b, _ := NewBackend(models.CLIB, cfg.CLIs["B"])
	cmd, _ = b.Command(models.AgentRequest{Prompt: "hello"}, "")
	args = strings.Join(cmd.Args, " ")
	if cmd.Stdin == nil || strings.Contains(args, "hello") || strings.Contains(args, "dangerously") || !strings.HasSuffix(args, " -") {
		t.Fatalf("unexpected codex command %s", args)
	}

	c, _ := NewBackend(models.CLIC, cfg.CLIs["C"])
	cmd, _ = c.Command(req, "sonnet")
	if cmd.Args[0] != "--message-file" {
		t.Fatalf("unexpected aider args %v", cmd.Args)
	}
	data, err := os.ReadFile(cmd.Args[1])
	if err != nil || string(data) != "hello" {
		t.Fatalf("prompt file not written: %v %q", err, data)
	}
	cmd.Cleanup()
	if _, err := os.Stat(cmd.Args[1]); !os.IsNotExist(err) {
		t.Fatalf("expected prompt file removed")
	}

	if _, err := NewBackend(models.CLI("Z"), config.CLIConfig{Command: "x"}); !errors.Is(err, ErrUnknownCLI) {
		t.Fatalf("expected ErrUnknownCLI, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		exit      int
		res       Result
		stderr    string
		rateLimit bool
		want      error
		retriable bool
	}{
		{"success", 0, Result{Text: "ok", Found: true}, "", false, nil, false},
		{"no final message", 0, Result{}, "", false, ErrNoResult, false},
		{"reported error", 0, Result{Text: "nope", IsError: true, Found: true}, "", false, ErrAssistantFailed, false},
		{"rate limited in transcript", 1, Result{}, "", true, ErrRateLimited, true},
		{"rate limited on stderr", 1, Result{}, "HTTP 429", false, ErrRateLimited, true},
		{"transport", 1, Result{}, "Error: read ECONNRESET", false, ErrTransport, true},
		{"rejected", 1, Result{Text: "Prompt is too long", IsError: true, Found: true}, "", false, ErrPromptRejected, false},
		{"plain exit", 2, Result{}, "panic", false, ErrAssistantFailed, false},
		{"line number is not a status", 1, Result{}, "panic: boom\nmain.go:429 +0x1d", false, ErrAssistantFailed, false},
		{"request id is not a status", 1, Result{}, "Error: invalid api key (request 8f429ab)", false, ErrAuth, false},
		{"status code form", 1, Result{}, "API error: status code: 429", false, ErrRateLimited, true},
		{"429 too many", 1, Result{}, "429 Too Many", false, ErrRateLimited, true},
		{"rejection beats transcript rate limit", 1, Result{Text: "prompt is too long", IsError: true, Found: true}, "", true, ErrPromptRejected, false},
		{"auth beats rate limit", 1, Result{}, "401 Unauthorized after rate limit retry", false, ErrAuth, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err, retriable := classify(nil, tt.exit, tt.res, tt.stderr, tt.rateLimit)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) || retriable != tt.retriable {
				t.Fatalf("got %v (retriable=%v), want %v (retriable=%v)", err, retriable, tt.want, tt.retriable)
			}
		})
	}
}

func TestPruneEnv(t *testing.T) {
	got := pruneEnv([]string{"PATH=/bin", "SECRET=x", "OPENAI_API_KEY=k", "EXTRA=1", "broken"}, []string{"OPENAI_API_KEY"}, []string{"EXTRA"})
	if strings.Join(got, ",") != "PATH=/bin,OPENAI_API_KEY=k,EXTRA=1" {
		t.Fatalf("unexpected env %v", got)
	}
}

func TestErrorEvent(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{`{"type":"result","is_error":true,"result":"rate limit reached"}`, true},
		{`{"type":"result","is_error":false,"result":"done"}`, false},
		{`{"type":"error","message":"Too Many Requests"}`, true},
		{`{"type":"turn.failed","error":{"message":"rate_limit_exceeded"}}`, true},
		{`{"type":"user","message":{"content":[{"type":"tool_result","content":"rate limit docs"}]}}`, false},
		{`litellm.RateLimitError: AnthropicException`, true},
		{`grep -n "rate limit" README.md`, false},
	}
	for _, tt := range tests {
		if got := errorEvent([]byte(tt.line)); got != tt.want {
			t.Errorf("errorEvent(%s) = %v, want %v", tt.line, got, tt.want)
		}
	}
}
