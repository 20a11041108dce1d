package agent

import (
	"fmt"
	"os"
	"strings"

	"github.com/mpataki/adw/internal/config"
	"github.com/mpataki/adw/internal/models"
)

// aider drives CLI C: the prompt is written to a temp file passed with
// --message-file and the output is plain text. The whole trimmed output is
// the final message.
type aider struct {
	cc config.CLIConfig
}

func (a *aider) Name() string      { return "aider" }
func (a *aider) CLI() models.CLI   { return models.CLIC }
func (a *aider) EnvKeys() []string { return a.cc.Env }

func (a *aider) Command(req models.AgentRequest, model string) (*Command, error) {
	f, err := os.CreateTemp("", "adw-prompt-*.md")
	if err != nil {
		return nil, fmt.Errorf("create prompt file: %w", err)
	}
	if _, err := f.WriteString(req.Prompt); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("write prompt file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("close prompt file: %w", err)
	}

	args := []string{"--message-file", f.Name(), "--no-pretty", "--no-stream", "--no-check-update"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.AllowDangerous {
		args = append(args, "--yes-always")
	}
	args = append(args, a.cc.Args...)
	name := f.Name()
	return &Command{Path: a.cc.Command, Args: args, Cleanup: func() { os.Remove(name) }}, nil
}

func (a *aider) NewParser() Parser { return &aiderParser{} }

type aiderParser struct {
	lines []string
}

func (p *aiderParser) Line(line []byte) {
	p.lines = append(p.lines, string(line))
}

func (p *aiderParser) Result() Result {
	text := strings.TrimSpace(strings.Join(p.lines, "\n"))
	return Result{Text: text, Found: text != ""}
}
