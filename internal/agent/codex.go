package agent

import (
	"encoding/json"
	"strings"

	"github.com/mpataki/adw/internal/config"
	"github.com/mpataki/adw/internal/models"
)

// codex drives CLI B: `codex exec --json -` with the prompt on stdin. It
// emits JSONL events; the last agent message of a completed turn is the
// result.
type codex struct {
	cc config.CLIConfig
}

func (c *codex) Name() string      { return "codex" }
func (c *codex) CLI() models.CLI   { return models.CLIB }
func (c *codex) EnvKeys() []string { return c.cc.Env }

func (c *codex) Command(req models.AgentRequest, model string) (*Command, error) {
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.AllowDangerous {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}
	args = append(args, c.cc.Args...)
	args = append(args, "-")
	return &Command{Path: c.cc.Command, Args: args, Stdin: strings.NewReader(req.Prompt)}, nil
}

func (c *codex) NewParser() Parser { return &codexParser{} }

type codexEvent struct {
	Type string `json:"type"`
	Item struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

type codexParser struct {
	lastMessage string
	failure     string
	completed   bool
}

func (p *codexParser) Line(line []byte) {
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	switch ev.Type {
	case "item.completed":
		if ev.Item.Type == "agent_message" || ev.Item.Type == "assistant_message" {
			p.lastMessage = ev.Item.Text
		}
	case "turn.completed":
		p.completed = true
	case "turn.failed":
		p.failure = ev.Error.Message
	case "error":
		p.failure = ev.Message
	}
}

func (p *codexParser) Result() Result {
	switch {
	case p.failure != "":
		return Result{Text: p.failure, IsError: true, Found: true}
	case p.completed || p.lastMessage != "":
		return Result{Text: p.lastMessage, Found: p.lastMessage != ""}
	}
	return Result{}
}
