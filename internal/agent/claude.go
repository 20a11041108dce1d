package agent

import (
	"encoding/json"
	"strings"

	"github.com/mpataki/adw/internal/config"
	"github.com/mpataki/adw/internal/models"
)

// claude drives CLI A: prompt passed with -p, stream-json events on stdout
// ending in a {"type":"result"} event.
type claude struct {
	cc config.CLIConfig
}

func (c *claude) Name() string      { return "claude" }
func (c *claude) CLI() models.CLI   { return models.CLIA }
func (c *claude) EnvKeys() []string { return c.cc.Env }

func (c *claude) Command(req models.AgentRequest, model string) (*Command, error) {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.AllowDangerous {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, c.cc.Args...)
	return &Command{Path: c.cc.Command, Args: args}, nil
}

func (c *claude) NewParser() Parser { return &claudeParser{} }

type claudeEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

type claudeParser struct {
	result   Result
	lastText string
}

func (p *claudeParser) Line(line []byte) {
	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	switch ev.Type {
	case "result":
		p.result = Result{
			Text:    ev.Result,
			IsError: ev.IsError || (ev.Subtype != "" && ev.Subtype != "success"),
			Found:   true,
		}
	case "assistant":
		var parts []string
		for _, c := range ev.Message.Content {
			if c.Type == "text" && c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
		if len(parts) > 0 {
			p.lastText = strings.Join(parts, "\n")
		}
	}
}

func (p *claudeParser) Result() Result {
	if p.result.Found && p.result.Text == "" && !p.result.IsError {
		p.result.Text = p.lastText
	}
	return p.result
}
