// Package agent runs assistant CLIs. Each CLI variant is a Backend that
// knows how to build the command line and how to read the final message out
// of the variant's output; the Invoker handles processes, transcripts,
// timeouts and retries for all of them.
package agent

import (
	"errors"
	"fmt"
	"io"

	"github.com/mpataki/adw/internal/config"
	"github.com/mpataki/adw/internal/models"
)

var (
	ErrUnknownCLI      = errors.New("unknown assistant cli")
	ErrWorkDirMissing  = errors.New("working directory missing")
	ErrPromptRejected  = errors.New("prompt rejected")
	ErrTimeout         = errors.New("assistant timed out")
	ErrRateLimited     = errors.New("assistant rate limited")
	ErrAuth            = errors.New("assistant authentication failed")
	ErrTransport       = errors.New("assistant transport error")
	ErrNoResult        = errors.New("assistant produced no final message")
	ErrAssistantFailed = errors.New("assistant reported failure")
)

// Command is a fully built child process description.
type Command struct {
	Path  string
	Args  []string
	Stdin io.Reader

	// Cleanup removes anything Command created (temp files); may be nil.
	Cleanup func()
}

// Result is the final message extracted from one attempt's output.
type Result struct {
	Text    string
	IsError bool
	Found   bool
}

// Parser consumes an attempt's stdout line by line.
type Parser interface {
	Line(line []byte)
	Result() Result
}

// Backend is one assistant CLI variant.
type Backend interface {
	Name() string
	CLI() models.CLI
	Command(req models.AgentRequest, model string) (*Command, error)
	NewParser() Parser
	// EnvKeys lists environment variables the CLI needs passed through.
	EnvKeys() []string
}

type factory func(cc config.CLIConfig) Backend

var backends = map[models.CLI]factory{
	models.CLIA: func(cc config.CLIConfig) Backend { return &claude{cc: cc} },
	models.CLIB: func(cc config.CLIConfig) Backend { return &codex{cc: cc} },
	models.CLIC: func(cc config.CLIConfig) Backend { return &aider{cc: cc} },
}

// NewBackend returns the backend for cli using its launch configuration.
func NewBackend(cli models.CLI, cc config.CLIConfig) (Backend, error) {
	f, ok := backends[cli]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownCLI, cli)
	}
	if cc.Command == "" {
		return nil, fmt.Errorf("%w %q: no command configured", ErrUnknownCLI, cli)
	}
	return f(cc), nil
}
