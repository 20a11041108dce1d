package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mpataki/adw/internal/models"
)

const (
	// AgenticDir is created inside every working directory adw operates on.
	AgenticDir = "agentic"

	yamlFile = "config.yaml"
	tomlFile = "config.toml"
)

// CLIConfig describes how to launch one assistant variant.
type CLIConfig struct {
	Command string            `yaml:"command" toml:"command"`
	Args    []string          `yaml:"args,omitempty" toml:"args,omitempty"`
	Models  map[string]string `yaml:"models,omitempty" toml:"models,omitempty"`
	Env     []string          `yaml:"env,omitempty" toml:"env,omitempty"`
}

// Model returns the concrete model id for tier, or "" to let the CLI choose.
func (c CLIConfig) Model(tier models.ModelTier) string {
	return c.Models[string(tier)]
}

type Logging struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file,omitempty" toml:"file,omitempty"`
}

// Agent holds invocation defaults that flags may override per command.
type Agent struct {
	CLI            string        `yaml:"cli" toml:"cli"`
	Model          string        `yaml:"model" toml:"model"`
	Timeout        time.Duration `yaml:"timeout" toml:"timeout"`
	Attempts       int           `yaml:"attempts" toml:"attempts"`
	Backoff        time.Duration `yaml:"backoff" toml:"backoff"`
	KillGrace      time.Duration `yaml:"kill_grace" toml:"kill_grace"`
	AllowDangerous bool          `yaml:"allow_dangerous" toml:"allow_dangerous"`
	Passthrough    []string      `yaml:"env_passthrough,omitempty" toml:"env_passthrough,omitempty"`
}

type Budgets struct {
	Fix     int `yaml:"fix" toml:"fix"`
	Blocker int `yaml:"blocker" toml:"blocker"`
}

// Config holds the runtime configuration for one working directory.
type Config struct {
	// WorkDir is the absolute directory runs operate against.
	WorkDir string `yaml:"-" toml:"-"`

	// LedgerPath is the sqlite ledger; "off" disables it.
	LedgerPath string `yaml:"ledger" toml:"ledger"`

	TemplateDirs []string             `yaml:"template_dirs,omitempty" toml:"template_dirs,omitempty"`
	Agent        Agent                `yaml:"agent" toml:"agent"`
	Budgets      Budgets              `yaml:"budgets" toml:"budgets"`
	CLIs         map[string]CLIConfig `yaml:"clis" toml:"clis"`
	Logging      Logging              `yaml:"logging" toml:"logging"`

	// Source is the config file that was loaded, if any.
	Source string `yaml:"-" toml:"-"`
}

// Defaults returns the built-in configuration for workDir.
func Defaults(workDir string) Config {
	return Config{
		WorkDir:    workDir,
		LedgerPath: filepath.Join(workDir, AgenticDir, "ledger.db"),
		Agent: Agent{
			CLI:       string(models.CLIA),
			Model:     string(models.TierLarge),
			Timeout:   30 * time.Minute,
			Attempts:  3,
			Backoff:   2 * time.Second,
			KillGrace: 1500 * time.Millisecond,
		},
		Budgets: Budgets{Fix: 2, Blocker: 2},
		CLIs: map[string]CLIConfig{
			string(models.CLIA): {
				Command: "claude",
				Models:  map[string]string{"small": "haiku", "medium": "sonnet", "large": "opus"},
				Env:     []string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_USE_BEDROCK", "CLAUDE_CODE_USE_VERTEX", "CLAUDE_CONFIG_DIR"},
			},
			string(models.CLIB): {
				Command: "codex",
				Models:  map[string]string{"small": "gpt-5-mini", "medium": "gpt-5", "large": "gpt-5-codex"},
				Env:     []string{"OPENAI_API_KEY", "OPENAI_BASE_URL", "CODEX_HOME"},
			},
			string(models.CLIC): {
				Command: "aider",
				Models:  map[string]string{"small": "haiku", "medium": "sonnet", "large": "opus"},
				Env:     []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "AIDER_MODEL"},
			},
		},
		Logging: Logging{Level: "warn", Format: "text"},
	}
}

// Load returns the configuration for workDir using the hierarchy
// defaults < agentic/config.yaml|toml < ADW_* environment.
func Load(workDir string) (*Config, error) {
	abs, err := ResolveWorkDir(workDir)
	if err != nil {
		return nil, err
	}
	cfg := Defaults(abs)
	if err := loadFile(&cfg, filepath.Join(abs, AgenticDir)); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	loadEnv(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

// ResolveWorkDir makes dir absolute (defaulting to the process cwd) and
// checks that it exists and is a directory.
func ResolveWorkDir(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("determine working directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("working directory %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s is not a directory", abs)
	}
	return abs, nil
}

// RunsDir is <work>/agentic/runs.
func (c *Config) RunsDir() string {
	return filepath.Join(c.WorkDir, AgenticDir, "runs")
}

// LedgerEnabled reports whether the sqlite ledger should be opened.
func (c *Config) LedgerEnabled() bool {
	return c.LedgerPath != "" && c.LedgerPath != "off"
}

// CLI returns the launch configuration for the given variant.
func (c *Config) CLI(cli models.CLI) (CLIConfig, bool) {
	cc, ok := c.CLIs[string(cli)]
	return cc, ok
}

// EnsureAgenticDir creates <work>/agentic/runs.
func (c *Config) EnsureAgenticDir() error {
	return os.MkdirAll(c.RunsDir(), 0755)
}
