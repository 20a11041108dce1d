package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/adw/internal/models"
)

// loadFile overlays agentic/config.yaml (or config.toml) onto cfg. A missing
// file is not an error. When both exist the YAML file wins.
func loadFile(cfg *Config, dir string) error {
	defaults := cfg.CLIs
	cfg.CLIs = nil
	defer func() { cfg.CLIs = mergeCLIs(defaults, cfg.CLIs) }()

	yamlPath := filepath.Join(dir, yamlFile)
	data, err := os.ReadFile(yamlPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", yamlPath, err)
		}
		cfg.Source = yamlPath
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read %s: %w", yamlPath, err)
	}

	tomlPath := filepath.Join(dir, tomlFile)
	if _, err := os.Stat(tomlPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", tomlPath, err)
	}
	if _, err := toml.DecodeFile(tomlPath, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", tomlPath, err)
	}
	cfg.Source = tomlPath
	return nil
}

// mergeCLIs overlays file-provided CLI entries onto the defaults field by
// field so a file can change one model id without restating the rest.
func mergeCLIs(defaults, file map[string]CLIConfig) map[string]CLIConfig {
	out := make(map[string]CLIConfig, len(defaults))
	for k, v := range defaults {
		tiers := make(map[string]string, len(v.Models))
		for tier, id := range v.Models {
			tiers[tier] = id
		}
		v.Models = tiers
		out[k] = v
	}
	for k, v := range file {
		key := strings.ToUpper(strings.TrimSpace(k))
		if cli, err := models.ParseCLI(key); err == nil {
			key = string(cli)
		}
		base := out[key]
		if v.Command != "" {
			base.Command = v.Command
		}
		if len(v.Args) > 0 {
			base.Args = v.Args
		}
		if len(v.Env) > 0 {
			base.Env = v.Env
		}
		if base.Models == nil {
			base.Models = map[string]string{}
		}
		for tier, id := range v.Models {
			base.Models[tier] = id
		}
		out[key] = base
	}
	return out
}

// loadEnv overlays ADW_* environment variables onto cfg.
// Only non-empty values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Agent.CLI, "ADW_CLI")
	setString(&cfg.Agent.Model, "ADW_MODEL")
	setDuration(&cfg.Agent.Timeout, "ADW_TIMEOUT")
	setInt(&cfg.Agent.Attempts, "ADW_ATTEMPTS")
	setDuration(&cfg.Agent.Backoff, "ADW_BACKOFF")
	setDuration(&cfg.Agent.KillGrace, "ADW_KILL_GRACE")
	setBool(&cfg.Agent.AllowDangerous, "ADW_ALLOW_DANGEROUS")
	setInt(&cfg.Budgets.Fix, "ADW_FIX_BUDGET")
	setInt(&cfg.Budgets.Blocker, "ADW_BLOCKER_BUDGET")
	setString(&cfg.LedgerPath, "ADW_LEDGER")
	setString(&cfg.Logging.Level, "ADW_LOG_LEVEL")
	setString(&cfg.Logging.Format, "ADW_LOG_FORMAT")
	setString(&cfg.Logging.File, "ADW_LOG_FILE")

	if v := os.Getenv("ADW_TEMPLATE_DIR"); v != "" {
		cfg.TemplateDirs = append([]string{v}, cfg.TemplateDirs...)
	}

	for _, cli := range []models.CLI{models.CLIA, models.CLIB, models.CLIC} {
		if v := os.Getenv("ADW_CLI_" + string(cli) + "_COMMAND"); v != "" {
			cc := cfg.CLIs[string(cli)]
			cc.Command = v
			cfg.CLIs[string(cli)] = cc
		}
	}
}

func validate(cfg *Config) error {
	if _, err := models.ParseCLI(cfg.Agent.CLI); err != nil {
		return err
	}
	if _, err := models.ParseModelTier(cfg.Agent.Model); err != nil {
		return err
	}
	if cfg.Agent.Attempts < 1 {
		return fmt.Errorf("agent.attempts must be at least 1, got %d", cfg.Agent.Attempts)
	}
	if cfg.Agent.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive, got %s", cfg.Agent.Timeout)
	}
	if cfg.Agent.Backoff < 0 {
		return fmt.Errorf("agent.backoff must not be negative, got %s", cfg.Agent.Backoff)
	}
	if cfg.Budgets.Fix < 0 || cfg.Budgets.Blocker < 0 {
		return fmt.Errorf("budgets must not be negative (fix=%d blocker=%d)", cfg.Budgets.Fix, cfg.Budgets.Blocker)
	}
	for name, cc := range cfg.CLIs {
		if strings.TrimSpace(cc.Command) == "" {
			return fmt.Errorf("clis.%s.command is empty", name)
		}
	}
	for i, dir := range cfg.TemplateDirs {
		if !filepath.IsAbs(dir) {
			cfg.TemplateDirs[i] = filepath.Join(cfg.WorkDir, dir)
		}
	}
	if cfg.LedgerEnabled() && !filepath.IsAbs(cfg.LedgerPath) {
		cfg.LedgerPath = filepath.Join(cfg.WorkDir, cfg.LedgerPath)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
