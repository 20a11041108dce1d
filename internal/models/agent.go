package models

import (
	"fmt"
	"strings"
	"time"
)

type ModelTier string

const (
	TierSmall  ModelTier = "small"
	TierMedium ModelTier = "medium"
	TierLarge  ModelTier = "large"
)

func ParseModelTier(s string) (ModelTier, error) {
	switch ModelTier(strings.ToLower(strings.TrimSpace(s))) {
	case TierSmall:
		return TierSmall, nil
	case TierMedium:
		return TierMedium, nil
	case TierLarge, "":
		return TierLarge, nil
	}
	return "", fmt.Errorf("invalid model %q (want small, medium or large)", s)
}

// CLI selects one of the three assistant programs.
type CLI string

const (
	CLIA CLI = "A"
	CLIB CLI = "B"
	CLIC CLI = "C"
)

// ParseCLI accepts the variant letter or the program name it stands for.
func ParseCLI(s string) (CLI, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a", "claude", "":
		return CLIA, nil
	case "b", "codex":
		return CLIB, nil
	case "c", "aider":
		return CLIC, nil
	}
	return "", fmt.Errorf("invalid cli %q (want A, B or C)", s)
}

// AgentRequest is an immutable description of one assistant invocation.
type AgentRequest struct {
	Prompt         string
	RunID          string
	AgentName      string
	Model          ModelTier
	CLI            CLI
	AllowDangerous bool
	OutputFile     string
	WorkingDir     string
	Timeout        time.Duration
}

// AgentResponse is the normalized outcome of an invocation, independent of
// which CLI produced it.
type AgentResponse struct {
	Success        bool
	Output         string
	ExitCode       int
	Duration       time.Duration
	TranscriptPath string
	Attempts       int
	TimedOut       bool
}
