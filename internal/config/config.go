// Package config loads Arbiter configuration from the environment.
//
// The judge is configured almost entirely through environment variables so it
// can run unattended next to the worker fleet. The review policy (path rules,
// auto-merge gates) lives in a YAML file referenced by POLICY_PATH.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects how candidates are merged.
type Mode string

const (
	// ModeGit judges pull requests on the hosted forge.
	ModeGit Mode = "git"
	// ModeLocal judges worktrees against a local base repository.
	ModeLocal Mode = "local"
	// ModeAuto judges whatever the pending scan yields (PRs and worktrees).
	ModeAuto Mode = "auto"
)

// RecoveryMode selects how a dirty local base repository is recovered.
type RecoveryMode string

const (
	// RecoveryLLM stashes dirty files and asks the LLM whether to restore them.
	RecoveryLLM RecoveryMode = "llm"
	// RecoveryStash stashes dirty files and leaves them stashed.
	RecoveryStash RecoveryMode = "stash"
	// RecoveryNone fails the merge when the base is dirty.
	RecoveryNone RecoveryMode = "none"
)

// Config holds the judge runtime configuration.
type Config struct {
	// Polling
	PollInterval time.Duration

	// Feature switches
	UseLLM bool
	DryRun bool
	Mode   Mode
	Model  string

	// Auto-remediation
	AutoFixOnFail      bool
	AutoFixMaxAttempts int // negative means unlimited

	// Circuit breakers
	DoomLoopRetries   int
	NonApproveRetries int

	// Judge-retry backlog
	AwaitingRetryCooldown time.Duration

	// Merge queue
	QueueClaimTTL    time.Duration
	QueueMaxAttempts int
	QueueRetryDelay  time.Duration

	// Local mode
	LocalRecovery           RecoveryMode
	LocalRecoveryConfidence float64
	LocalRecoveryDiffLimit  int
	LocalBaseRepoPath       string
	LocalBaseBranch         string

	// Identity and forge
	AgentID     string
	PolicyPath  string
	GitHubToken string
	RepoOwner   string
	RepoName    string
}

// Default returns the configuration defaults used when an environment
// variable is unset.
func Default() *Config {
	return &Config{
		PollInterval:            15 * time.Second,
		UseLLM:                  true,
		DryRun:                  false,
		Mode:                    ModeAuto,
		Model:                   "claude-sonnet-4-5",
		AutoFixOnFail:           true,
		AutoFixMaxAttempts:      3,
		DoomLoopRetries:         2,
		NonApproveRetries:       2,
		AwaitingRetryCooldown:   120 * time.Second,
		QueueClaimTTL:           120 * time.Second,
		QueueMaxAttempts:        3,
		QueueRetryDelay:         30 * time.Second,
		LocalRecovery:           RecoveryStash,
		LocalRecoveryConfidence: 0.8,
		LocalRecoveryDiffLimit:  20000,
		LocalBaseBranch:         "main",
		AgentID:                 "judge-1",
	}
}

// FromEnv builds a Config from the process environment on top of defaults.
func FromEnv() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		d, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("POLL_INTERVAL_MS: %w", err)
		}
		cfg.PollInterval = d
	}
	if v := os.Getenv("USE_LLM"); v != "" {
		cfg.UseLLM = parseBool(v)
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		cfg.DryRun = parseBool(v)
	}
	if v := os.Getenv("JUDGE_MODE"); v != "" {
		switch Mode(v) {
		case ModeGit, ModeLocal, ModeAuto:
			cfg.Mode = Mode(v)
		default:
			return nil, fmt.Errorf("JUDGE_MODE: unknown mode %q", v)
		}
	}
	if v := os.Getenv("JUDGE_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("JUDGE_AUTO_FIX_ON_FAIL"); v != "" {
		cfg.AutoFixOnFail = parseBool(v)
	}
	if v := os.Getenv("JUDGE_AUTO_FIX_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("JUDGE_AUTO_FIX_MAX_ATTEMPTS: %w", err)
		}
		cfg.AutoFixMaxAttempts = n
	}
	if v := os.Getenv("JUDGE_DOOM_LOOP_CIRCUIT_BREAKER_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("JUDGE_DOOM_LOOP_CIRCUIT_BREAKER_RETRIES: %w", err)
		}
		cfg.DoomLoopRetries = n
	}
	if v := os.Getenv("JUDGE_NON_APPROVE_CIRCUIT_BREAKER_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("JUDGE_NON_APPROVE_CIRCUIT_BREAKER_RETRIES: %w", err)
		}
		cfg.NonApproveRetries = n
	}
	if v := os.Getenv("JUDGE_AWAITING_RETRY_COOLDOWN_MS"); v != "" {
		d, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("JUDGE_AWAITING_RETRY_COOLDOWN_MS: %w", err)
		}
		cfg.AwaitingRetryCooldown = d
	}
	if v := os.Getenv("JUDGE_MERGE_QUEUE_CLAIM_TTL_MS"); v != "" {
		d, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("JUDGE_MERGE_QUEUE_CLAIM_TTL_MS: %w", err)
		}
		cfg.QueueClaimTTL = d
	}
	if v := os.Getenv("JUDGE_MERGE_QUEUE_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("JUDGE_MERGE_QUEUE_MAX_ATTEMPTS: %w", err)
		}
		cfg.QueueMaxAttempts = n
	}
	if v := os.Getenv("JUDGE_MERGE_QUEUE_RETRY_DELAY_MS"); v != "" {
		d, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("JUDGE_MERGE_QUEUE_RETRY_DELAY_MS: %w", err)
		}
		cfg.QueueRetryDelay = d
	}
	if v := os.Getenv("JUDGE_LOCAL_BASE_REPO_RECOVERY"); v != "" {
		switch RecoveryMode(v) {
		case RecoveryLLM, RecoveryStash, RecoveryNone:
			cfg.LocalRecovery = RecoveryMode(v)
		default:
			return nil, fmt.Errorf("JUDGE_LOCAL_BASE_REPO_RECOVERY: unknown mode %q", v)
		}
	}
	if v := os.Getenv("JUDGE_LOCAL_BASE_REPO_RECOVERY_CONFIDENCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return nil, fmt.Errorf("JUDGE_LOCAL_BASE_REPO_RECOVERY_CONFIDENCE: must be in [0,1], got %q", v)
		}
		cfg.LocalRecoveryConfidence = f
	}
	if v := os.Getenv("JUDGE_LOCAL_BASE_REPO_RECOVERY_DIFF_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("JUDGE_LOCAL_BASE_REPO_RECOVERY_DIFF_LIMIT: must be a positive integer, got %q", v)
		}
		cfg.LocalRecoveryDiffLimit = n
	}
	if v := os.Getenv("JUDGE_LOCAL_BASE_REPO_PATH"); v != "" {
		cfg.LocalBaseRepoPath = v
	}
	if v := os.Getenv("JUDGE_LOCAL_BASE_BRANCH"); v != "" {
		cfg.LocalBaseBranch = v
	}
	if v := os.Getenv("POLICY_PATH"); v != "" {
		cfg.PolicyPath = v
	}
	if v := os.Getenv("AGENT_ID"); v != "" {
		cfg.AgentID = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.GitHubToken = v
	}
	if v := os.Getenv("GITHUB_REPO"); v != "" {
		owner, name, ok := strings.Cut(v, "/")
		if !ok || owner == "" || name == "" {
			return nil, fmt.Errorf("GITHUB_REPO: expected owner/name, got %q", v)
		}
		cfg.RepoOwner = owner
		cfg.RepoName = name
	}

	return cfg, nil
}

// UnlimitedAutoFix reports whether the auto-fix ladder has no attempt cap.
func (c *Config) UnlimitedAutoFix() bool {
	return c.AutoFixMaxAttempts < 0
}

func parseMillis(v string) (time.Duration, error) {
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("expected integer milliseconds, got %q", v)
	}
	if ms <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
