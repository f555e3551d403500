package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.PollInterval != 15*time.Second {
		t.Errorf("poll interval = %v", cfg.PollInterval)
	}
	if !cfg.UseLLM || cfg.DryRun {
		t.Errorf("switches = use_llm:%v dry_run:%v", cfg.UseLLM, cfg.DryRun)
	}
	if cfg.Mode != ModeAuto {
		t.Errorf("mode = %s", cfg.Mode)
	}
	if cfg.AutoFixMaxAttempts != 3 || !cfg.AutoFixOnFail {
		t.Errorf("autofix = %d/%v", cfg.AutoFixMaxAttempts, cfg.AutoFixOnFail)
	}
	if cfg.QueueClaimTTL != 120*time.Second || cfg.QueueMaxAttempts != 3 {
		t.Errorf("queue = %v/%d", cfg.QueueClaimTTL, cfg.QueueMaxAttempts)
	}
	if cfg.LocalRecovery != RecoveryStash {
		t.Errorf("recovery = %s", cfg.LocalRecovery)
	}
	if cfg.UnlimitedAutoFix() {
		t.Error("default attempt cap is not unlimited")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL_MS", "5000")
	t.Setenv("USE_LLM", "false")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("JUDGE_MODE", "local")
	t.Setenv("JUDGE_AUTO_FIX_MAX_ATTEMPTS", "-1")
	t.Setenv("JUDGE_MERGE_QUEUE_RETRY_DELAY_MS", "1500")
	t.Setenv("JUDGE_LOCAL_BASE_REPO_RECOVERY", "llm")
	t.Setenv("JUDGE_LOCAL_BASE_REPO_RECOVERY_CONFIDENCE", "0.6")
	t.Setenv("GITHUB_REPO", "acme/widgets")
	t.Setenv("AGENT_ID", "judge-7")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("poll interval = %v", cfg.PollInterval)
	}
	if cfg.UseLLM || !cfg.DryRun {
		t.Errorf("switches = use_llm:%v dry_run:%v", cfg.UseLLM, cfg.DryRun)
	}
	if cfg.Mode != ModeLocal {
		t.Errorf("mode = %s", cfg.Mode)
	}
	if !cfg.UnlimitedAutoFix() {
		t.Error("-1 attempts means unlimited")
	}
	if cfg.QueueRetryDelay != 1500*time.Millisecond {
		t.Errorf("retry delay = %v", cfg.QueueRetryDelay)
	}
	if cfg.LocalRecovery != RecoveryLLM || cfg.LocalRecoveryConfidence != 0.6 {
		t.Errorf("recovery = %s/%v", cfg.LocalRecovery, cfg.LocalRecoveryConfidence)
	}
	if cfg.RepoOwner != "acme" || cfg.RepoName != "widgets" {
		t.Errorf("repo = %s/%s", cfg.RepoOwner, cfg.RepoName)
	}
	if cfg.AgentID != "judge-7" {
		t.Errorf("agent id = %s", cfg.AgentID)
	}
}

func TestFromEnvBoolForms(t *testing.T) {
	for _, v := range []string{"1", "true", "yes", "on", "TRUE"} {
		t.Setenv("DRY_RUN", v)
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("%q: %v", v, err)
		}
		if !cfg.DryRun {
			t.Errorf("%q should parse as true", v)
		}
	}
	t.Setenv("DRY_RUN", "0")
	cfg, _ := FromEnv()
	if cfg.DryRun {
		t.Error("0 should parse as false")
	}
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"POLL_INTERVAL_MS", "not-a-number"},
		{"POLL_INTERVAL_MS", "-100"},
		{"POLL_INTERVAL_MS", "0"},
		{"JUDGE_MODE", "hybrid"},
		{"JUDGE_AUTO_FIX_MAX_ATTEMPTS", "three"},
		{"JUDGE_LOCAL_BASE_REPO_RECOVERY", "maybe"},
		{"JUDGE_LOCAL_BASE_REPO_RECOVERY_CONFIDENCE", "1.5"},
		{"JUDGE_LOCAL_BASE_REPO_RECOVERY_CONFIDENCE", "abc"},
		{"JUDGE_LOCAL_BASE_REPO_RECOVERY_DIFF_LIMIT", "-1"},
		{"GITHUB_REPO", "no-slash"},
		{"GITHUB_REPO", "/widgets"},
		{"GITHUB_REPO", "acme/"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := FromEnv(); err == nil {
				t.Errorf("%s=%q should be rejected", tt.key, tt.value)
			}
		})
	}
}

func TestModeValues(t *testing.T) {
	for _, mode := range []string{"git", "local", "auto"} {
		t.Setenv("JUDGE_MODE", mode)
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("mode %q: %v", mode, err)
		}
		if string(cfg.Mode) != mode {
			t.Errorf("mode = %s, want %s", cfg.Mode, mode)
		}
	}
}
