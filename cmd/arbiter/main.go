package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/forge/github"
	"github.com/arbiterhq/arbiter/internal/judge"
	"github.com/arbiterhq/arbiter/internal/llm"
	"github.com/arbiterhq/arbiter/internal/logging"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/store"
)

var (
	flagDryRun      bool
	flagNoLLM       bool
	flagDBPath      string
	flagMetricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "arbiter [pr-number]",
		Short: "Autonomous code-review and merge orchestration",
		Long: `Arbiter drains candidate changes produced by worker agents, judges them
against CI, repository policy, and an LLM review, and drives each one to
merged, remediated, or failed.

With no arguments it runs the polling loop. With a PR number it reviews that
single pull request and prints the verdict as JSON.`,
		Args: cobra.MaximumNArgs(1),
		RunE: run,
	}
	root.Flags().BoolVar(&flagDryRun, "dry-run", false, "evaluate candidates without mutating anything")
	root.Flags().BoolVar(&flagNoLLM, "no-llm", false, "skip the LLM review")
	root.PersistentFlags().StringVar(&flagDBPath, "db", defaultDBPath(), "path to the state database")
	root.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "address to serve /metrics on (empty disables)")

	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if flagDryRun {
		cfg.DryRun = true
	}
	if flagNoLLM {
		cfg.UseLLM = false
	}

	singlePR := 0
	if len(args) == 1 {
		singlePR, err = strconv.Atoi(args[0])
		if err != nil || singlePR <= 0 {
			return fmt.Errorf("invalid PR number %q", args[0])
		}
	}

	if singlePR > 0 {
		// Verdict JSON goes to stdout; keep logs out of the way.
		logging.Suppress()
	} else {
		if err := logging.Init(&logging.Config{Level: os.Getenv("LOG_LEVEL"), Format: os.Getenv("LOG_FORMAT")}); err != nil {
			return err
		}
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return err
	}

	m := metrics.New()
	if flagMetricsAddr != "" {
		go func() {
			if err := m.Serve(flagMetricsAddr); err != nil {
				logging.Error("metrics listener failed", "error", err)
			}
		}()
	}

	j := judge.New(judge.Services{
		Config:   cfg,
		Store:    st,
		Forge:    github.NewClient(cfg.GitHubToken),
		Reviewer: llm.NewAnthropicReviewer(cfg.Model),
		Policy:   pol,
		Metrics:  m,
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if singlePR > 0 {
		result, err := j.ReviewOne(ctx, singlePR)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	return j.Run(ctx)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent liveness and merge queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ctx := cmd.Context()
			agent, err := st.GetAgent(ctx, cfg.AgentID)
			if err != nil {
				return err
			}
			if agent == nil {
				fmt.Printf("agent %s: not registered\n", cfg.AgentID)
			} else {
				fmt.Printf("agent %s: %s (last heartbeat %s)\n",
					agent.ID, agent.Status, agent.LastHeartbeat.Format("2006-01-02 15:04:05"))
				if agent.CurrentTaskID != "" {
					fmt.Printf("  current task: %s\n", agent.CurrentTaskID)
				}
			}

			for _, status := range []store.QueueStatus{store.QueuePending, store.QueueProcessing, store.QueueMerged, store.QueueFailed} {
				n, err := st.QueueDepth(ctx, status)
				if err != nil {
					return err
				}
				fmt.Printf("merge queue %-10s %d\n", status, n)
			}
			return nil
		},
	}
}

func openStore() (*store.Store, error) {
	dir := filepath.Dir(flagDBPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return store.New(flagDBPath)
}

func defaultDBPath() string {
	if v := os.Getenv("ARBITER_DB"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arbiter/state.db"
	}
	return filepath.Join(home, ".arbiter", "state.db")
}
