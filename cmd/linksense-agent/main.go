package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/macwilam/linksense/internal/agent"
	"github.com/macwilam/linksense/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath    string
		agentID       string
		serverURL     string
		localOnly     bool
		retentionDays int
	)

	cmd := &cobra.Command{
		Use:     "linksense-agent",
		Short:   "Runs network-health probes and ships aggregates to a LinkSense server",
		Version: "0.1.0",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgent(configPath)
			if err != nil {
				return err
			}

			changed := false
			if cmd.Flags().Changed("agent-id") && agentID != cfg.AgentID {
				cfg.AgentID = agentID
				changed = true
			}
			if cmd.Flags().Changed("server-url") && serverURL != cfg.ServerURL {
				cfg.ServerURL = serverURL
				changed = true
			}
			if cmd.Flags().Changed("local-only") && localOnly != cfg.LocalOnly {
				cfg.LocalOnly = localOnly
				changed = true
			}
			if cmd.Flags().Changed("retention-days") && retentionDays != cfg.RetentionDays {
				cfg.RetentionDays = retentionDays
				changed = true
			}
			if changed {
				if err := cfg.Validate(); err != nil {
					return err
				}
				if err := config.SaveAgent(configPath, cfg); err != nil {
					return err
				}
			}
			cfg.ConfigDir = configDirOf(configPath)

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			a, err := agent.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "agent.toml", "path to agent.toml")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "override agent_id")
	cmd.Flags().StringVar(&serverURL, "server-url", "", "override server_url")
	cmd.Flags().BoolVar(&localOnly, "local-only", false, "override local_only")
	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "override retention_days")
	return cmd
}

func configDirOf(configPath string) string {
	dir := configPath
	for i := len(dir) - 1; i >= 0; i-- {
		if dir[i] == '/' {
			return dir[:i]
		}
	}
	return "."
}
