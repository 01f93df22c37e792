package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/macwilam/linksense/internal/config"
	"github.com/macwilam/linksense/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath      string
		listenAddr      string
		dataDir         string
		agentConfigsDir string
		retentionDays   int
	)

	cmd := &cobra.Command{
		Use:     "linksense-server",
		Short:   "Coordinates LinkSense agents: config sync, metric ingest, bandwidth arbitration",
		Version: "0.1.0",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(configPath)
			if err != nil {
				return err
			}

			changed := false
			if cmd.Flags().Changed("listen-addr") && listenAddr != cfg.ListenAddr {
				cfg.ListenAddr = listenAddr
				changed = true
			}
			if cmd.Flags().Changed("data-dir") && dataDir != cfg.DataDir {
				cfg.DataDir = dataDir
				changed = true
			}
			if cmd.Flags().Changed("agent-configs-dir") && agentConfigsDir != cfg.AgentConfigsDir {
				cfg.AgentConfigsDir = agentConfigsDir
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
				if err := config.SaveServer(configPath, cfg); err != nil {
					return err
				}
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			s, err := server.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return s.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "server.toml", "path to server.toml")
	cmd.Flags().StringVar(&listenAddr, "listen-addr", "", "override listen_addr")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "override data_dir")
	cmd.Flags().StringVar(&agentConfigsDir, "agent-configs-dir", "", "override agent_configs_dir")
	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "override retention_days")
	return cmd
}
