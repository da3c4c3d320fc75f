package main

import (
	"fmt"

	"claude-pulse/internal/daemon"

	"github.com/spf13/cobra"
)

var (
	watchFlag     string
	collectorFlag string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Tail local session logs and push changes to a collector",
	RunE: func(cmd *cobra.Command, args []string) error {
		dc := cfg.Daemon
		if cmd.Flags().Changed("watch") {
			dc.WatchPath = watchFlag
		}
		if cmd.Flags().Changed("collector") {
			dc.CollectorURL = collectorFlag
		}
		if dc.WatchPath == "" {
			return fmt.Errorf("no watch path: set daemon.watch_path, PULSE_WATCH_PATH or --watch")
		}

		d, err := daemon.New(dc, version, logger)
		if err != nil {
			return err
		}

		ctx, stop := shutdownContext(cmd.Context())
		defer stop()
		return d.Run(ctx)
	},
}

func init() {
	daemonCmd.Flags().StringVar(&watchFlag, "watch", "", "directory of session logs (default ~/.claude/projects)")
	daemonCmd.Flags().StringVar(&collectorFlag, "collector", "", "collector base URL")
	rootCmd.AddCommand(daemonCmd)
}
