package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tidesync/tidesync/internal/engine"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := setupLogging(cfg); err != nil {
			return err
		}
		showHeader()

		eng, err := engine.New(cfg)
		if err != nil {
			return err
		}

		defer slog.Info("bye")
		return eng.Run(cmd.Context())
	},
}
