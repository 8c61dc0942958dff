package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidesync/tidesync/internal/engine"
	"github.com/tidesync/tidesync/internal/errdefs"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run one offline recovery pass over the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := setupLogging(cfg); err != nil {
			return err
		}

		eng, err := engine.New(cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		c, err := eng.Recover(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s total=%d stuck=%d orphaned=%d recovered=%d released_slots=%d\n",
			green("recovery complete"), c.Total, c.Stuck, c.Orphaned, c.Recovered, c.ReleasedSlots)
		return nil
	},
}

var emergencyResetCmd = &cobra.Command{
	Use:   "emergency-reset",
	Short: "Force every queued, transferring and failed record back to its observation state",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			return errdefs.New(errdefs.CodeValidation,
				"emergency-reset discards all in-flight transfer state; re-run with --force")
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := setupLogging(cfg); err != nil {
			return err
		}

		eng, err := engine.New(cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		n, err := eng.EmergencyReset(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s records=%d\n", green("emergency reset complete"), n)
		return nil
	},
}

func init() {
	emergencyResetCmd.Flags().Bool("force", false, "skip the confirmation guard")
}
