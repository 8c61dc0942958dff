package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidesync/tidesync/internal/engine"
)

var validateCmd = &cobra.Command{
	Use:   "validate-system",
	Short: "Probe the copy tool, SSH client and store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		failed := 0
		for _, c := range engine.ValidateSystem(cmd.Context(), cfg) {
			mark := green("ok")
			if !c.OK {
				mark = red("fail")
				failed++
			}
			if c.Detail != "" {
				fmt.Printf("%-12s %s  %s\n", c.Name, mark, c.Detail)
			} else {
				fmt.Printf("%-12s %s\n", c.Name, mark)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d system check(s) failed", failed)
		}
		return nil
	},
}
