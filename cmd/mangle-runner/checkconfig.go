package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jihwankim/packet-mangler/pkg/config"
	"github.com/jihwankim/packet-mangler/pkg/plan"
)

var checkconfigCmd = &cobra.Command{
	Use:   "checkconfig <file>",
	Args:  cobra.ExactArgs(1),
	Short: "Validate a configuration without executing it",
	Long: `Loads a configuration file, validates it against the schema, resolves
every modification, parses every argument, and verifies the expansion.
Exits 0 when the configuration is runnable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		if err := plan.Check(cfg); err != nil {
			return err
		}
		count, err := plan.Cardinality(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("✅ %s is valid: %d test(s)\n", args[0], count)
		return nil
	},
}
