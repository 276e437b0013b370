package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jihwankim/packet-mangler/pkg/mods"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Args:  cobra.NoArgs,
	Short: "List available modifications",
	Long:  `Prints the names of every registered packet modification.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range mods.List() {
			fmt.Println(name)
		}
		for _, err := range mods.LoadErrors() {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage <mod>",
	Args:  cobra.ExactArgs(1),
	Short: "Show a modification's usage",
	Long:  `Prints the usage string of one registered modification.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		usage, err := mods.Usage(args[0])
		if err != nil {
			return err
		}
		fmt.Println(usage)
		return nil
	},
}
