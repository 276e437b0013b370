package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool
	version = "dev" // Will be set by build flags
)

var rootCmd = &cobra.Command{
	Use:   "mangle-runner",
	Short: "Packet-mangling test suite runner",
	Long: `Mangle Runner expands a declarative JSON configuration into a suite of
packet-modification tests. Each test diverts the traffic of a user
command through a pipeline of packet transforms via NFQUEUE and takes
the command's exit status as the pass/fail signal.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(checkconfigCmd)
}

// Commands are defined in separate files:
// - startCmd in start.go
// - listCmd and usageCmd in list.go
// - checkconfigCmd in checkconfig.go

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
