package commands

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "reveriesd",
	Short: "Persistent memory and cognition daemon",
	Long: `reveriesd wakes a persistent memory, hydrates its episodic graph
from durable storage, and runs a background monologue between
conversations. A foreground client talks to it over a Unix-domain
socket.

Usage:
  reveriesd wake`,
}

// Command returns the root cobra command for mounting into a parent CLI.
func Command() *cobra.Command {
	return rootCmd
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(wakeCmd)
	rootCmd.AddCommand(versionCmd)
}
