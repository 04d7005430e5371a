package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "armctl",
	Short: "armctl - robot command and safety control plane",
	Long: `armctl runs a daemon that arms, disarms and commands robots under a
safety authority, and a CLI and terminal monitor that drive it over HTTP.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7467", "API server address")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(robotCmd)
	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(paramCmd)
	rootCmd.AddCommand(eventsCmd, runsCmd, decisionsCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
