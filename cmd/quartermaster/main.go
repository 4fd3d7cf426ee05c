package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "quartermaster",
	Short:   "Quartermaster - subscription registration panel",
	Long:    `Quartermaster serves a web panel that registers and unregisters this system with a subscription service through the RHSM bus API`,
	Version: Version,
	Run:     serve,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the panel server (the default)",
	Run:   serve,
}

func serve(*cobra.Command, []string) { runServer() }

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd, statusCmd, registerCmd, unregisterCmd, configCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Quartermaster %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
