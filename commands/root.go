// Package commands provides the CLI commands for runnerfleet.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags)
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "runnerfleet",
	Short: "Ephemeral CI runner fleet manager using Firecracker microVMs",
	Long: `runnerfleet manages ephemeral CI runners in isolated Firecracker
microVMs, joining cloud and platform state into a health verdict and
reconciling the fleet toward a target quantity. It supports a pull-based
hosted-VCS backend (GitLab's POST /user/runners) and a push-based
job-dispatcher backend, and can scale either on a fixed base quantity or
reactively off a job queue.

When run without a subcommand, runnerfleet starts the orchestrator server.
Use 'runnerfleet reactive-worker' to run a single reactive consumer process.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// SetVersionInfo sets the version information for the CLI.
func SetVersionInfo(version, commit, date string) {
	Version = version
	Commit = commit
	Date = date
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}
