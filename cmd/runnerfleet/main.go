// Package main provides the entry point for the runnerfleet application.
//
// runnerfleet has two modes:
//   - Orchestrator (default): manages the runner fleet across Firecracker
//     microVMs, reconciling cloud and platform state on a timer.
//   - Reactive worker: a single job-queue consumer process, spawned and
//     retired by the orchestrator to match queue depth.
//
// Usage:
//
//	runnerfleet [serve]          - Start the orchestrator server (host mode)
//	runnerfleet reactive-worker  - Run a single reactive consumer process
package main

import (
	"github.com/thpham/runnerfleet/commands"
)

var (
	// Version information (set via ldflags)
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

func main() {
	commands.SetVersionInfo(Version, Commit, Date)
	commands.Execute()
}
