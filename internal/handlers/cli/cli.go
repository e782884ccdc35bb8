// Package cli exposes the paywatch command-line interface. The heavy
// wiring happens in main; this package only shapes it into commands.
package cli

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"
)

// Monitor is the lifecycle surface of a chain monitor as the CLI sees it.
type Monitor interface {
	// Start brings the monitor up; it returns once the monitor is running
	// or refuses to start.
	Start(ctx context.Context) error

	// Close shuts the monitor down, waiting for in-flight work up to its
	// grace period.
	Close()
}

// CheckFunc probes the configured nodes and stores and reports their
// state. Used by the `check` command as an operator smoke test.
type CheckFunc func(ctx context.Context) error

// Run initializes and executes the paywatch CLI application.
//
// It registers all available commands:
//
//   - `start`: runs every enabled chain monitor until interrupted.
//   - `check`: probes node and store connectivity, then exits.
func Run(ctx context.Context, monitors []Monitor, check CheckFunc) error {
	app := &cli.Command{
		EnableShellCompletion: true,
		Name:                  "paywatch",
		Description:           "Blockchain payment monitor: detects and confirms incoming payments on the configured chains.",
		Usage:                 "paywatch [command] [flags]",
		Commands: []*cli.Command{
			startCommand(monitors),
			checkCommand(check),
		},
	}

	return app.Run(ctx, os.Args)
}
