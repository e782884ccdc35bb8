package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

// checkCommand returns the CLI command that probes the configured nodes
// and stores without starting any monitor.
//
// Usage example:
//
//	paywatch check
func checkCommand(check CheckFunc) *cli.Command {
	return &cli.Command{
		Name:        "check",
		Description: "Probes node and store connectivity and reports chain tips and cursor positions.",
		Usage:       "Connects to every enabled chain's node, then exits.",
		Action: func(ctx context.Context, c *cli.Command) error {
			return check(ctx)
		},
	}
}
