package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

// startCommand returns the CLI command that runs every enabled chain
// monitor until the process receives an interrupt.
//
// Usage example:
//
//	paywatch start
func startCommand(monitors []Monitor) *cli.Command {
	return &cli.Command{
		Name:        "start",
		Description: "Starts the payment monitors for every enabled chain.",
		Usage:       "Runs until Ctrl+C or a termination signal, then shuts down gracefully.",
		Action: func(ctx context.Context, c *cli.Command) error {
			quit := make(chan os.Signal, 1)
			defer close(quit)

			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			var started []Monitor
			for _, m := range monitors {
				if err := m.Start(ctx); err != nil {
					for _, s := range started {
						s.Close()
					}
					return err
				}

				started = append(started, m)
			}
			defer func() {
				for _, s := range started {
					s.Close()
				}
			}()

			<-quit
			return nil
		},
	}
}
