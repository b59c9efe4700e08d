package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one dispatch cycle and print the retraining events",
	Long: `Run a single dispatch cycle over every eligible tenant and configured
model, regardless of dispatcher.enabled, and print the attempts it made.
Interrupting the command fails the in-flight attempts.`,
	RunE: runCycle,
}

func init() {
	rootCmd.AddCommand(cycleCmd)
}

func runCycle(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}

	defer a.close()

	d, err := a.dispatcher()
	if err != nil {
		return err
	}

	events, err := d.RunCycle(ctx)
	if err != nil {
		return err
	}

	return printJSON(events)
}
