package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var resetReason string

var readinessCmd = &cobra.Command{
	Use:   "readiness",
	Short: "Inspect or override per-pair readiness",
}

var readinessShowCmd = &cobra.Command{
	Use:   "show <tenant> <model>",
	Short: "Print the persisted readiness state of a pair",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			state, err := a.classifier.Get(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			if state == nil {
				return fmt.Errorf("%s/%s has not been evaluated", args[0], args[1])
			}

			return printJSON(state)
		})
	},
}

var readinessEvaluateCmd = &cobra.Command{
	Use:   "evaluate <tenant> <model>",
	Short: "Classify a pair against the current transaction stream",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			state, err := a.classifier.Evaluate(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			return printJSON(state)
		})
	},
}

var readinessResetCmd = &cobra.Command{
	Use:   "reset <tenant> <model>",
	Short: "Send a pair back to cold start",
	Long: `Send a pair back to cold start. This is the only way a tier moves
down; the next evaluation re-derives the tier from the data.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.classifier.Reset(ctx, args[0], args[1], resetReason); err != nil {
				return err
			}

			log.WithField("tenant_id", args[0]).
				WithField("model_name", args[1]).
				WithField("reason", resetReason).
				Info("Readiness reset")

			return nil
		})
	},
}

func init() {
	readinessResetCmd.Flags().StringVar(&resetReason, "reason", "", "why the pair is reset")
	_ = readinessResetCmd.MarkFlagRequired("reason")

	readinessCmd.AddCommand(readinessShowCmd, readinessEvaluateCmd, readinessResetCmd)
	rootCmd.AddCommand(readinessCmd)
}
