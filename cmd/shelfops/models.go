package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var requestedBy string

var championCmd = &cobra.Command{
	Use:   "champion <tenant> <model>",
	Short: "Print the serving champion of a tenant-model pair",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			champion, err := a.registry.GetChampion(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			if champion == nil {
				return fmt.Errorf("no champion for %s/%s", args[0], args[1])
			}

			return printJSON(champion)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <tenant> <model>",
	Short: "Print the retraining history of a pair, newest first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			events, err := a.registry.GetHistory(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			return printJSON(events)
		})
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions <tenant> <model>",
	Short: "List every registered version of a pair",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			versions, err := a.registry.ListVersions(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			return printJSON(versions)
		})
	},
}

var retrainCmd = &cobra.Command{
	Use:   "retrain <tenant> <model>",
	Short: "Queue a manual retrain for the next dispatch cycle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			req, err := a.registry.RequestRetrain(ctx, args[0], args[1], requestedBy)
			if err != nil {
				return err
			}

			return printJSON(req)
		})
	},
}

func init() {
	retrainCmd.Flags().StringVar(&requestedBy, "requested-by", "cli", "who asked for the retrain")

	rootCmd.AddCommand(championCmd, historyCmd, versionsCmd, retrainCmd)
}
