package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect and reconcile the file registry",
}

var registrySyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Rewrite every file that diverges from the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			report, err := a.reconciler.Sync(ctx)
			if err != nil {
				return err
			}

			return printJSON(report)
		})
	},
}

var registryCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report divergence between the database and the file registry",
	Long: `Report divergence between the database and the file registry without
writing anything. Exits non-zero when any file diverges.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			report, err := a.reconciler.Check(ctx)
			if err != nil {
				return err
			}

			if err := printJSON(report); err != nil {
				return err
			}

			if !report.InSync() {
				return fmt.Errorf("%d file(s) diverge from the database", len(report.Diverged))
			}

			return nil
		})
	},
}

func init() {
	registryCmd.AddCommand(registrySyncCmd, registryCheckCmd)
	rootCmd.AddCommand(registryCmd)
}

// withApp loads config, opens the stores and runs fn against them.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}

	defer a.close()

	return fn(ctx, a)
}
