package main

import (
	"context"
	"fmt"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/warehouse"
	"github.com/spf13/cobra"
)

var (
	tenantName   string
	tenantStatus string
)

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Manage tenants and inspect their transaction streams",
}

var tenantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			tenants, err := a.warehouse.ListTenants(ctx)
			if err != nil {
				return err
			}

			return printJSON(tenants)
		})
	},
}

var tenantsSetCmd = &cobra.Command{
	Use:   "set <tenant>",
	Short: "Create or update a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := warehouse.TenantStatus(tenantStatus)

		switch status {
		case warehouse.TenantActive, warehouse.TenantTrial,
			warehouse.TenantSuspended, warehouse.TenantChurned:
		default:
			return fmt.Errorf("unknown tenant status %q", tenantStatus)
		}

		return withApp(func(ctx context.Context, a *app) error {
			return a.warehouse.UpsertTenant(ctx, &warehouse.Tenant{
				ID:     args[0],
				Name:   tenantName,
				Status: status,
			})
		})
	},
}

var tenantsStatsCmd = &cobra.Command{
	Use:   "stats <tenant>",
	Short: "Print the transaction stream summary of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			stats, err := a.warehouse.Stats(ctx, args[0])
			if err != nil {
				return err
			}

			return printJSON(stats)
		})
	},
}

func init() {
	tenantsSetCmd.Flags().StringVar(&tenantName, "name", "", "display name")
	tenantsSetCmd.Flags().StringVar(&tenantStatus, "status", string(warehouse.TenantActive),
		"account status (active, trial, suspended, churned)")

	tenantsCmd.AddCommand(tenantsListCmd, tenantsSetCmd, tenantsStatsCmd)
	rootCmd.AddCommand(tenantsCmd)
}
