package main

import (
	"context"
	"time"

	"github.com/smallbiznis/orderflow/internal/migration"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func migrateCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Bring the database schema up to date and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			// migration.Module runs during construction, so starting the
			// app is enough.
			app := fx.New(core(), migration.Module, fx.NopLogger)
			if err := app.Start(ctx); err != nil {
				return err
			}
			return app.Stop(ctx)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long")
	return cmd
}
