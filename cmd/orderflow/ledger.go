package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/jobmetrics"
	"github.com/smallbiznis/orderflow/internal/ledger"
	"github.com/smallbiznis/orderflow/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Idempotency ledger maintenance",
	}
	cmd.AddCommand(ledgerPurgeCmd())
	return cmd
}

func ledgerPurgeCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove ledger entries past the retention window once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var (
				sched  *scheduler.Scheduler
				pusher jobmetrics.Pusher
				log    *zap.Logger
			)
			app := fx.New(
				core(),
				clock.Module,
				fx.Provide(RegisterSnowflake),
				ledger.Module,
				fx.Provide(scheduler.ProvideConfig, scheduler.NewRedsync, scheduler.New),
				jobmetrics.Module,
				fx.Populate(&sched, &pusher, &log),
				fx.NopLogger,
			)
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = app.Stop(context.Background()) }()

			purgeErr := sched.RunLedgerPurge(ctx)
			if pusher != nil {
				gatherer := jobmetrics.WithPrefix(prometheus.DefaultGatherer, jobmetrics.JobPrefix)
				if err := pusher.Push(ctx, gatherer); err != nil {
					log.Warn("push job metrics failed", zap.Error(err))
				}
			}
			if purgeErr != nil {
				return fmt.Errorf("ledger purge: %w", purgeErr)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ledger purge complete")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	return cmd
}
