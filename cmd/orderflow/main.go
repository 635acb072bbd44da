package main

import (
	"fmt"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/smallbiznis/orderflow/internal/ledger"
	"github.com/smallbiznis/orderflow/internal/migration"
	"github.com/smallbiznis/orderflow/internal/observability"
	"github.com/smallbiznis/orderflow/internal/scheduler"
	"github.com/smallbiznis/orderflow/internal/server"
	"github.com/smallbiznis/orderflow/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "orderflow",
		Short:   "Order lifecycle service with payment webhook reconciliation",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ledgerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	app := fx.New(
		// Core Infrastructure
		core(),
		clock.Module,
		fx.Provide(RegisterSnowflake),
		migration.Module,

		// Functional Domains
		ledger.Module,
		scheduler.Module,
		server.Module,
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

// core is the infrastructure every command needs.
func core() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		db.Module,
	)
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
