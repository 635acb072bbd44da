package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	ledgerdomain "github.com/smallbiznis/orderflow/internal/ledger/domain"
	orderdomain "github.com/smallbiznis/orderflow/internal/order/domain"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
	refunddomain "github.com/smallbiznis/orderflow/internal/refund/domain"
	"gorm.io/gorm"
)

// Models lists every table the service owns, in dependency order.
func Models() []any {
	return []any{
		&orderdomain.Order{},
		&paymentdomain.EventRecord{},
		&ledgerdomain.Entry{},
		&refunddomain.RefundRequest{},
	}
}

// Run brings the schema up to date. Postgres uses the versioned SQL files;
// sqlite and mysql are migrated from the models.
func Run(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if strings.EqualFold(conn.Dialector.Name(), "postgres") {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// RunMigrations applies the embedded postgres migrations.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}
