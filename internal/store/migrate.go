package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	_ "modernc.org/sqlite"             // Pure-Go SQLite driver.
)

//go:embed migrations
var migrationsFS embed.FS

// Dialect selects the migration set and golang-migrate database driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Migrate applies the embedded migrations for dialect to the database at dsn
// over a dedicated connection. It is a no-op when the schema is already
// current.
func Migrate(ctx context.Context, dialect Dialect, dsn string) error {
	sqlDriver := "sqlite"
	if dialect == DialectPostgres {
		sqlDriver = "pgx"
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var (
		driver database.Driver
		name   string
	)
	switch dialect {
	case DialectPostgres:
		driver, err = pgxv5.WithInstance(db, &pgxv5.Config{})
		name = "pgx5"
	case DialectSQLite:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
		name = "sqlite"
	default:
		db.Close()
		return fmt.Errorf("migrate: unsupported dialect %q", dialect)
	}
	if err != nil {
		db.Close()
		return fmt.Errorf("initialise %s migration driver: %w", dialect, err)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		driver.Close()
		db.Close()
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, name, driver)
	if err != nil {
		driver.Close()
		db.Close()
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		m.Close()
		db.Close()
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigration(ctx, dialect, "noop")
			return nil
		}
		recordMigration(ctx, dialect, "failed")
		return fmt.Errorf("apply migrations: %w", err)
	}

	recordMigration(ctx, dialect, "applied")
	slog.Default().Info("database migrations applied", "dialect", dialect)
	return nil
}

func recordMigration(ctx context.Context, dialect Dialect, outcome string) {
	counter, err := otel.Meter("backtester/store").Int64Counter(
		"backtest.migrations",
		metric.WithDescription("Schema migration attempts by outcome"),
	)
	if err != nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dialect", string(dialect)),
		attribute.String("outcome", outcome),
	))
}
