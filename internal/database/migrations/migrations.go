package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"ms-booking/internal/logger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed sql/*.sql
var files embed.FS

// ErrDirtySchema means an earlier run stopped part-way through a migration.
// The schema has to be inspected and repaired by hand, then marked with
// Force before Up will run again.
var ErrDirtySchema = errors.New("schema version is dirty")

// Runner applies the embedded PostgreSQL migrations over its own connection;
// the migrate driver closes whatever *sql.DB it is handed.
type Runner struct {
	dsn      string
	log      *logger.Logger
	migrator *migrate.Migrate
}

func NewRunner(dsn string, log *logger.Logger) *Runner {
	return &Runner{dsn: dsn, log: log}
}

func (r *Runner) Initialize() error {
	source, err := iofs.New(files, "sql")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	sqldb, err := sql.Open("postgres", r.dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}

	driver, err := postgres.WithInstance(sqldb, &postgres.Config{})
	if err != nil {
		_ = sqldb.Close()
		return fmt.Errorf("create postgres migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	r.migrator = migrator
	return nil
}

// Up runs all pending migrations. It refuses to touch a dirty schema.
func (r *Runner) Up() error {
	if r.migrator == nil {
		if err := r.Initialize(); err != nil {
			return err
		}
	}

	version, dirty, err := r.migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	if err := checkClean(version, dirty); err != nil {
		r.log.Error("MIGRATION", err.Error())
		return err
	}

	if err := r.migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	if version, _, err := r.migrator.Version(); err == nil {
		r.log.Info("MIGRATION", fmt.Sprintf("Schema at version %d", version))
	}
	return nil
}

// Force records version as the current, clean schema version without running
// anything.
func (r *Runner) Force(version int) error {
	if r.migrator == nil {
		if err := r.Initialize(); err != nil {
			return err
		}
	}
	if err := r.migrator.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	r.log.Warn("MIGRATION", fmt.Sprintf("Schema version forced to %d", version))
	return nil
}

func checkClean(version uint, dirty bool) error {
	if !dirty {
		return nil
	}
	return fmt.Errorf("%w at version %d: repair it, then run `migrate force %d` (or the previous version if it never applied)", ErrDirtySchema, version, version)
}

func (r *Runner) Down() error {
	if r.migrator == nil {
		if err := r.Initialize(); err != nil {
			return err
		}
	}
	if err := r.migrator.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

func (r *Runner) Close() error {
	if r.migrator == nil {
		return nil
	}
	sourceErr, databaseErr := r.migrator.Close()
	if sourceErr != nil {
		return fmt.Errorf("close migration source: %w", sourceErr)
	}
	if databaseErr != nil {
		return fmt.Errorf("close migration database: %w", databaseErr)
	}
	return nil
}
