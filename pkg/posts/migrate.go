package posts

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// One directory per backend; the column types differ.
//
//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// migrateUp applies every pending migration under migrations/<backend>.
func migrateUp(backend string, driver database.Driver) error {
	src, err := iofs.New(migrationsFS, "migrations/"+backend)
	if err != nil {
		return fmt.Errorf("loading %s migrations: %w", backend, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, backend, driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running %s migrations: %w", backend, err)
	}
	return nil
}
