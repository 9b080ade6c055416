package db

import (
	"embed"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var MigrationFS embed.FS

// RunMigrations applies the embedded SQL migrations. ErrNoChange is not an error.
func RunMigrations(databaseURL string) error {
	src, err := iofs.New(MigrationFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "migration source")
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return errors.Wrap(err, "migrate init")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migrate up")
	}
	return nil
}
