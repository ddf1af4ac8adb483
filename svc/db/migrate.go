package db

import (
	"embed"
	"psst/svc/util"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the PostgreSQL schema at databaseURL up to date. A dirty
// version left by a crashed run is forced before migrating.
func Migrate(databaseURL string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "open migration source")
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return errors.Wrap(err, "init migrator")
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			util.Warn().AnErr("source", srcErr).AnErr("db", dbErr).Msg("close migrator")
		}
	}()
	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return errors.Wrap(err, "read schema version")
	}
	if dirty {
		util.Warn().Uint("version", version).Msg("schema dirty, forcing version")
		if err := m.Force(int(version)); err != nil {
			return errors.Wrap(err, "force schema version")
		}
	}
	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			util.Debug().Uint("version", version).Msg("schema up to date")
			return nil
		}
		return errors.Wrap(err, "migrate up")
	}
	newVersion, _, _ := m.Version()
	util.Info().Uint("version", newVersion).Msg("schema migrated")
	return nil
}
