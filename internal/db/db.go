// Package db opens the SQLite database backing the sqlite storage driver and
// keeps its schema current.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// Registers the "sqlite3" driver with database/sql.
	_ "github.com/mattn/go-sqlite3"

	"github.com/vrsandeep/pplx-kit/internal/assets"
	"github.com/vrsandeep/pplx-kit/internal/logger"
)

// Open connects to the SQLite database at path. File databases get a busy
// timeout so plugin storage writes from concurrent hooks wait instead of
// failing with SQLITE_BUSY.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" {
		database.SetMaxOpenConns(1)
	}

	if err = database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", path, err)
	}
	return database, nil
}

// Migrate applies the schema embedded in the assets package and returns the
// resulting schema version.
func Migrate(database *sql.DB, log logger.Logger) (uint, error) {
	return MigrateFrom(database, assets.MigrationsFS, "migrations", log)
}

// MigrateFrom applies the migrations found in dir of fsys.
func MigrateFrom(database *sql.DB, fsys fs.FS, dir string, log logger.Logger) (uint, error) {
	source, err := iofs.New(fsys, dir)
	if err != nil {
		return 0, fmt.Errorf("could not create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(database, &sqlite3.Config{})
	if err != nil {
		return 0, fmt.Errorf("could not create sqlite3 migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if log != nil {
		m.Log = migrateLogger{log}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("an error occurred while applying migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, err
	}
	if dirty {
		return version, fmt.Errorf("database schema version %d is dirty", version)
	}
	if log != nil {
		log.Debug(fmt.Sprintf("Database schema is at version %d", version))
	}
	return version, nil
}

// migrateLogger routes golang-migrate output to a namespaced logger.
type migrateLogger struct {
	log logger.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}

func (l migrateLogger) Verbose() bool { return false }
