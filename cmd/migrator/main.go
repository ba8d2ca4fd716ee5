package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"

	"authservice/migrations"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

func main() {
	var driver, storagePath, dsn, migrationsPath, migrationsTable string
	var down bool
	var steps int

	flag.StringVar(&driver, "driver", "sqlite", "database driver: sqlite or postgres")
	flag.StringVar(&storagePath, "storage-path", "", "path to sqlite database file")
	flag.StringVar(&dsn, "dsn", "", "postgres connection string")
	flag.StringVar(&migrationsPath, "migrations-path", "", "path to migrations directory, embedded migrations are used when empty")
	flag.StringVar(&migrationsTable, "migrations-table", "migrations", "name of migrations table")
	flag.BoolVar(&down, "down", false, "roll migrations back instead of applying them")
	flag.IntVar(&steps, "steps", 0, "number of migrations to apply or roll back, 0 means all")
	flag.Parse()

	databaseURL, err := databaseURL(driver, storagePath, dsn, migrationsTable)
	if err != nil {
		log.Fatal(err)
	}

	m, err := newMigrate(driver, migrationsPath, databaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	if err := run(m, down, steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			fmt.Println("no migrations to apply")
			return
		}
		log.Fatal(err)
	}

	fmt.Println("migrations applied")
}

func databaseURL(driver, storagePath, dsn, table string) (string, error) {
	switch driver {
	case "sqlite":
		if storagePath == "" {
			return "", errors.New("storage-path is required")
		}
		return fmt.Sprintf("sqlite3://%s?x-migrations-table=%s", storagePath, table), nil
	case "postgres":
		if dsn == "" {
			return "", errors.New("dsn is required")
		}
		u, err := pgx5URL(dsn)
		if err != nil {
			return "", err
		}
		return u + "x-migrations-table=" + table, nil
	default:
		return "", fmt.Errorf("unknown driver %q", driver)
	}
}

// pgx5URL rewrites a postgres:// dsn to the scheme the pgx/v5 migrate driver registers.
func pgx5URL(dsn string) (string, error) {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if rest, ok := strings.CutPrefix(dsn, prefix); ok {
			if strings.Contains(rest, "?") {
				return "pgx5://" + rest + "&", nil
			}
			return "pgx5://" + rest + "?", nil
		}
	}
	return "", errors.New("dsn must be a postgres:// url")
}

func newMigrate(driver, migrationsPath, databaseURL string) (*migrate.Migrate, error) {
	if migrationsPath != "" {
		return migrate.New("file://"+migrationsPath, databaseURL)
	}

	fsys, dir := migrations.SQLite, "sqlite"
	if driver == "postgres" {
		fsys, dir = migrations.Postgres, "postgres"
	}

	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, err
	}

	return migrate.NewWithSourceInstance("iofs", src, databaseURL)
}

func run(m *migrate.Migrate, down bool, steps int) error {
	switch {
	case steps > 0 && down:
		return m.Steps(-steps)
	case steps > 0:
		return m.Steps(steps)
	case down:
		return m.Down()
	default:
		return m.Up()
	}
}
