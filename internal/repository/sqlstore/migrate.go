package sqlstore

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate накатывает встроенные миграции для диалекта хранилища.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations/"+string(s.dialect))
	if err != nil {
		return fmt.Errorf("migrate: failed to open embedded migrations: %w", err)
	}

	var m *migrate.Migrate
	switch s.dialect {
	case DialectPostgres:
		// Отдельное соединение: драйвер миграций закрывает его в m.Close.
		db := stdlib.OpenDB(*s.pool.Config().ConnConfig)
		driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
		if err != nil {
			db.Close()
			return fmt.Errorf("migrate: failed to init postgres driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "pgx5", driver)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		defer m.Close()
	case DialectSQLite:
		// Драйвер sqlite закрывает переданный *sql.DB в Close, поэтому Close не вызываем.
		driver, err := sqlitemigrate.WithInstance(s.db.DB, &sqlitemigrate.Config{})
		if err != nil {
			return fmt.Errorf("migrate: failed to init sqlite driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite3", driver)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	default:
		return fmt.Errorf("migrate: unsupported dialect %q", s.dialect)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up failed: %w", err)
	}
	version, dirty, err := m.Version()
	if err == nil {
		s.log.Infow("Database schema is up to date", "dialect", s.dialect, "version", version, "dirty", dirty)
	}
	return nil
}
