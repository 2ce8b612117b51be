package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// Dialect SQL-диалект хранилища
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var _ repository.Store = (*Store)(nil)

// Store реализация repository.Store поверх sqlx. Запросы пишутся с "?" и
// переводятся в синтаксис драйвера через Rebind.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	pool    *pgxpool.Pool
	log     *logger.Logger
}

// OpenPostgres создает пул pgx и оборачивает его в sqlx.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32, log *logger.Logger) (*Store, error) {
	log.Info("Connecting to PostgreSQL")

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Настраиваем пул соединений
	if maxConns <= 0 {
		maxConns = 10
	}
	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Проверяем подключение
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info("Successfully connected to PostgreSQL")
	return &Store{
		db:      sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx"),
		dialect: DialectPostgres,
		pool:    pool,
		log:     log,
	}, nil
}

// OpenSQLite открывает встроенную базу. Пишет один коннект, поэтому
// конкурентные транзакции сериализуются.
func OpenSQLite(ctx context.Context, dsn string, log *logger.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}

	log.Infow("Opened SQLite store", "dsn", dsn)
	return &Store{db: db, dialect: DialectSQLite, log: log}, nil
}

// Dialect возвращает диалект хранилища
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping проверяет соединение
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close закрывает соединения
func (s *Store) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	if err != nil {
		return fmt.Errorf("repository: failed to close database: %w", err)
	}
	return nil
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

// isUniqueViolation распознает нарушение уникальности у обоих драйверов.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// dbTime нормализует время перед записью: UTC, точность до микросекунд.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return dbTime(*t)
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return domain.TimePtr(t.Time)
}
