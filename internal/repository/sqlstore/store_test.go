package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/internal/repository/storetest"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "billing.db") + "?_busy_timeout=5000"
	s, err := OpenSQLite(context.Background(), dsn, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) repository.Store { return newSQLiteStore(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newSQLiteStore(t)
	require.NoError(t, s.Migrate())
}

func TestPostgresStoreConformance(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) repository.Store {
		ctx := context.Background()
		s, err := OpenPostgres(ctx, dsn, 4, logger.NewNop())
		require.NoError(t, err)
		require.NoError(t, s.Migrate())
		_, err = s.db.ExecContext(ctx, `TRUNCATE subscribers, ledger_entries, side_effect_dispatches`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
