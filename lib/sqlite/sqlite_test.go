package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/dispatch/lib/sqlite"
)

func TestSqlite(t *testing.T) {
	req := require.New(t)

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS blip (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			blip_name TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS blip_name_index ON blip (blip_name)`,
	}

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "sub", "test.db")

	db, err := sqlite.Open(dbPath)
	req.NoError(err)
	req.NotNil(db)

	err = sqlite.InitDb(context.Background(), "testdb", db, ddl, nil)
	req.NoError(err)

	r, err := db.Exec("INSERT INTO blip (blip_name) VALUES ('blip1')")
	req.NoError(err)
	id, err := r.LastInsertId()
	req.NoError(err)
	req.Equal(int64(1), id)

	// re-running init on an initialised database is a no-op
	err = sqlite.InitDb(context.Background(), "testdb", db, ddl, nil)
	req.NoError(err)

	var count int
	req.NoError(db.QueryRow("SELECT COUNT(*) FROM blip").Scan(&count))
	req.Equal(1, count)

	req.NoError(db.Close())

	// reopen and migrate to version 2
	db, err = sqlite.Open(dbPath)
	req.NoError(err)

	migrated := false
	err = sqlite.InitDb(context.Background(), "testdb", db, ddl, []sqlite.MigrationFunc{
		func(ctx context.Context, tx *sql.Tx) error {
			migrated = true
			_, err := tx.ExecContext(ctx, "ALTER TABLE blip ADD COLUMN bloop TEXT NOT NULL DEFAULT ''")
			return err
		},
	})
	req.NoError(err)
	req.True(migrated)

	var version int
	req.NoError(db.QueryRow("SELECT MAX(version) FROM _meta").Scan(&version))
	req.Equal(2, version)

	_, err = db.Exec("UPDATE blip SET bloop = 'x' WHERE id = 1")
	req.NoError(err)
	req.NoError(db.Close())
}

func TestSqliteNewerSchema(t *testing.T) {
	req := require.New(t)

	db, err := sqlite.Open(":memory:")
	req.NoError(err)
	defer db.Close() // nolint

	req.NoError(sqlite.InitDb(context.Background(), "testdb", db, nil, []sqlite.MigrationFunc{
		func(context.Context, *sql.Tx) error { return nil },
	}))

	// a binary that only knows version 1 must refuse
	err = sqlite.InitDb(context.Background(), "testdb", db, nil, nil)
	req.Error(err)
}
