// Package sqlite opens and versions the SQLite databases used by the manager.
package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"
)

var log = logging.Logger("sqlite")

var pragmas = []string{
	"PRAGMA synchronous = normal",
	"PRAGMA temp_store = memory",
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

const metaTableDdl = `CREATE TABLE IF NOT EXISTS _meta (
	version UINT64 NOT NULL UNIQUE
)`

// MigrationFunc upgrades the schema from version N to N+1 inside tx.
type MigrationFunc func(ctx context.Context, tx *sql.Tx) error

// Open opens (creating if needed) the database at path and applies the
// standard pragmas. ":memory:" opens a private in-memory database.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, xerrors.Errorf("error creating database base directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?mode=rwc&_txlock=immediate")
	if err != nil {
		return nil, xerrors.Errorf("error opening database %s: %w", path, err)
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database otherwise
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, xerrors.Errorf("error executing pragma '%s': %w", stmt, err)
		}
	}

	return db, nil
}

// InitDb creates the schema on a fresh database, or walks the migrations on an
// existing one. The schema version is len(migrations)+1.
func InitDb(ctx context.Context, name string, db *sql.DB, ddl []string, migrations []MigrationFunc) error {
	if _, err := db.ExecContext(ctx, metaTableDdl); err != nil {
		return xerrors.Errorf("creating _meta table for %s: %w", name, err)
	}

	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM _meta").Scan(&version)
	if err != nil {
		return xerrors.Errorf("reading %s schema version: %w", name, err)
	}

	target := len(migrations) + 1
	if version == 0 {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return xerrors.Errorf("begin %s schema tx: %w", name, err)
		}
		for _, stmt := range ddl {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return xerrors.Errorf("error executing sql statement '%s': %w", stmt, err)
			}
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO _meta (version) VALUES (?)", target); err != nil {
			_ = tx.Rollback()
			return xerrors.Errorf("recording %s schema version: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return xerrors.Errorf("commit %s schema: %w", name, err)
		}
		log.Infow("created database schema", "db", name, "version", target)
		return nil
	}

	if version > target {
		return xerrors.Errorf("%s schema version %d is newer than supported version %d", name, version, target)
	}

	for v := version; v < target; v++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return xerrors.Errorf("begin %s migration tx: %w", name, err)
		}
		if err := migrations[v-1](ctx, tx); err != nil {
			_ = tx.Rollback()
			return xerrors.Errorf("migrating %s from version %d: %w", name, v, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO _meta (version) VALUES (?)", v+1); err != nil {
			_ = tx.Rollback()
			return xerrors.Errorf("recording %s schema version: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return xerrors.Errorf("commit %s migration: %w", name, err)
		}
		log.Infow("migrated database schema", "db", name, "version", v+1)
	}

	return nil
}
