package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	ekerrors "github.com/nwimmer/ekaci/internal/errors"
	"github.com/nwimmer/ekaci/internal/logfields"
	"log/slog"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrate applies every migration under migrations/ that isn't already
// recorded in schema_migrations, in lexical filename order, each inside
// its own transaction. Applying the full set twice is a no-op: the second
// run finds every name already recorded and executes nothing.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return ekerrors.Wrap(ekerrors.KindStore, "create schema_migrations", err)
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return ekerrors.Wrap(ekerrors.KindStore, "read embedded migrations", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		applied, err := migrationApplied(ctx, db, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		contents, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return ekerrors.Wrap(ekerrors.KindStore, "read migration "+name, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return ekerrors.Wrap(ekerrors.KindStore, "begin migration tx", err)
		}
		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			_ = tx.Rollback()
			return ekerrors.Wrap(ekerrors.KindStore, "apply migration "+name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			name, time.Now().Unix(),
		); err != nil {
			_ = tx.Rollback()
			return ekerrors.Wrap(ekerrors.KindStore, "record migration "+name, err)
		}
		if err := tx.Commit(); err != nil {
			return ekerrors.Wrap(ekerrors.KindStore, "commit migration "+name, err)
		}
		slog.Info("applied migration", logfields.Migration(name))
	}

	return nil
}

func migrationApplied(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, ekerrors.Wrap(ekerrors.KindStore, fmt.Sprintf("check migration %s applied", name), err)
	}
	return count > 0, nil
}
