package database

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var embeddedMigrations embed.FS

// Migrate applies pending migrations from the embedded dialect directory in
// lexicographic filename order. Each filename is a version; applied
// versions are recorded in schema_migrations and never run twice.
//
// Statements run per-file. A statement failing with a duplicate-column
// error counts as success, so re-running after a partially applied ALTER
// converges. On the secondary dialect the script and its bookkeeping share
// one transaction; the native dialect records after the script (its DDL
// takes effect statement by statement regardless).
func (d *DB) Migrate(ctx context.Context) error {
	return d.migrateFrom(ctx, embeddedMigrations, "migrations/"+string(d.dialect))
}

func (d *DB) migrateFrom(ctx context.Context, fsys fs.FS, dir string) error {
	if err := d.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return errors.Wrapf(err, "failed to read migrations directory %s", dir)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	applied, err := d.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		if applied[name] {
			continue
		}
		script, err := fs.ReadFile(fsys, dir+"/"+name)
		if err != nil {
			return errors.Wrapf(err, "failed to read migration %s", name)
		}
		if err := d.applyMigration(ctx, name, string(script)); err != nil {
			return err
		}
		d.logger.Info("migration applied", map[string]interface{}{
			"version": name,
		})
	}
	return nil
}

func (d *DB) ensureMigrationsTable(ctx context.Context) error {
	var ddl string
	if d.dialect == DialectPostgres {
		ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
	} else {
		ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)`
	}
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrap(err, "failed to create schema_migrations")
	}
	return nil
}

func (d *DB) appliedVersions(ctx context.Context) (map[string]bool, error) {
	var versions []string
	if err := d.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations"); err != nil {
		return nil, errors.Wrap(err, "failed to load applied migrations")
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func (d *DB) applyMigration(ctx context.Context, name, script string) error {
	statements := SplitStatements(script)

	if d.dialect == DialectPostgres {
		tx, err := d.db.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "failed to begin migration transaction")
		}
		// A failed statement poisons a Postgres transaction, so each one
		// gets a savepoint the duplicate-column skip can roll back to.
		if err := d.runStatementsSavepointed(ctx, tx, name, statements); err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING", name); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "failed to record migration %s", name)
		}
		return errors.Wrapf(tx.Commit(), "failed to commit migration %s", name)
	}

	if err := d.runStatements(ctx, d.db, name, statements); err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)", name); err != nil {
		return errors.Wrapf(err, "failed to record migration %s", name)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

var _ execer = (*sqlx.DB)(nil)
var _ execer = (*sqlx.Tx)(nil)

func (d *DB) runStatements(ctx context.Context, e execer, name string, statements []string) error {
	for i, stmt := range statements {
		if _, err := e.ExecContext(ctx, stmt); err != nil {
			if IsDuplicateColumn(err) {
				d.logDuplicateColumnSkip(name, i+1)
				continue
			}
			if IsUniqueViolation(err) {
				return errors.Wrapf(err, "migration %s statement %d: existing rows violate a new unique constraint; deduplicate the data and re-run (%s)",
					name, i+1, snippet(stmt))
			}
			return errors.Wrapf(err, "migration %s failed at statement %d (%s)",
				name, i+1, snippet(stmt))
		}
	}
	return nil
}

func (d *DB) runStatementsSavepointed(ctx context.Context, tx *sqlx.Tx, name string, statements []string) error {
	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT mig_stmt"); err != nil {
			return errors.Wrapf(err, "migration %s failed to set savepoint", name)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if IsDuplicateColumn(err) {
				if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT mig_stmt"); rbErr != nil {
					return errors.Wrapf(rbErr, "migration %s failed to roll back savepoint", name)
				}
				d.logDuplicateColumnSkip(name, i+1)
				continue
			}
			if IsUniqueViolation(err) {
				return errors.Wrapf(err, "migration %s statement %d: existing rows violate a new unique constraint; deduplicate the data and re-run (%s)",
					name, i+1, snippet(stmt))
			}
			return errors.Wrapf(err, "migration %s failed at statement %d (%s)",
				name, i+1, snippet(stmt))
		}
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT mig_stmt"); err != nil {
			return errors.Wrapf(err, "migration %s failed to release savepoint", name)
		}
	}
	return nil
}

func (d *DB) logDuplicateColumnSkip(name string, statement int) {
	d.logger.Warn("skipping duplicate column statement", map[string]interface{}{
		"migration": name,
		"statement": statement,
	})
}

func snippet(stmt string) string {
	s := strings.Join(strings.Fields(stmt), " ")
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
