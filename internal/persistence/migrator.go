package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Migrator applies the SQL files under migrations/ in version order.
// File naming follows golang-migrate: {version}_{name}.up.sql with a
// matching .down.sql. Applied versions are recorded in
// event_log.migrations so the ledger schema owns its own bookkeeping.
type Migrator struct {
	db  *sql.DB
	dir string
}

func NewMigrator(db *sql.DB, dir string) *Migrator {
	return &Migrator{db: db, dir: dir}
}

// Up applies every pending up-migration, each in its own transaction
// together with its bookkeeping row.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureBookkeeping(ctx); err != nil {
		return fmt.Errorf("migrations bookkeeping: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("load applied versions: %w", err)
	}

	files, err := m.listByVersion(".up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	for _, f := range files {
		version, err := parseVersion(f)
		if err != nil {
			return err
		}
		if applied[version] {
			continue
		}
		if err := m.applyFile(ctx, version, f); err != nil {
			return err
		}
		log.Printf("INFO: applied migration %s", f)
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureBookkeeping(ctx); err != nil {
		return fmt.Errorf("migrations bookkeeping: %w", err)
	}

	var version int64
	var filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM event_log.migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		log.Println("INFO: no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
	content, err := os.ReadFile(filepath.Join(m.dir, downFile))
	if err != nil {
		return fmt.Errorf("read %s: %w", downFile, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec %s: %w", downFile, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM event_log.migrations WHERE version = $1`, version,
	); err != nil {
		return fmt.Errorf("unrecord version %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("INFO: rolled back migration %s", downFile)
	return nil
}

// applyFile runs one up-migration and its bookkeeping row atomically.
func (m *Migrator) applyFile(ctx context.Context, version int64, filename string) error {
	content, err := os.ReadFile(filepath.Join(m.dir, filename))
	if err != nil {
		return fmt.Errorf("read %s: %w", filename, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", filename, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec %s: %w", filename, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_log.migrations (version, filename) VALUES ($1, $2)`,
		version, filename,
	); err != nil {
		return fmt.Errorf("record %s: %w", filename, err)
	}
	return tx.Commit()
}

// ensureBookkeeping creates the schema and bookkeeping table. The first
// up-migration also creates the event_log schema; doing it here as well
// lets the bookkeeping exist before any migration has run.
func (m *Migrator) ensureBookkeeping(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE SCHEMA IF NOT EXISTS event_log;
		CREATE TABLE IF NOT EXISTS event_log.migrations (
			version    BIGINT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int64]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM event_log.migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// listByVersion returns migration filenames with the given suffix sorted
// by numeric version, so 2 orders before 10 even without zero padding.
func (m *Migrator) listByVersion(suffix string) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}

	sort.Slice(files, func(i, j int) bool {
		vi, erri := parseVersion(files[i])
		vj, errj := parseVersion(files[j])
		if erri != nil || errj != nil {
			return files[i] < files[j]
		}
		return vi < vj
	})
	return files, nil
}

// parseVersion extracts the numeric prefix of a migration filename,
// "000002_projections.up.sql" giving 2.
func parseVersion(filename string) (int64, error) {
	prefix, _, found := strings.Cut(filename, "_")
	if !found {
		return 0, fmt.Errorf("migration %q has no version prefix", filename)
	}
	v, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("migration %q version: %w", filename, err)
	}
	return v, nil
}
