// Package migrate applies the identity schema to PostgreSQL. Migration
// files live on disk as NNN_name.up.sql / NNN_name.down.sql pairs and
// are applied in lexical order; seed files are plain .sql applied once.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	migrationsTable = "schema_migrations"
	seedsTable      = "schema_seeds"
)

// Runner tracks applied migrations and seeds in bookkeeping tables and
// executes each file inside its own transaction.
type Runner struct {
	db            *sql.DB
	migrationsDir string
	seedsDir      string
	now           func() time.Time
}

// NewRunner constructs a Runner over an open connection pool. seedsDir
// may be empty when the deployment has no seed data.
func NewRunner(db *sql.DB, migrationsDir, seedsDir string) *Runner {
	return &Runner{
		db:            db,
		migrationsDir: migrationsDir,
		seedsDir:      seedsDir,
		now:           time.Now,
	}
}

// Up applies every pending migration in lexical order.
func (r *Runner) Up(ctx context.Context) error {
	if err := r.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := r.appliedSet(ctx, migrationsTable)
	if err != nil {
		return err
	}
	files, err := listSQL(r.migrationsDir, ".up.sql")
	if err != nil {
		return err
	}
	for _, file := range files {
		if applied[file.name] {
			continue
		}
		if err := r.applyFile(ctx, file.path); err != nil {
			return fmt.Errorf("apply %s: %w", file.name, err)
		}
		if err := r.record(ctx, migrationsTable, file.name); err != nil {
			return err
		}
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (r *Runner) Down(ctx context.Context) error {
	if err := r.ensureTables(ctx); err != nil {
		return err
	}
	history, err := r.appliedList(ctx, migrationsTable)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return errors.New("no migrations applied")
	}
	last := history[len(history)-1]
	downPath := filepath.Join(r.migrationsDir,
		strings.TrimSuffix(last, ".up.sql")+".down.sql")
	if _, err := os.Stat(downPath); err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	if err := r.applyFile(ctx, downPath); err != nil {
		return fmt.Errorf("rollback %s: %w", last, err)
	}
	_, err = r.db.ExecContext(ctx,
		`delete from `+migrationsTable+` where name=$1`, last)
	return err
}

// Status reports applied migrations in order plus the pending set.
func (r *Runner) Status(ctx context.Context) (applied, pending []string, err error) {
	if err := r.ensureTables(ctx); err != nil {
		return nil, nil, err
	}
	applied, err = r.appliedList(ctx, migrationsTable)
	if err != nil {
		return nil, nil, err
	}
	files, err := listSQL(r.migrationsDir, ".up.sql")
	if err != nil {
		return nil, nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}
	for _, file := range files {
		if !done[file.name] {
			pending = append(pending, file.name)
		}
	}
	return applied, pending, nil
}

// Seed applies each seed file at most once.
func (r *Runner) Seed(ctx context.Context) error {
	if err := r.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := r.appliedSet(ctx, seedsTable)
	if err != nil {
		return err
	}
	files, err := listSQL(r.seedsDir, ".sql")
	if err != nil {
		return err
	}
	for _, file := range files {
		if applied[file.name] {
			continue
		}
		if err := r.applyFile(ctx, file.path); err != nil {
			return fmt.Errorf("seed %s: %w", file.name, err)
		}
		if err := r.record(ctx, seedsTable, file.name); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) ensureTables(ctx context.Context) error {
	for _, table := range []string{migrationsTable, seedsTable} {
		ddl := fmt.Sprintf(`
			create table if not exists %s (
				name text primary key,
				applied_at timestamptz not null default now()
			)`, table)
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) applyFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Runner) record(ctx context.Context, table, name string) error {
	_, err := r.db.ExecContext(ctx,
		`insert into `+table+`(name, applied_at) values ($1, $2)`,
		name, r.now().UTC())
	return err
}

func (r *Runner) appliedSet(ctx context.Context, table string) (map[string]bool, error) {
	names, err := r.appliedList(ctx, table)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set, nil
}

func (r *Runner) appliedList(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`select name from `+table+` order by applied_at asc, name asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type sqlFile struct {
	name string
	path string
}

func listSQL(dir, suffix string) ([]sqlFile, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var files []sqlFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		files = append(files, sqlFile{
			name: entry.Name(),
			path: filepath.Join(dir, entry.Name()),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

// splitStatements cuts SQL on semicolons outside single-quoted strings
// and strips line comments. Enough for plain DDL; no dollar-quoting.
func splitStatements(input string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
	)
	for _, line := range strings.Split(input, "\n") {
		if !inString && strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for _, r := range line {
			switch r {
			case '\'':
				inString = !inString
				current.WriteRune(r)
			case ';':
				current.WriteRune(r)
				if !inString {
					stmts = append(stmts, current.String())
					current.Reset()
				}
			default:
				current.WriteRune(r)
			}
		}
		current.WriteRune('\n')
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
