// Package migrations applies the Postgres schema for the dataset catalog
// and the pending interaction store.
package migrations

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	migrationTable = "tabletalk_schema_migrations"
	// lockKey is the pg advisory lock held for the whole of Up or Down so
	// concurrent deploys serialize instead of racing on the same version.
	lockKey int64 = 0x7461626c6574
)

var migrationNamePattern = regexp.MustCompile(`^([0-9]+)_(.+)\.(up|down)\.sql$`)

type Runner struct {
	fsys   fs.FS
	Logger *slog.Logger
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

type migration struct {
	Version  int64
	Name     string
	UpSQL    string
	DownSQL  string
	Checksum string
}

type appliedMigration struct {
	Version  int64
	Checksum string
}

type Status struct {
	Applied []int64
	Pending []int64
	// Modified lists applied versions whose up script changed since.
	Modified []int64
	// Unknown lists applied versions this binary has no script for.
	Unknown []int64
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Up applies pending migrations in version order. steps <= 0 applies all.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	count := 0
	err := withLock(ctx, db, func(conn *sql.Conn) error {
		migrations, applied, err := r.load(ctx, conn, false)
		if err != nil {
			return err
		}
		status := diffVersions(migrations, applied)
		if len(status.Modified) > 0 {
			return fmt.Errorf("applied migrations changed on disk: %v", status.Modified)
		}
		pending := make(map[int64]bool, len(status.Pending))
		for _, version := range status.Pending {
			pending[version] = true
		}
		for _, item := range migrations {
			if !pending[item.Version] {
				continue
			}
			if steps > 0 && count >= steps {
				break
			}
			if err := r.apply(ctx, conn, item); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// Down rolls back the newest applied migrations. steps <= 0 rolls back one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	count := 0
	err := withLock(ctx, db, func(conn *sql.Conn) error {
		migrations, applied, err := r.load(ctx, conn, true)
		if err != nil {
			return err
		}
		lookup := make(map[int64]migration, len(migrations))
		for _, item := range migrations {
			lookup[item.Version] = item
		}
		for _, done := range applied {
			if count >= steps {
				break
			}
			item, ok := lookup[done.Version]
			if !ok {
				return fmt.Errorf("applied migration %d is missing from source", done.Version)
			}
			if err := r.rollback(ctx, conn, item); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (r *Runner) Status(ctx context.Context, db *sql.DB) (Status, error) {
	migrations, applied, err := r.load(ctx, db, false)
	if err != nil {
		return Status{}, err
	}
	return diffVersions(migrations, applied), nil
}

func (r *Runner) load(ctx context.Context, q querier, newestFirst bool) ([]migration, []appliedMigration, error) {
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, nil, err
	}
	if err := ensureMigrationTable(ctx, q); err != nil {
		return nil, nil, err
	}
	applied, err := listApplied(ctx, q, newestFirst)
	if err != nil {
		return nil, nil, err
	}
	return migrations, applied, nil
}

func (r *Runner) apply(ctx context.Context, conn *sql.Conn, item migration) error {
	err := inTx(ctx, conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, item.UpSQL); err != nil {
			return fmt.Errorf("apply migration %d: %w", item.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO `+migrationTable+` (version, name, checksum) VALUES ($1, $2, $3)`, item.Version, item.Name, item.Checksum); err != nil {
			return fmt.Errorf("mark migration %d: %w", item.Version, err)
		}
		return nil
	})
	if err == nil && r.Logger != nil {
		r.Logger.InfoContext(ctx, "migration applied", "version", item.Version, "name", item.Name)
	}
	return err
}

func (r *Runner) rollback(ctx context.Context, conn *sql.Conn, item migration) error {
	err := inTx(ctx, conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, item.DownSQL); err != nil {
			return fmt.Errorf("rollback migration %d: %w", item.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+migrationTable+` WHERE version = $1`, item.Version); err != nil {
			return fmt.Errorf("unmark migration %d: %w", item.Version, err)
		}
		return nil
	})
	if err == nil && r.Logger != nil {
		r.Logger.InfoContext(ctx, "migration rolled back", "version", item.Version, "name", item.Name)
	}
	return err
}

func withLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) (err error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, unlockErr := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockKey)
		if unlockErr != nil && err == nil {
			err = fmt.Errorf("release migration lock: %w", unlockErr)
		}
	}()
	return fn(conn)
}

func inTx(ctx context.Context, conn *sql.Conn, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func diffVersions(migrations []migration, applied []appliedMigration) Status {
	known := make(map[int64]migration, len(migrations))
	for _, item := range migrations {
		known[item.Version] = item
	}
	status := Status{Applied: []int64{}, Pending: []int64{}}
	done := make(map[int64]bool, len(applied))
	for _, item := range applied {
		done[item.Version] = true
		status.Applied = append(status.Applied, item.Version)
		source, ok := known[item.Version]
		switch {
		case !ok:
			status.Unknown = append(status.Unknown, item.Version)
		case item.Checksum != "" && item.Checksum != source.Checksum:
			status.Modified = append(status.Modified, item.Version)
		}
	}
	for _, item := range migrations {
		if !done[item.Version] {
			status.Pending = append(status.Pending, item.Version)
		}
	}
	slices.Sort(status.Applied)
	return status
}

func ensureMigrationTable(ctx context.Context, q querier) error {
	query := `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := q.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

func listApplied(ctx context.Context, q querier, newestFirst bool) ([]appliedMigration, error) {
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	rows, err := q.QueryContext(ctx, `SELECT version, checksum FROM `+migrationTable+` ORDER BY version `+order)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var applied []appliedMigration
	for rows.Next() {
		var item appliedMigration
		if err := rows.Scan(&item.Version, &item.Checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied = append(applied, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	items := map[int64]*migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationNamePattern.FindStringSubmatch(path.Base(entry.Name()))
		if matches == nil {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version for %q: %w", entry.Name(), err)
		}
		script, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item, ok := items[version]
		if !ok {
			item = &migration{Version: version, Name: matches[2]}
			items[version] = item
		} else if item.Name != matches[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, item.Name, matches[2])
		}
		if matches[3] == "up" {
			item.UpSQL = string(script)
		} else {
			item.DownSQL = string(script)
		}
	}

	out := make([]migration, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		item.Checksum = checksum(item.UpSQL)
		out = append(out, *item)
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

func checksum(script string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(script)))
	return hex.EncodeToString(sum[:])
}
