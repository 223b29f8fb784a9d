// Package migrate applies versioned schema migrations. Files are named
// NNNN_name.up.sql / NNNN_name.down.sql; applied versions are tracked in
// the schema_migrations table.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"campusgate.org/internal/obs"
)

var fileRe = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

// Migration is one versioned schema step.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// Manager applies migrations against one database.
type Manager struct {
	db         *sql.DB
	migrations []Migration
}

// New loads migrations from the filesystem root.
func New(db *sql.DB, fsys fs.FS) (*Manager, error) {
	byVersion := map[int]*Migration{}
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		m := fileRe.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			return fmt.Errorf("migrate: bad version in %s: %w", d.Name(), err)
		}
		body, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		mig := byVersion[version]
		if mig == nil {
			mig = &Migration{Version: version, Name: m[2]}
			byVersion[version] = mig
		}
		if m[3] == "up" {
			mig.UpSQL = string(body)
		} else {
			mig.DownSQL = string(body)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	mgr := &Manager{db: db}
	for _, mig := range byVersion {
		if strings.TrimSpace(mig.UpSQL) == "" {
			return nil, fmt.Errorf("migrate: version %d has no up file", mig.Version)
		}
		mgr.migrations = append(mgr.migrations, *mig)
	}
	sort.Slice(mgr.migrations, func(i, j int) bool {
		return mgr.migrations[i].Version < mgr.migrations[j].Version
	})
	return mgr, nil
}

func (m *Manager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func (m *Manager) applied(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

// Up applies every pending migration in order, each inside its own
// transaction.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("migrate: ensure table: %w", err)
	}
	done, err := m.applied(ctx)
	if err != nil {
		return fmt.Errorf("migrate: read applied: %w", err)
	}
	for _, mig := range m.migrations {
		if done[mig.Version] {
			continue
		}
		if err := m.runTx(ctx, mig.UpSQL, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
				mig.Version, mig.Name)
			return err
		}); err != nil {
			return fmt.Errorf("migrate: apply %04d_%s: %w", mig.Version, mig.Name, err)
		}
		obs.LogEvent(map[string]any{"type": "migrate", "direction": "up", "version": mig.Version, "name": mig.Name})
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("migrate: ensure table: %w", err)
	}
	done, err := m.applied(ctx)
	if err != nil {
		return fmt.Errorf("migrate: read applied: %w", err)
	}
	for i := len(m.migrations) - 1; i >= 0; i-- {
		mig := m.migrations[i]
		if !done[mig.Version] {
			continue
		}
		if strings.TrimSpace(mig.DownSQL) == "" {
			return fmt.Errorf("migrate: version %d has no down file", mig.Version)
		}
		if err := m.runTx(ctx, mig.DownSQL, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, mig.Version)
			return err
		}); err != nil {
			return fmt.Errorf("migrate: revert %04d_%s: %w", mig.Version, mig.Name, err)
		}
		obs.LogEvent(map[string]any{"type": "migrate", "direction": "down", "version": mig.Version, "name": mig.Name})
		return nil
	}
	return nil
}

// Status returns the pending versions.
func (m *Manager) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("migrate: ensure table: %w", err)
	}
	done, err := m.applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate: read applied: %w", err)
	}
	var pending []Migration
	for _, mig := range m.migrations {
		if !done[mig.Version] {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

func (m *Manager) runTx(ctx context.Context, script string, record func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}
