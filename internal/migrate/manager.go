// Package migrate applies the embedded document table migrations with goose.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed sql/postgres/*.sql sql/sqlite/*.sql
var migrations embed.FS

// Dialect names a supported SQL backend.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Manager runs migrations for one database.
type Manager struct {
	provider *goose.Provider
}

// NewManager constructs a Manager for db.
func NewManager(db *sql.DB, dialect Dialect) (*Manager, error) {
	var gd goose.Dialect
	switch dialect {
	case Postgres:
		gd = goose.DialectPostgres
	case SQLite:
		gd = goose.DialectSQLite3
	default:
		return nil, fmt.Errorf("migrate: unsupported dialect %q", dialect)
	}
	fsys, err := fs.Sub(migrations, "sql/"+string(dialect))
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	p, err := goose.NewProvider(gd, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("migrate: new provider: %w", err)
	}
	return &Manager{provider: p}, nil
}

// Up applies all pending migrations and returns how many ran.
func (m *Manager) Up(ctx context.Context) (int, error) {
	res, err := m.provider.Up(ctx)
	if err != nil {
		return len(res), fmt.Errorf("migrate up: %w", err)
	}
	return len(res), nil
}

// Down rolls back the most recent migration.
func (m *Manager) Down(ctx context.Context) error {
	if _, err := m.provider.Down(ctx); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// Status returns one line per known migration, oldest first.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	statuses, err := m.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate status: %w", err)
	}
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		line := fmt.Sprintf("%05d %s %s", st.Source.Version, st.Source.Path, st.State)
		if st.State == goose.StateApplied {
			line += " " + st.AppliedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		out = append(out, line)
	}
	return out, nil
}
