// Package migrate applies the goose schema migrations through the service's pgx pool.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/drewstone/docker-builder-platform/db"
)

const runTimeout = time.Minute

// Migration is one schema version and whether it has been applied.
type Migration struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// Migrator runs goose against a pgx pool.
type Migrator struct {
	sqlDB    *sql.DB
	provider *goose.Provider
	log      *slog.Logger
}

// New builds a migrator over pool. An empty dir selects the migrations embedded in the binary.
func New(pool *pgxpool.Pool, dir string, log *slog.Logger) (*Migrator, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	if log == nil {
		log = slog.Default()
	}
	fsys, err := source(dir)
	if err != nil {
		return nil, err
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, fsys)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("configure goose: %w", err)
	}
	return &Migrator{sqlDB: sqlDB, provider: provider, log: log.With("component", "migrate")}, nil
}

func source(dir string) (fs.FS, error) {
	if dir == "" {
		return fs.Sub(db.Migrations, db.MigrationsRoot)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("locate migrations dir: %w", err)
	}
	return os.DirFS(dir), nil
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	results, err := m.provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		m.log.Info("migration applied", "version", r.Source.Version, "file", r.Source.Path, "duration", r.Duration)
	}
	version, err := m.provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	m.log.Info("schema up to date", "version", version, "applied", len(results))
	return nil
}

// Down rolls back the latest migration, or every migration above target when target > 0.
func (m *Migrator) Down(ctx context.Context, target int64) error {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	var (
		results []*goose.MigrationResult
		err     error
	)
	if target > 0 {
		results, err = m.provider.DownTo(ctx, target)
	} else {
		var r *goose.MigrationResult
		if r, err = m.provider.Down(ctx); r != nil {
			results = append(results, r)
		}
	}
	if err != nil {
		return fmt.Errorf("roll back migrations: %w", err)
	}
	for _, r := range results {
		m.log.Info("migration rolled back", "version", r.Source.Version, "file", r.Source.Path)
	}
	return nil
}

// Status lists every known migration in version order.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	statuses, err := m.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	out := make([]Migration, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, Migration{
			Version:   s.Source.Version,
			Name:      s.Source.Path,
			Applied:   s.State == goose.StateApplied,
			AppliedAt: s.AppliedAt,
		})
	}
	return out, nil
}

// Close releases the database handle. The pool stays open.
func (m *Migrator) Close() error {
	return m.sqlDB.Close()
}
