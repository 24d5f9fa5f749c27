package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drewstone/docker-builder-platform/internal/domain"
	"github.com/drewstone/docker-builder-platform/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.BuildRepository      = (*Repository)(nil)
	_ repository.CacheRepository      = (*Repository)(nil)
	_ repository.CacheEntryRepository = (*Repository)(nil)
	_ repository.Store                = (*Repository)(nil)
)

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const projectColumns = `id, name, region, autoscaling, builder_cpus, builder_memory_gb, cache_target_gb,
	cache_retention_days, build_timeout_minutes, created_at`

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}
	targets, err := json.Marshal(project.CacheTargetGB)
	if err != nil {
		return fmt.Errorf("encode cache targets: %w", err)
	}
	const query = `INSERT INTO projects (` + projectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.pool.Exec(ctx, query, project.ID, project.Name, project.Region, project.Autoscaling,
		project.BuilderCPUs, project.BuilderMemoryGB, targets, project.CacheRetentionDays,
		project.BuildTimeoutMinutes, project.CreatedAt)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	if !validID(projectID) {
		return nil, repository.ErrNotFound
	}
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	project, err := scanProject(r.pool.QueryRow(ctx, query, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return project, nil
}

// ListProjects returns every project.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *project)
	}
	return projects, rows.Err()
}

// UpdateProject replaces the settings of an existing project.
func (r *Repository) UpdateProject(ctx context.Context, project *domain.Project) error {
	if !validID(project.ID) {
		return repository.ErrNotFound
	}
	targets, err := json.Marshal(project.CacheTargetGB)
	if err != nil {
		return fmt.Errorf("encode cache targets: %w", err)
	}
	const query = `UPDATE projects
		SET name = $2, region = $3, autoscaling = $4, builder_cpus = $5, builder_memory_gb = $6,
			cache_target_gb = $7, cache_retention_days = $8, build_timeout_minutes = $9
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, project.ID, project.Name, project.Region, project.Autoscaling,
		project.BuilderCPUs, project.BuilderMemoryGB, targets, project.CacheRetentionDays,
		project.BuildTimeoutMinutes)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteProject removes a project. Builds, caches and cache entries cascade.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	if !validID(projectID) {
		return repository.ErrNotFound
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var (
		p       domain.Project
		targets []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Region, &p.Autoscaling, &p.BuilderCPUs, &p.BuilderMemoryGB,
		&targets, &p.CacheRetentionDays, &p.BuildTimeoutMinutes, &p.CreatedAt); err != nil {
		return nil, err
	}
	if len(targets) > 0 {
		if err := json.Unmarshal(targets, &p.CacheTargetGB); err != nil {
			return nil, fmt.Errorf("decode cache targets: %w", err)
		}
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// validID reports whether id can name a row. Identifier columns are UUIDs, so anything
// else cannot exist and is reported as not found rather than a syntax error.
func validID(id string) bool {
	return uuid.Validate(id) == nil
}
