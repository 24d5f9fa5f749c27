package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/drewstone/docker-builder-platform/internal/domain"
	"github.com/drewstone/docker-builder-platform/internal/repository"
)

const buildColumns = `id, project_id, user_id, status, config, builder_arch, builder_id, started_at, ended_at,
	duration_seconds, cache_hit_rate, cache_saved_seconds, digest, size_bytes, error, billable_minutes,
	created_at, updated_at, sealed_secrets`

// CreateBuild inserts a build record.
func (r *Repository) CreateBuild(ctx context.Context, build *domain.Build) error {
	if build.ID == "" {
		build.ID = uuid.NewString()
	}
	if build.CreatedAt.IsZero() {
		build.CreatedAt = time.Now().UTC()
	}
	build.UpdatedAt = build.CreatedAt
	cfg, err := json.Marshal(build.Config)
	if err != nil {
		return fmt.Errorf("encode build config: %w", err)
	}
	const query = `INSERT INTO builds (id, project_id, user_id, status, config, builder_arch, created_at, updated_at, sealed_secrets)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8)`
	_, err = r.pool.Exec(ctx, query, build.ID, build.ProjectID, build.UserID, build.Status, cfg, build.BuilderArch,
		build.CreatedAt, build.SealedSecrets)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// GetBuildByID fetches a build.
func (r *Repository) GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error) {
	if !validID(buildID) {
		return nil, repository.ErrNotFound
	}
	const query = `SELECT ` + buildColumns + ` FROM builds WHERE id = $1`
	build, err := scanBuild(r.pool.QueryRow(ctx, query, buildID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return build, nil
}

// ListBuilds lists builds for a project newest first and reports the total match count.
func (r *Repository) ListBuilds(ctx context.Context, filter domain.BuildFilter) ([]domain.Build, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 30
	}
	const where = ` WHERE ($1 = '' OR project_id::text = $1) AND ($2 = '' OR status = $2)`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM builds`+where, filter.ProjectID, string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + buildColumns + ` FROM builds` + where + ` ORDER BY created_at DESC LIMIT $3 OFFSET $4`
	builds, err := r.queryBuilds(ctx, query, filter.ProjectID, string(filter.Status), limit, max(filter.Offset, 0))
	if err != nil {
		return nil, 0, err
	}
	return builds, total, nil
}

// ListBuildsByArchStatus lists builds by builder architecture and status.
func (r *Repository) ListBuildsByArchStatus(ctx context.Context, arch domain.Architecture, status domain.BuildStatus) ([]domain.Build, error) {
	const query = `SELECT ` + buildColumns + ` FROM builds WHERE builder_arch = $1 AND status = $2 ORDER BY created_at`
	return r.queryBuilds(ctx, query, arch, status)
}

// ListBuildsByBuilderStatus lists builds by assigned builder and status.
func (r *Repository) ListBuildsByBuilderStatus(ctx context.Context, builderID string, status domain.BuildStatus) ([]domain.Build, error) {
	const query = `SELECT ` + buildColumns + ` FROM builds WHERE builder_id = $1 AND status = $2 ORDER BY created_at`
	return r.queryBuilds(ctx, query, builderID, status)
}

// ListProjectBuildsSince lists a project's builds created at or after since, oldest first.
func (r *Repository) ListProjectBuildsSince(ctx context.Context, projectID string, since time.Time) ([]domain.Build, error) {
	if !validID(projectID) {
		return nil, nil
	}
	const query = `SELECT ` + buildColumns + ` FROM builds WHERE project_id = $1 AND created_at >= $2 ORDER BY created_at`
	return r.queryBuilds(ctx, query, projectID, since)
}

// MarkBuildBuilding transitions a non-terminal build to building.
func (r *Repository) MarkBuildBuilding(ctx context.Context, buildID, builderID string, startedAt *time.Time) error {
	if !validID(buildID) {
		return repository.ErrNotFound
	}
	const query = `UPDATE builds
		SET status = 'building', builder_id = $2, started_at = COALESCE($3, started_at), updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'building')`
	tag, err := r.pool.Exec(ctx, query, buildID, builderID, startedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrFinalized(ctx, buildID)
	}
	return nil
}

// MarkBuildQueued returns a non-terminal build to the queued state.
func (r *Repository) MarkBuildQueued(ctx context.Context, buildID string) error {
	if !validID(buildID) {
		return repository.ErrNotFound
	}
	const query = `UPDATE builds SET status = 'queued', builder_id = '', updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'building')`
	tag, err := r.pool.Exec(ctx, query, buildID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrFinalized(ctx, buildID)
	}
	return nil
}

// FinishBuild records a terminal outcome on a non-terminal build.
func (r *Repository) FinishBuild(ctx context.Context, buildID string, outcome domain.BuildOutcome) error {
	if !validID(buildID) {
		return repository.ErrNotFound
	}
	const query = `UPDATE builds
		SET status = $2, ended_at = $3, duration_seconds = $4, cache_hit_rate = $5, cache_saved_seconds = $6,
			digest = $7, size_bytes = $8, error = $9, billable_minutes = $10, updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'building')`
	tag, err := r.pool.Exec(ctx, query, buildID, outcome.Status, outcome.EndedAt, outcome.DurationSeconds,
		outcome.CacheHitRate, outcome.CacheSavedSeconds, outcome.Digest, outcome.SizeBytes, outcome.Error,
		outcome.BillableMinutes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrFinalized(ctx, buildID)
	}
	return nil
}

func (r *Repository) missingOrFinalized(ctx context.Context, buildID string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM builds WHERE id = $1)`, buildID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrBuildFinalized
}

func (r *Repository) queryBuilds(ctx context.Context, query string, args ...any) ([]domain.Build, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var builds []domain.Build
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *build)
	}
	return builds, rows.Err()
}

func scanBuild(row pgx.Row) (*domain.Build, error) {
	var (
		b   domain.Build
		cfg []byte
	)
	if err := row.Scan(&b.ID, &b.ProjectID, &b.UserID, &b.Status, &cfg, &b.BuilderArch, &b.BuilderID,
		&b.StartedAt, &b.EndedAt, &b.DurationSeconds, &b.CacheHitRate, &b.CacheSavedSeconds, &b.Digest,
		&b.SizeBytes, &b.Error, &b.BillableMinutes, &b.CreatedAt, &b.UpdatedAt, &b.SealedSecrets); err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &b.Config); err != nil {
			return nil, fmt.Errorf("decode build config: %w", err)
		}
	}
	return &b, nil
}
