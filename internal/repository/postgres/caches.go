package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/drewstone/docker-builder-platform/internal/domain"
	"github.com/drewstone/docker-builder-platform/internal/repository"
)

const cacheColumns = `id, project_id, architecture, size_gb, hit_rate, eviction_policy, last_used_at, created_at`

// CreateCache inserts a cache unless the project already has one for the architecture.
func (r *Repository) CreateCache(ctx context.Context, cache *domain.Cache) (*domain.Cache, error) {
	c := *cache
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastUsedAt.IsZero() {
		c.LastUsedAt = now
	}
	const query = `INSERT INTO caches (` + cacheColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (project_id, architecture) DO NOTHING`
	if _, err := r.pool.Exec(ctx, query, c.ID, c.ProjectID, c.Architecture, c.SizeGB,
		c.HitRate, c.EvictionPolicy, c.LastUsedAt, c.CreatedAt); err != nil {
		return nil, err
	}
	return r.GetCache(ctx, cache.ProjectID, cache.Architecture)
}

// GetCache fetches the cache for a project and architecture.
func (r *Repository) GetCache(ctx context.Context, projectID string, arch domain.Architecture) (*domain.Cache, error) {
	const query = `SELECT ` + cacheColumns + ` FROM caches WHERE project_id = $1 AND architecture = $2`
	return r.getCache(ctx, query, projectID, arch)
}

// GetCacheByID fetches a cache by identifier.
func (r *Repository) GetCacheByID(ctx context.Context, cacheID string) (*domain.Cache, error) {
	if !validID(cacheID) {
		return nil, repository.ErrNotFound
	}
	const query = `SELECT ` + cacheColumns + ` FROM caches WHERE id = $1`
	return r.getCache(ctx, query, cacheID)
}

func (r *Repository) getCache(ctx context.Context, query string, args ...any) (*domain.Cache, error) {
	cache, err := scanCache(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return cache, nil
}

// ListCachesByProject lists a project's caches.
func (r *Repository) ListCachesByProject(ctx context.Context, projectID string) ([]domain.Cache, error) {
	const query = `SELECT ` + cacheColumns + ` FROM caches WHERE project_id = $1 ORDER BY architecture`
	return r.queryCaches(ctx, query, projectID)
}

// ListCaches lists every cache.
func (r *Repository) ListCaches(ctx context.Context) ([]domain.Cache, error) {
	const query = `SELECT ` + cacheColumns + ` FROM caches ORDER BY project_id, architecture`
	return r.queryCaches(ctx, query)
}

// UpdateCacheSize stores a recomputed size.
func (r *Repository) UpdateCacheSize(ctx context.Context, cacheID string, sizeGB float64, lastUsedAt time.Time) error {
	const query = `UPDATE caches SET size_gb = $2, last_used_at = $3 WHERE id = $1`
	return r.execCache(ctx, query, cacheID, sizeGB, lastUsedAt)
}

// SetCacheHitRate overwrites the hit rate.
func (r *Repository) SetCacheHitRate(ctx context.Context, cacheID string, hitRate float64) error {
	const query = `UPDATE caches SET hit_rate = LEAST(GREATEST($2::double precision, 0), 1) WHERE id = $1`
	return r.execCache(ctx, query, cacheID, hitRate)
}

// BlendCacheHitRate applies the moving average in a single statement.
func (r *Repository) BlendCacheHitRate(ctx context.Context, cacheID string, sample float64) (float64, error) {
	const query = `UPDATE caches
		SET hit_rate = LEAST(GREATEST(hit_rate * 0.9 + $2::double precision * 0.1, 0), 1)
		WHERE id = $1
		RETURNING hit_rate`
	var rate float64
	if err := r.pool.QueryRow(ctx, query, cacheID, sample).Scan(&rate); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, err
	}
	return rate, nil
}

// ResetCache zeroes size and hit rate.
func (r *Repository) ResetCache(ctx context.Context, cacheID string) error {
	const query = `UPDATE caches SET size_gb = 0, hit_rate = 0 WHERE id = $1`
	return r.execCache(ctx, query, cacheID)
}

func (r *Repository) execCache(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) queryCaches(ctx context.Context, query string, args ...any) ([]domain.Cache, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var caches []domain.Cache
	for rows.Next() {
		cache, err := scanCache(rows)
		if err != nil {
			return nil, err
		}
		caches = append(caches, *cache)
	}
	return caches, rows.Err()
}

func scanCache(row pgx.Row) (*domain.Cache, error) {
	var c domain.Cache
	if err := row.Scan(&c.ID, &c.ProjectID, &c.Architecture, &c.SizeGB, &c.HitRate, &c.EvictionPolicy,
		&c.LastUsedAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}
