package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/drewstone/docker-builder-platform/internal/domain"
	"github.com/drewstone/docker-builder-platform/internal/repository"
)

const entryColumns = `id, cache_id, build_id, key, digest, size_bytes, command, last_used_at, created_at`

// CreateCacheEntry inserts an entry and its key alias in one transaction.
func (r *Repository) CreateCacheEntry(ctx context.Context, entry *domain.CacheEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.LastUsedAt.IsZero() {
		entry.LastUsedAt = entry.CreatedAt
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const insertEntry = `INSERT INTO cache_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := tx.Exec(ctx, insertEntry, entry.ID, entry.CacheID, entry.BuildID, entry.Key, entry.Digest,
		entry.SizeBytes, entry.Command, entry.LastUsedAt, entry.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return err
	}
	const insertKey = `INSERT INTO cache_entry_keys (cache_id, key, entry_id, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, insertKey, entry.CacheID, entry.Key, entry.ID, entry.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AddCacheEntryKey records an additional key for an existing entry.
func (r *Repository) AddCacheEntryKey(ctx context.Context, key domain.CacheEntryKey) error {
	if !validID(key.EntryID) {
		return repository.ErrNotFound
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO cache_entry_keys (cache_id, key, entry_id, created_at)
		SELECT cache_id, $2, id, $3 FROM cache_entries WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, key.EntryID, key.Key, key.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetCacheEntryByDigest finds the entry for a digest within a cache.
func (r *Repository) GetCacheEntryByDigest(ctx context.Context, cacheID, digest string) (*domain.CacheEntry, error) {
	const query = `SELECT ` + entryColumns + ` FROM cache_entries WHERE cache_id = $1 AND digest = $2`
	return r.getEntry(ctx, query, cacheID, digest)
}

// GetCacheEntryByKey resolves the latest alias for key.
func (r *Repository) GetCacheEntryByKey(ctx context.Context, cacheID, key string) (*domain.CacheEntry, error) {
	const query = `SELECT e.id, e.cache_id, e.build_id, e.key, e.digest, e.size_bytes, e.command, e.last_used_at, e.created_at
		FROM cache_entry_keys k
		JOIN cache_entries e ON e.id = k.entry_id
		WHERE k.cache_id = $1 AND k.key = $2
		ORDER BY k.created_at DESC, k.id DESC
		LIMIT 1`
	return r.getEntry(ctx, query, cacheID, key)
}

func (r *Repository) getEntry(ctx context.Context, query string, args ...any) (*domain.CacheEntry, error) {
	entry, err := scanEntry(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

// TouchCacheEntry refreshes lastUsedAt.
func (r *Repository) TouchCacheEntry(ctx context.Context, entryID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE cache_entries SET last_used_at = $2 WHERE id = $1`, entryID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListCacheEntries returns entries oldest lastUsedAt first.
func (r *Repository) ListCacheEntries(ctx context.Context, cacheID string) ([]domain.CacheEntry, error) {
	const query = `SELECT ` + entryColumns + ` FROM cache_entries WHERE cache_id = $1 ORDER BY last_used_at, created_at`
	return r.queryEntries(ctx, query, cacheID)
}

// ListCacheEntriesUsedBefore returns entries last used before cutoff.
func (r *Repository) ListCacheEntriesUsedBefore(ctx context.Context, cacheID string, cutoff time.Time) ([]domain.CacheEntry, error) {
	const query = `SELECT ` + entryColumns + ` FROM cache_entries
		WHERE cache_id = $1 AND last_used_at < $2 ORDER BY last_used_at, created_at`
	return r.queryEntries(ctx, query, cacheID, cutoff)
}

// DeleteCacheEntry removes an entry; aliases cascade.
func (r *Repository) DeleteCacheEntry(ctx context.Context, entryID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM cache_entries WHERE id = $1`, entryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SumCacheEntrySizes totals entry sizes in bytes.
func (r *Repository) SumCacheEntrySizes(ctx context.Context, cacheID string) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(size_bytes), 0)::bigint FROM cache_entries WHERE cache_id = $1`, cacheID).Scan(&total)
	return total, err
}

func (r *Repository) queryEntries(ctx context.Context, query string, args ...any) ([]domain.CacheEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.CacheEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (*domain.CacheEntry, error) {
	var e domain.CacheEntry
	if err := row.Scan(&e.ID, &e.CacheID, &e.BuildID, &e.Key, &e.Digest, &e.SizeBytes, &e.Command,
		&e.LastUsedAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
