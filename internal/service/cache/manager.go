// Package cache implements the Cache Manager: content addressed layer storage per project
// and architecture, hit rate tracking, and size and retention based eviction.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/drewstone/docker-builder-platform/internal/domain"
	"github.com/drewstone/docker-builder-platform/internal/metrics"
	"github.com/drewstone/docker-builder-platform/internal/objectstore"
	"github.com/drewstone/docker-builder-platform/internal/repository"
	"github.com/drewstone/docker-builder-platform/internal/snapshot"
	"github.com/drewstone/docker-builder-platform/pkg/config"
)

// Buckets created on startup besides the layer bucket.
const (
	MetadataBucket  = "cache-metadata"
	ManifestsBucket = "cache-manifests"
)

// ErrMiss is returned by RetrieveCacheEntry when no usable entry exists for a key.
var ErrMiss = errors.New("cache miss")

// Store is the persistence the manager needs.
type Store interface {
	repository.ProjectRepository
	repository.CacheRepository
	repository.CacheEntryRepository
}

// Manager coordinates cache rows, entry rows and blobs.
type Manager struct {
	store     Store
	objects   objectstore.Store
	snapshots snapshot.Store
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       config.CacheConfig

	now func() time.Time

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	hits   int64
	misses int64
}

// New constructs a cache manager. metrics may be nil.
func New(store Store, objects objectstore.Store, snapshots snapshot.Store, m *metrics.Metrics, logger *slog.Logger, cfg config.CacheConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "cache-layers"
	}
	return &Manager{
		store:     store,
		objects:   objects,
		snapshots: snapshots,
		metrics:   m,
		logger:    logger.With("component", "cache"),
		cfg:       cfg,
		now:       time.Now,
		counters:  make(map[string]*counter),
	}
}

// Init creates the storage buckets.
func (m *Manager) Init(ctx context.Context) error {
	if err := objectstore.EnsureBuckets(ctx, m.objects, m.cfg.Bucket, MetadataBucket, ManifestsBucket); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}
	return nil
}

// ObjectPath is the blob location of an entry.
func ObjectPath(projectID string, arch domain.Architecture, d string) string {
	return projectID + "/" + string(arch) + "/" + d
}

// GetOrCreateCache returns the cache for projectID and arch, creating an empty one on
// first access.
func (m *Manager) GetOrCreateCache(ctx context.Context, projectID string, arch domain.Architecture) (*domain.Cache, error) {
	cache, err := m.store.GetCache(ctx, projectID, arch)
	if err == nil {
		return cache, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("get cache: %w", err)
	}
	if _, err := m.store.GetProjectByID(ctx, projectID); err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	cache, err = m.store.CreateCache(ctx, &domain.Cache{
		ProjectID:      projectID,
		Architecture:   arch,
		EvictionPolicy: domain.EvictionLRU,
		LastUsedAt:     m.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	m.logger.Info("cache created", "project_id", projectID, "architecture", arch, "cache_id", cache.ID)
	return cache, nil
}

// StoreCacheEntry stores payload under key. Content already present in the cache is not
// written again; the existing entry is refreshed and key becomes an alias for it.
func (m *Manager) StoreCacheEntry(ctx context.Context, projectID string, arch domain.Architecture, key string, payload []byte, meta domain.CacheEntryMetadata) (*domain.CacheEntry, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: cache key is required", domain.ErrValidation)
	}
	cache, err := m.GetOrCreateCache(ctx, projectID, arch)
	if err != nil {
		return nil, err
	}
	d := digest.FromBytes(payload).String()
	now := m.now().UTC()

	existing, err := m.store.GetCacheEntryByDigest(ctx, cache.ID, d)
	switch {
	case err == nil:
		return m.dedup(ctx, cache, existing, key, now)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("lookup cache entry: %w", err)
	}

	if err := m.objects.Put(ctx, m.cfg.Bucket, ObjectPath(projectID, arch, d), payload); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}
	entry := &domain.CacheEntry{
		CacheID:    cache.ID,
		BuildID:    meta.BuildID,
		Key:        key,
		Digest:     d,
		SizeBytes:  int64(len(payload)),
		Command:    meta.Command,
		LastUsedAt: now,
		CreatedAt:  now,
	}
	if err := m.store.CreateCacheEntry(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Lost a race with an identical store.
			if existing, getErr := m.store.GetCacheEntryByDigest(ctx, cache.ID, d); getErr == nil {
				return m.dedup(ctx, cache, existing, key, now)
			}
		}
		return nil, fmt.Errorf("create cache entry: %w", err)
	}
	m.metrics.CacheStored(false)
	if err := m.recomputeSize(ctx, cache.ID, now); err != nil {
		m.logger.Warn("failed to recompute cache size", "cache_id", cache.ID, "error", err)
	}
	m.logger.Debug("cache entry stored", "project_id", projectID, "architecture", arch, "key", key, "digest", d, "size_bytes", entry.SizeBytes)
	return entry, nil
}

func (m *Manager) dedup(ctx context.Context, cache *domain.Cache, existing *domain.CacheEntry, key string, now time.Time) (*domain.CacheEntry, error) {
	if err := m.store.TouchCacheEntry(ctx, existing.ID, now); err != nil {
		return nil, fmt.Errorf("touch cache entry: %w", err)
	}
	existing.LastUsedAt = now

	current, err := m.store.GetCacheEntryByKey(ctx, cache.ID, key)
	if err != nil || current.ID != existing.ID {
		if err := m.store.AddCacheEntryKey(ctx, domain.CacheEntryKey{
			CacheID: cache.ID, Key: key, EntryID: existing.ID, CreatedAt: now,
		}); err != nil {
			return nil, fmt.Errorf("add cache entry key: %w", err)
		}
	}
	m.metrics.CacheStored(true)
	return existing, nil
}

// RetrieveCacheEntry streams the latest entry stored under key. It returns ErrMiss when
// the key is unknown or the blob cannot be read.
func (m *Manager) RetrieveCacheEntry(ctx context.Context, projectID string, arch domain.Architecture, key string) (io.ReadCloser, *domain.CacheEntry, error) {
	cache, err := m.GetOrCreateCache(ctx, projectID, arch)
	if err != nil {
		return nil, nil, err
	}
	entry, err := m.store.GetCacheEntryByKey(ctx, cache.ID, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			m.recordLookup(cache.ID, false)
			return nil, nil, ErrMiss
		}
		return nil, nil, fmt.Errorf("lookup cache entry: %w", err)
	}

	body, err := m.objects.Get(ctx, m.cfg.Bucket, ObjectPath(projectID, arch, entry.Digest))
	if err != nil {
		m.logger.Error("failed to read cache object", "cache_id", cache.ID, "key", key, "digest", entry.Digest, "error", err)
		m.recordLookup(cache.ID, false)
		return nil, nil, ErrMiss
	}
	m.recordLookup(cache.ID, true)

	now := m.now().UTC()
	if err := m.store.TouchCacheEntry(ctx, entry.ID, now); err != nil {
		m.logger.Warn("failed to touch cache entry", "entry_id", entry.ID, "error", err)
	}
	entry.LastUsedAt = now
	return body, entry, nil
}

// RecordBuildHits folds a build's step hit ratio into the cache's moving average and
// returns the new rate.
func (m *Manager) RecordBuildHits(ctx context.Context, projectID string, arch domain.Architecture, hits, total int) (float64, error) {
	cache, err := m.GetOrCreateCache(ctx, projectID, arch)
	if err != nil {
		return 0, err
	}
	sample := float64(hits) / float64(max(total, 1))
	rate, err := m.store.BlendCacheHitRate(ctx, cache.ID, min(max(sample, 0), 1))
	if err != nil {
		return 0, fmt.Errorf("update hit rate: %w", err)
	}
	if err := m.recomputeSize(ctx, cache.ID, m.now().UTC()); err != nil {
		m.logger.Warn("failed to refresh cache", "cache_id", cache.ID, "error", err)
	}
	return rate, nil
}

// GetCacheStats summarises every cache of a project. The overall hit rate is the
// unweighted mean over architectures.
func (m *Manager) GetCacheStats(ctx context.Context, projectID string) (*domain.CacheStats, error) {
	if _, err := m.store.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	caches, err := m.store.ListCachesByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}

	stats := &domain.CacheStats{Architectures: make(map[domain.Architecture]domain.ArchitectureStats, len(caches))}
	var rateSum float64
	for _, c := range caches {
		entries, err := m.store.ListCacheEntries(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("list cache entries: %w", err)
		}
		var bytes int64
		for _, e := range entries {
			bytes += e.SizeBytes
		}
		sizeGB := domain.BytesToGB(bytes)
		stats.Architectures[c.Architecture] = domain.ArchitectureStats{
			SizeGB:     sizeGB,
			HitRate:    c.HitRate,
			EntryCount: len(entries),
			LastUsed:   c.LastUsedAt,
		}
		stats.TotalSizeGB += sizeGB
		stats.EntryCount += len(entries)
		rateSum += c.HitRate

		hits, misses := m.pending(c.ID)
		stats.Hits += hits
		stats.Misses += misses
	}
	if len(caches) > 0 {
		stats.HitRate = rateSum / float64(len(caches))
	}
	return stats, nil
}

// PruneCache deletes least recently used entries per architecture until each cache is at
// or below its target, and returns the GB freed. targetGB <= 0 selects the project target
// or the configured default. The last entry removed may take a cache well below target.
func (m *Manager) PruneCache(ctx context.Context, projectID string, targetGB float64) (float64, error) {
	project, err := m.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return 0, err
	}

	var freedBytes int64
	for _, arch := range domain.Architectures {
		cache, err := m.GetOrCreateCache(ctx, projectID, arch)
		if err != nil {
			return domain.BytesToGB(freedBytes), err
		}
		target := targetGB
		if target <= 0 {
			if t, ok := project.TargetGB(arch); ok {
				target = t
			} else {
				target = m.cfg.DefaultTargetGB
			}
		}

		entries, err := m.store.ListCacheEntries(ctx, cache.ID)
		if err != nil {
			return domain.BytesToGB(freedBytes), fmt.Errorf("list cache entries: %w", err)
		}
		var current int64
		for _, e := range entries {
			current += e.SizeBytes
		}
		for _, e := range entries {
			if domain.BytesToGB(current) <= target {
				break
			}
			if err := m.deleteEntry(ctx, projectID, arch, e); err != nil {
				m.logger.Error("failed to prune cache entry", "entry_id", e.ID, "error", err)
				continue
			}
			current -= e.SizeBytes
			freedBytes += e.SizeBytes
			m.logger.Info("cache entry pruned", "project_id", projectID, "architecture", arch, "digest", e.Digest, "size_gb", domain.BytesToGB(e.SizeBytes))
		}
		if err := m.recomputeSize(ctx, cache.ID, m.now().UTC()); err != nil {
			m.logger.Warn("failed to recompute cache size", "cache_id", cache.ID, "error", err)
		}
	}
	return domain.BytesToGB(freedBytes), nil
}

// ResetCache deletes every entry of the project and zeroes size and hit rate.
func (m *Manager) ResetCache(ctx context.Context, projectID string) error {
	if _, err := m.store.GetProjectByID(ctx, projectID); err != nil {
		return err
	}
	m.logger.Info("resetting project cache", "project_id", projectID)

	for _, arch := range domain.Architectures {
		cache, err := m.GetOrCreateCache(ctx, projectID, arch)
		if err != nil {
			return err
		}
		entries, err := m.store.ListCacheEntries(ctx, cache.ID)
		if err != nil {
			return fmt.Errorf("list cache entries: %w", err)
		}
		for _, e := range entries {
			if err := m.objects.Remove(ctx, m.cfg.Bucket, ObjectPath(projectID, arch, e.Digest)); err != nil {
				m.logger.Error("failed to remove cache object", "entry_id", e.ID, "error", err)
			}
			if err := m.store.DeleteCacheEntry(ctx, e.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("delete cache entry: %w", err)
			}
			m.metrics.CachePruned(e.SizeBytes)
		}
		if err := m.store.ResetCache(ctx, cache.ID); err != nil {
			return fmt.Errorf("reset cache: %w", err)
		}
		m.metrics.SetCacheSize(cache.ID, 0)

		m.mu.Lock()
		delete(m.counters, cache.ID)
		m.mu.Unlock()
	}
	return nil
}

// EvictStale deletes entries last used before each project's retention window and
// returns how many were removed.
func (m *Manager) EvictStale(ctx context.Context) (int, error) {
	projects, err := m.store.ListProjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("list projects: %w", err)
	}
	now := m.now().UTC()
	evicted := 0
	for _, project := range projects {
		days := project.RetentionDays(m.cfg.DefaultRetentionDays)
		cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)

		caches, err := m.store.ListCachesByProject(ctx, project.ID)
		if err != nil {
			m.logger.Warn("failed to list caches", "project_id", project.ID, "error", err)
			continue
		}
		for _, c := range caches {
			stale, err := m.store.ListCacheEntriesUsedBefore(ctx, c.ID, cutoff)
			if err != nil {
				m.logger.Warn("failed to list stale entries", "cache_id", c.ID, "error", err)
				continue
			}
			removed := 0
			for _, e := range stale {
				if err := m.deleteEntry(ctx, project.ID, c.Architecture, e); err != nil {
					m.logger.Error("failed to evict cache entry", "entry_id", e.ID, "error", err)
					continue
				}
				removed++
				m.logger.Info("evicted stale cache entry", "project_id", project.ID, "entry_id", e.ID,
					"age_days", int(now.Sub(e.LastUsedAt).Hours()/24))
			}
			if removed > 0 {
				if err := m.recomputeSize(ctx, c.ID, c.LastUsedAt); err != nil {
					m.logger.Warn("failed to recompute cache size", "cache_id", c.ID, "error", err)
				}
			}
			evicted += removed
		}
	}
	return evicted, nil
}

// statsSnapshot is the shared cache:stats:<id> document.
type statsSnapshot struct {
	CacheID   string    `json:"cacheId"`
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
	HitRate   float64   `json:"hitRate"`
	FlushedAt time.Time `json:"flushedAt"`
}

// FlushStats persists the instantaneous hit rate of every cache with pending lookups,
// publishes it as a snapshot and resets the counters. Counters of a failed flush are kept
// for the next round.
func (m *Manager) FlushStats(ctx context.Context) {
	m.mu.Lock()
	pending := m.counters
	m.counters = make(map[string]*counter, len(pending))
	m.mu.Unlock()

	for cacheID, c := range pending {
		if c.hits+c.misses == 0 {
			continue
		}
		rate := float64(c.hits) / float64(c.hits+c.misses)
		if err := m.store.SetCacheHitRate(ctx, cacheID, rate); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			m.logger.Warn("failed to persist cache hit rate", "cache_id", cacheID, "error", err)
			m.restore(cacheID, c)
			continue
		}
		if m.snapshots != nil {
			snap := statsSnapshot{CacheID: cacheID, Hits: c.hits, Misses: c.misses, HitRate: rate, FlushedAt: m.now().UTC()}
			if err := snapshot.PutJSON(ctx, m.snapshots, snapshot.CacheStatsKey(cacheID), snap, m.cfg.StatsTTL); err != nil {
				m.logger.Warn("failed to publish cache stats", "cache_id", cacheID, "error", err)
			}
		}
	}
}

// Run drives the eviction sweep and stats flush until ctx is cancelled. The two loops run
// independently so a slow sweep never delays a flush.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.every(ctx, m.cfg.EvictionInterval, "eviction", func(ctx context.Context) {
			if n, err := m.EvictStale(ctx); err != nil {
				m.logger.Warn("eviction sweep failed", "error", err)
			} else if n > 0 {
				m.logger.Info("eviction sweep finished", "evicted", n)
			}
		})
	}()
	go func() {
		defer wg.Done()
		m.every(ctx, m.cfg.StatsInterval, "stats flush", m.FlushStats)
	}()
	wg.Wait()
}

func (m *Manager) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.logger.Info(name+" loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info(name + " loop stopped")
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (m *Manager) deleteEntry(ctx context.Context, projectID string, arch domain.Architecture, e domain.CacheEntry) error {
	if err := m.objects.Remove(ctx, m.cfg.Bucket, ObjectPath(projectID, arch, e.Digest)); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}
	if err := m.store.DeleteCacheEntry(ctx, e.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	m.metrics.CachePruned(e.SizeBytes)
	return nil
}

// recomputeSize derives the cache size from the full entry set.
func (m *Manager) recomputeSize(ctx context.Context, cacheID string, lastUsedAt time.Time) error {
	total, err := m.store.SumCacheEntrySizes(ctx, cacheID)
	if err != nil {
		return err
	}
	sizeGB := domain.BytesToGB(total)
	if err := m.store.UpdateCacheSize(ctx, cacheID, sizeGB, lastUsedAt); err != nil {
		return err
	}
	m.metrics.SetCacheSize(cacheID, sizeGB)
	return nil
}

func (m *Manager) recordLookup(cacheID string, hit bool) {
	m.metrics.CacheLookup(hit)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[cacheID]
	if !ok {
		c = &counter{}
		m.counters[cacheID] = c
	}
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}

func (m *Manager) restore(cacheID string, c *counter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.counters[cacheID]
	if !ok {
		m.counters[cacheID] = c
		return
	}
	cur.hits += c.hits
	cur.misses += c.misses
}

func (m *Manager) pending(cacheID string) (int64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[cacheID]; ok {
		return c.hits, c.misses
	}
	return 0, 0
}
