// Package memory implements the repository interfaces in process memory. It backs tests
// and single-process runs started with DATABASE_URL=memory://.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drewstone/docker-builder-platform/internal/domain"
	"github.com/drewstone/docker-builder-platform/internal/repository"
)

// Repository is a mutex guarded in-memory store.
type Repository struct {
	mu       sync.Mutex
	projects map[string]domain.Project
	builds   map[string]domain.Build
	caches   map[string]domain.Cache
	entries  map[string]domain.CacheEntry
	keys     []domain.CacheEntryKey
	now      func() time.Time
}

var _ repository.Store = (*Repository)(nil)

// New returns an empty repository.
func New() *Repository {
	return &Repository{
		projects: make(map[string]domain.Project),
		builds:   make(map[string]domain.Build),
		caches:   make(map[string]domain.Cache),
		entries:  make(map[string]domain.CacheEntry),
		now:      time.Now,
	}
}

// SetClock replaces the clock used for generated timestamps.
func (r *Repository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Ping always succeeds.
func (r *Repository) Ping(context.Context) error { return nil }

// CreateProject stores a project.
func (r *Repository) CreateProject(_ context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	if _, ok := r.projects[project.ID]; ok {
		return repository.ErrConflict
	}
	if project.CreatedAt.IsZero() {
		project.CreatedAt = r.now().UTC()
	}
	p := *project
	p.CacheTargetGB = maps.Clone(project.CacheTargetGB)
	r.projects[p.ID] = p
	return nil
}

// GetProjectByID fetches a project.
func (r *Repository) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	p.CacheTargetGB = maps.Clone(p.CacheTargetGB)
	return &p, nil
}

// ListProjects returns every project ordered by creation.
func (r *Repository) ListProjects(context.Context) ([]domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Project, 0, len(r.projects))
	for _, p := range r.projects {
		p.CacheTargetGB = maps.Clone(p.CacheTargetGB)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateProject replaces a stored project's settings. The creation time is kept.
func (r *Repository) UpdateProject(_ context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.projects[project.ID]
	if !ok {
		return repository.ErrNotFound
	}
	for id, other := range r.projects {
		if id != project.ID && other.Name == project.Name {
			return repository.ErrConflict
		}
	}
	p := *project
	p.CreatedAt = current.CreatedAt
	p.CacheTargetGB = maps.Clone(project.CacheTargetGB)
	r.projects[p.ID] = p
	return nil
}

// DeleteProject removes a project and everything that belongs to it.
func (r *Repository) DeleteProject(_ context.Context, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[projectID]; !ok {
		return repository.ErrNotFound
	}
	delete(r.projects, projectID)
	maps.DeleteFunc(r.builds, func(_ string, b domain.Build) bool { return b.ProjectID == projectID })
	removed := make(map[string]bool)
	maps.DeleteFunc(r.caches, func(id string, c domain.Cache) bool {
		if c.ProjectID == projectID {
			removed[id] = true
			return true
		}
		return false
	})
	maps.DeleteFunc(r.entries, func(_ string, e domain.CacheEntry) bool { return removed[e.CacheID] })
	r.keys = slices.DeleteFunc(r.keys, func(k domain.CacheEntryKey) bool { return removed[k.CacheID] })
	return nil
}

// CreateBuild stores a build.
func (r *Repository) CreateBuild(_ context.Context, build *domain.Build) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if build.ID == "" {
		build.ID = uuid.NewString()
	}
	if _, ok := r.builds[build.ID]; ok {
		return repository.ErrConflict
	}
	now := r.now().UTC()
	if build.CreatedAt.IsZero() {
		build.CreatedAt = now
	}
	build.UpdatedAt = now
	r.builds[build.ID] = cloneBuild(*build)
	return nil
}

// GetBuildByID fetches a build.
func (r *Repository) GetBuildByID(_ context.Context, buildID string) (*domain.Build, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.builds[buildID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	b = cloneBuild(b)
	return &b, nil
}

// ListBuilds returns builds for a project, newest first, with the unpaginated total.
func (r *Repository) ListBuilds(_ context.Context, filter domain.BuildFilter) ([]domain.Build, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []domain.Build
	for _, b := range r.builds {
		if filter.ProjectID != "" && b.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneBuild(b))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return matched[start:end], total, nil
}

// ListBuildsByArchStatus filters builds by architecture and status.
func (r *Repository) ListBuildsByArchStatus(_ context.Context, arch domain.Architecture, status domain.BuildStatus) ([]domain.Build, error) {
	return r.filterBuilds(func(b domain.Build) bool { return b.BuilderArch == arch && b.Status == status }), nil
}

// ListBuildsByBuilderStatus filters builds by assigned builder and status.
func (r *Repository) ListBuildsByBuilderStatus(_ context.Context, builderID string, status domain.BuildStatus) ([]domain.Build, error) {
	return r.filterBuilds(func(b domain.Build) bool { return b.BuilderID == builderID && b.Status == status }), nil
}

// ListProjectBuildsSince returns a project's builds created at or after since.
func (r *Repository) ListProjectBuildsSince(_ context.Context, projectID string, since time.Time) ([]domain.Build, error) {
	return r.filterBuilds(func(b domain.Build) bool {
		return b.ProjectID == projectID && !b.CreatedAt.Before(since)
	}), nil
}

func (r *Repository) filterBuilds(keep func(domain.Build) bool) []domain.Build {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Build
	for _, b := range r.builds {
		if keep(b) {
			out = append(out, cloneBuild(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MarkBuildBuilding moves a build to building.
func (r *Repository) MarkBuildBuilding(_ context.Context, buildID, builderID string, startedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.builds[buildID]
	if !ok {
		return repository.ErrNotFound
	}
	if b.Status.Terminal() {
		return repository.ErrBuildFinalized
	}
	b.Status = domain.BuildBuilding
	b.BuilderID = builderID
	if startedAt != nil {
		t := startedAt.UTC()
		b.StartedAt = &t
	}
	b.UpdatedAt = r.now().UTC()
	r.builds[buildID] = b
	return nil
}

// MarkBuildQueued moves a build back to queued.
func (r *Repository) MarkBuildQueued(_ context.Context, buildID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.builds[buildID]
	if !ok {
		return repository.ErrNotFound
	}
	if b.Status.Terminal() {
		return repository.ErrBuildFinalized
	}
	b.Status = domain.BuildQueued
	b.BuilderID = ""
	b.UpdatedAt = r.now().UTC()
	r.builds[buildID] = b
	return nil
}

// FinishBuild records a terminal outcome.
func (r *Repository) FinishBuild(_ context.Context, buildID string, outcome domain.BuildOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.builds[buildID]
	if !ok {
		return repository.ErrNotFound
	}
	if b.Status.Terminal() {
		return repository.ErrBuildFinalized
	}
	ended := outcome.EndedAt.UTC()
	b.Status = outcome.Status
	b.EndedAt = &ended
	b.DurationSeconds = outcome.DurationSeconds
	b.CacheHitRate = outcome.CacheHitRate
	b.CacheSavedSeconds = outcome.CacheSavedSeconds
	b.Digest = outcome.Digest
	b.SizeBytes = outcome.SizeBytes
	b.Error = outcome.Error
	b.BillableMinutes = outcome.BillableMinutes
	b.UpdatedAt = r.now().UTC()
	r.builds[buildID] = b
	return nil
}

// CreateCache inserts a cache or returns the existing one for the project and architecture.
func (r *Repository) CreateCache(_ context.Context, cache *domain.Cache) (*domain.Cache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.caches {
		if c.ProjectID == cache.ProjectID && c.Architecture == cache.Architecture {
			return &c, nil
		}
	}
	c := *cache
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := r.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastUsedAt.IsZero() {
		c.LastUsedAt = now
	}
	r.caches[c.ID] = c
	return &c, nil
}

// GetCache fetches the cache for a project and architecture.
func (r *Repository) GetCache(_ context.Context, projectID string, arch domain.Architecture) (*domain.Cache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.caches {
		if c.ProjectID == projectID && c.Architecture == arch {
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetCacheByID fetches a cache by id.
func (r *Repository) GetCacheByID(_ context.Context, cacheID string) (*domain.Cache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.caches[cacheID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

// ListCachesByProject returns a project's caches.
func (r *Repository) ListCachesByProject(_ context.Context, projectID string) ([]domain.Cache, error) {
	return r.filterCaches(func(c domain.Cache) bool { return c.ProjectID == projectID }), nil
}

// ListCaches returns every cache.
func (r *Repository) ListCaches(context.Context) ([]domain.Cache, error) {
	return r.filterCaches(func(domain.Cache) bool { return true }), nil
}

func (r *Repository) filterCaches(keep func(domain.Cache) bool) []domain.Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Cache
	for _, c := range r.caches {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].Architecture < out[j].Architecture
	})
	return out
}

// UpdateCacheSize records a recomputed size.
func (r *Repository) UpdateCacheSize(_ context.Context, cacheID string, sizeGB float64, lastUsedAt time.Time) error {
	return r.updateCache(cacheID, func(c *domain.Cache) {
		c.SizeGB = sizeGB
		c.LastUsedAt = lastUsedAt.UTC()
	})
}

// SetCacheHitRate overwrites the hit rate.
func (r *Repository) SetCacheHitRate(_ context.Context, cacheID string, hitRate float64) error {
	return r.updateCache(cacheID, func(c *domain.Cache) { c.HitRate = hitRate })
}

// BlendCacheHitRate applies the moving average update.
func (r *Repository) BlendCacheHitRate(_ context.Context, cacheID string, sample float64) (float64, error) {
	var rate float64
	err := r.updateCache(cacheID, func(c *domain.Cache) {
		c.HitRate = min(max(c.HitRate*0.9+sample*0.1, 0), 1)
		rate = c.HitRate
	})
	return rate, err
}

// ResetCache zeroes size and hit rate.
func (r *Repository) ResetCache(_ context.Context, cacheID string) error {
	return r.updateCache(cacheID, func(c *domain.Cache) {
		c.SizeGB = 0
		c.HitRate = 0
	})
}

func (r *Repository) updateCache(cacheID string, mutate func(*domain.Cache)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.caches[cacheID]
	if !ok {
		return repository.ErrNotFound
	}
	mutate(&c)
	r.caches[cacheID] = c
	return nil
}

// CreateCacheEntry stores an entry and its key alias.
func (r *Repository) CreateCacheEntry(_ context.Context, entry *domain.CacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.CacheID == entry.CacheID && e.Digest == entry.Digest {
			return repository.ErrConflict
		}
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := r.now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastUsedAt.IsZero() {
		entry.LastUsedAt = entry.CreatedAt
	}
	r.entries[entry.ID] = *entry
	r.keys = append(r.keys, domain.CacheEntryKey{
		CacheID:   entry.CacheID,
		Key:       entry.Key,
		EntryID:   entry.ID,
		CreatedAt: entry.CreatedAt,
	})
	return nil
}

// AddCacheEntryKey records an additional key for an existing entry.
func (r *Repository) AddCacheEntryKey(_ context.Context, key domain.CacheEntryKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key.EntryID]; !ok {
		return repository.ErrNotFound
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = r.now().UTC()
	}
	r.keys = append(r.keys, key)
	return nil
}

// GetCacheEntryByDigest finds the entry for a digest within a cache.
func (r *Repository) GetCacheEntryByDigest(_ context.Context, cacheID, digest string) (*domain.CacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.CacheID == cacheID && e.Digest == digest {
			return &e, nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetCacheEntryByKey resolves the latest alias for key.
func (r *Repository) GetCacheEntryByKey(_ context.Context, cacheID, key string) (*domain.CacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	best := -1
	for i, k := range r.keys {
		if k.CacheID != cacheID || k.Key != key {
			continue
		}
		if _, ok := r.entries[k.EntryID]; !ok {
			continue
		}
		// later appends win ties on equal timestamps
		if best < 0 || !k.CreatedAt.Before(r.keys[best].CreatedAt) {
			best = i
		}
	}
	if best < 0 {
		return nil, repository.ErrNotFound
	}
	e := r.entries[r.keys[best].EntryID]
	return &e, nil
}

// TouchCacheEntry refreshes lastUsedAt.
func (r *Repository) TouchCacheEntry(_ context.Context, entryID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[entryID]
	if !ok {
		return repository.ErrNotFound
	}
	e.LastUsedAt = at.UTC()
	r.entries[entryID] = e
	return nil
}

// ListCacheEntries returns entries oldest lastUsedAt first.
func (r *Repository) ListCacheEntries(_ context.Context, cacheID string) ([]domain.CacheEntry, error) {
	return r.filterEntries(func(e domain.CacheEntry) bool { return e.CacheID == cacheID }), nil
}

// ListCacheEntriesUsedBefore returns entries last used before cutoff.
func (r *Repository) ListCacheEntriesUsedBefore(_ context.Context, cacheID string, cutoff time.Time) ([]domain.CacheEntry, error) {
	return r.filterEntries(func(e domain.CacheEntry) bool {
		return e.CacheID == cacheID && e.LastUsedAt.Before(cutoff)
	}), nil
}

func (r *Repository) filterEntries(keep func(domain.CacheEntry) bool) []domain.CacheEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CacheEntry
	for _, e := range r.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastUsedAt.Equal(out[j].LastUsedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].LastUsedAt.Before(out[j].LastUsedAt)
	})
	return out
}

// DeleteCacheEntry removes an entry and its aliases.
func (r *Repository) DeleteCacheEntry(_ context.Context, entryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[entryID]; !ok {
		return repository.ErrNotFound
	}
	delete(r.entries, entryID)
	r.keys = slices.DeleteFunc(r.keys, func(k domain.CacheEntryKey) bool { return k.EntryID == entryID })
	return nil
}

// SumCacheEntrySizes totals entry sizes in bytes.
func (r *Repository) SumCacheEntrySizes(_ context.Context, cacheID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, e := range r.entries {
		if e.CacheID == cacheID {
			total += e.SizeBytes
		}
	}
	return total, nil
}

func cloneBuild(b domain.Build) domain.Build {
	b.Config.Platforms = slices.Clone(b.Config.Platforms)
	b.Config.Tags = slices.Clone(b.Config.Tags)
	b.Config.BuildArgs = maps.Clone(b.Config.BuildArgs)
	b.SealedSecrets = slices.Clone(b.SealedSecrets)
	return b
}
