package repository

import (
	"context"
	"time"

	"github.com/drewstone/docker-builder-platform/internal/domain"
)

// ProjectRepository persists project configuration.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	// UpdateProject replaces the settings of an existing project.
	UpdateProject(ctx context.Context, project *domain.Project) error
	// DeleteProject removes a project together with its builds, caches and entries.
	DeleteProject(ctx context.Context, projectID string) error
}

// BuildRepository persists builds. Status changes only apply to builds that are not yet
// terminal; otherwise ErrBuildFinalized is returned.
type BuildRepository interface {
	CreateBuild(ctx context.Context, build *domain.Build) error
	GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error)
	ListBuilds(ctx context.Context, filter domain.BuildFilter) ([]domain.Build, int, error)
	ListBuildsByArchStatus(ctx context.Context, arch domain.Architecture, status domain.BuildStatus) ([]domain.Build, error)
	ListBuildsByBuilderStatus(ctx context.Context, builderID string, status domain.BuildStatus) ([]domain.Build, error)
	// ListProjectBuildsSince returns a project's builds created at or after since, oldest first.
	ListProjectBuildsSince(ctx context.Context, projectID string, since time.Time) ([]domain.Build, error)
	// MarkBuildBuilding moves a build to building on builderID. A nil startedAt keeps the
	// previous start time.
	MarkBuildBuilding(ctx context.Context, buildID, builderID string, startedAt *time.Time) error
	// MarkBuildQueued moves a non-terminal build back to queued and clears its builder.
	MarkBuildQueued(ctx context.Context, buildID string) error
	FinishBuild(ctx context.Context, buildID string, outcome domain.BuildOutcome) error
}

// CacheRepository persists per project and architecture caches.
type CacheRepository interface {
	// CreateCache inserts cache unless one exists for its project and architecture, and
	// returns whichever row is stored.
	CreateCache(ctx context.Context, cache *domain.Cache) (*domain.Cache, error)
	GetCache(ctx context.Context, projectID string, arch domain.Architecture) (*domain.Cache, error)
	GetCacheByID(ctx context.Context, cacheID string) (*domain.Cache, error)
	ListCachesByProject(ctx context.Context, projectID string) ([]domain.Cache, error)
	ListCaches(ctx context.Context) ([]domain.Cache, error)
	UpdateCacheSize(ctx context.Context, cacheID string, sizeGB float64, lastUsedAt time.Time) error
	SetCacheHitRate(ctx context.Context, cacheID string, hitRate float64) error
	// BlendCacheHitRate folds sample into the stored rate as old*0.9 + sample*0.1 and
	// returns the new rate.
	BlendCacheHitRate(ctx context.Context, cacheID string, sample float64) (float64, error)
	ResetCache(ctx context.Context, cacheID string) error
}

// CacheEntryRepository persists cache entries and their key aliases.
type CacheEntryRepository interface {
	// CreateCacheEntry stores entry together with an alias for entry.Key.
	CreateCacheEntry(ctx context.Context, entry *domain.CacheEntry) error
	AddCacheEntryKey(ctx context.Context, key domain.CacheEntryKey) error
	GetCacheEntryByDigest(ctx context.Context, cacheID, digest string) (*domain.CacheEntry, error)
	// GetCacheEntryByKey resolves the most recently created alias for key.
	GetCacheEntryByKey(ctx context.Context, cacheID, key string) (*domain.CacheEntry, error)
	TouchCacheEntry(ctx context.Context, entryID string, at time.Time) error
	// ListCacheEntries returns entries oldest lastUsedAt first.
	ListCacheEntries(ctx context.Context, cacheID string) ([]domain.CacheEntry, error)
	ListCacheEntriesUsedBefore(ctx context.Context, cacheID string, cutoff time.Time) ([]domain.CacheEntry, error)
	DeleteCacheEntry(ctx context.Context, entryID string) error
	SumCacheEntrySizes(ctx context.Context, cacheID string) (int64, error)
}

// Store bundles every repository.
type Store interface {
	ProjectRepository
	BuildRepository
	CacheRepository
	CacheEntryRepository
	Ping(ctx context.Context) error
}
