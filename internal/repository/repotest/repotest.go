// Package repotest holds behaviour checks shared by every repository.Store implementation.
package repotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/drewstone/docker-builder-platform/internal/domain"
	"github.com/drewstone/docker-builder-platform/internal/repository"
)

// Run exercises store against the repository contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) repository.Store) {
	t.Run("Projects", func(t *testing.T) { testProjects(t, newStore(t)) })
	t.Run("BuildLifecycle", func(t *testing.T) { testBuildLifecycle(t, newStore(t)) })
	t.Run("BuildListing", func(t *testing.T) { testBuildListing(t, newStore(t)) })
	t.Run("Caches", func(t *testing.T) { testCaches(t, newStore(t)) })
	t.Run("CacheEntries", func(t *testing.T) { testCacheEntries(t, newStore(t)) })
	t.Run("ProjectUpdateAndDelete", func(t *testing.T) { testProjectUpdateAndDelete(t, newStore(t)) })
}

var base = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func createProject(t *testing.T, store repository.Store, name string) *domain.Project {
	t.Helper()
	p := &domain.Project{
		ID:                 uuid.NewString(),
		Name:               name,
		CacheTargetGB:      map[domain.Architecture]float64{domain.ArchARM64: 12},
		CacheRetentionDays: 7,
		CreatedAt:          base,
	}
	if err := store.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return p
}

func createBuild(t *testing.T, store repository.Store, projectID string, arch domain.Architecture, at time.Time) *domain.Build {
	t.Helper()
	b := &domain.Build{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Status:      domain.BuildQueued,
		BuilderArch: arch,
		Config:      domain.BuildConfig{Platforms: []string{"linux/" + string(arch)}, Tags: []string{"app:1"}},
		CreatedAt:   at,
	}
	if err := store.CreateBuild(context.Background(), b); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return b
}

func testProjects(t *testing.T, store repository.Store) {
	ctx := context.Background()
	p := createProject(t, store, "api")

	got, err := store.GetProjectByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got.Name != "api" || got.CacheTargetGB[domain.ArchARM64] != 12 || got.CacheRetentionDays != 7 {
		t.Fatalf("unexpected project %+v", got)
	}

	if err := store.CreateProject(ctx, &domain.Project{ID: p.ID, Name: "other", CreatedAt: base}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	for _, id := range []string{uuid.NewString(), "missing"} {
		if _, err := store.GetProjectByID(ctx, id); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for %q, got %v", id, err)
		}
	}

	later := &domain.Project{ID: uuid.NewString(), Name: "web", CreatedAt: base.Add(time.Hour)}
	if err := store.CreateProject(ctx, later); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	list, err := store.ListProjects(ctx)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if len(list) != 2 || list[0].ID != p.ID || list[1].ID != later.ID {
		t.Fatalf("unexpected project order %+v", list)
	}
}

func testBuildLifecycle(t *testing.T, store repository.Store) {
	ctx := context.Background()
	p := createProject(t, store, "api")
	b := createBuild(t, store, p.ID, domain.ArchX86_64, base)

	started := base.Add(time.Second)
	if err := store.MarkBuildBuilding(ctx, b.ID, "builder-1", &started); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	// A nil start keeps the first one, as on reassignment after recovery.
	if err := store.MarkBuildBuilding(ctx, b.ID, "builder-2", nil); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	got, err := store.GetBuildByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got.Status != domain.BuildBuilding || got.BuilderID != "builder-2" {
		t.Fatalf("unexpected build %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("expected start %s, got %v", started, got.StartedAt)
	}
	if got.Config.Tags[0] != "app:1" {
		t.Fatalf("unexpected config %+v", got.Config)
	}

	outcome := domain.BuildOutcome{
		Status:            domain.BuildSuccess,
		EndedAt:           base.Add(95 * time.Second),
		DurationSeconds:   94,
		CacheHitRate:      0.5,
		CacheSavedSeconds: 3,
		Digest:            "sha256:abc",
		SizeBytes:         2048,
		BillableMinutes:   2,
	}
	if err := store.FinishBuild(ctx, b.ID, outcome); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	got, err = store.GetBuildByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got.Status != domain.BuildSuccess || got.BillableMinutes != 2 || got.Digest != "sha256:abc" || got.SizeBytes != 2048 {
		t.Fatalf("unexpected finished build %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(outcome.EndedAt) {
		t.Fatalf("expected end %s, got %v", outcome.EndedAt, got.EndedAt)
	}

	if err := store.FinishBuild(ctx, b.ID, domain.BuildOutcome{Status: domain.BuildCancelled, EndedAt: base}); !errors.Is(err, repository.ErrBuildFinalized) {
		t.Fatalf("expected ErrBuildFinalized, got %v", err)
	}
	if err := store.MarkBuildBuilding(ctx, b.ID, "builder-3", nil); !errors.Is(err, repository.ErrBuildFinalized) {
		t.Fatalf("expected ErrBuildFinalized, got %v", err)
	}
	if err := store.FinishBuild(ctx, uuid.NewString(), outcome); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetBuildByID(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testBuildListing(t *testing.T, store repository.Store) {
	ctx := context.Background()
	p := createProject(t, store, "api")
	other := createProject(t, store, "web")

	var ids []string
	for i := 0; i < 5; i++ {
		arch := domain.ArchX86_64
		if i%2 == 1 {
			arch = domain.ArchARM64
		}
		ids = append(ids, createBuild(t, store, p.ID, arch, base.Add(time.Duration(i)*time.Minute)).ID)
	}
	createBuild(t, store, other.ID, domain.ArchARM64, base)

	if err := store.MarkBuildBuilding(ctx, ids[1], "builder-a", nil); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if err := store.MarkBuildBuilding(ctx, ids[3], "builder-b", nil); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	page, total, err := store.ListBuilds(ctx, domain.BuildFilter{ProjectID: p.ID, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if total != 5 || len(page) != 2 || page[0].ID != ids[3] || page[1].ID != ids[2] {
		t.Fatalf("unexpected page total=%d %+v", total, page)
	}

	building, total, err := store.ListBuilds(ctx, domain.BuildFilter{ProjectID: p.ID, Status: domain.BuildBuilding, Limit: 10})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if total != 2 || len(building) != 2 {
		t.Fatalf("expected 2 building builds, got %d", total)
	}

	byArch, err := store.ListBuildsByArchStatus(ctx, domain.ArchARM64, domain.BuildBuilding)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if len(byArch) != 2 || byArch[0].ID != ids[1] || byArch[1].ID != ids[3] {
		t.Fatalf("unexpected arch listing %+v", byArch)
	}

	byNode, err := store.ListBuildsByBuilderStatus(ctx, "builder-b", domain.BuildBuilding)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if len(byNode) != 1 || byNode[0].ID != ids[3] {
		t.Fatalf("unexpected node listing %+v", byNode)
	}

	recent, err := store.ListProjectBuildsSince(ctx, p.ID, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if len(recent) != 3 || recent[0].ID != ids[2] || recent[2].ID != ids[4] {
		t.Fatalf("unexpected window listing %+v", recent)
	}

	if err := store.MarkBuildQueued(ctx, ids[3]); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	requeued, err := store.GetBuildByID(ctx, ids[3])
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if requeued.Status != domain.BuildQueued || requeued.BuilderID != "" {
		t.Fatalf("expected queued build without builder, got %s on %q", requeued.Status, requeued.BuilderID)
	}
	if err := store.FinishBuild(ctx, ids[0], domain.BuildOutcome{Status: domain.BuildError, EndedAt: base}); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if err := store.MarkBuildQueued(ctx, ids[0]); !errors.Is(err, repository.ErrBuildFinalized) {
		t.Fatalf("expected ErrBuildFinalized, got %v", err)
	}
}

func testProjectUpdateAndDelete(t *testing.T, store repository.Store) {
	ctx := context.Background()
	p := createProject(t, store, "api")
	other := createProject(t, store, "web")

	p.Autoscaling = true
	p.BuildTimeoutMinutes = 15
	p.CacheTargetGB = map[domain.Architecture]float64{domain.ArchX86_64: 40}
	p.CreatedAt = base.Add(time.Hour)
	if err := store.UpdateProject(ctx, p); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	got, err := store.GetProjectByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if !got.Autoscaling || got.BuildTimeoutMinutes != 15 || got.CacheTargetGB[domain.ArchX86_64] != 40 {
		t.Fatalf("expected updated settings, got %+v", got)
	}
	if _, ok := got.CacheTargetGB[domain.ArchARM64]; ok {
		t.Fatalf("expected targets to be replaced, got %+v", got.CacheTargetGB)
	}
	if !got.CreatedAt.Equal(base) {
		t.Fatalf("expected creation time to be kept, got %s", got.CreatedAt)
	}
	renamed := *got
	renamed.Name = other.Name
	if err := store.UpdateProject(ctx, &renamed); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := store.UpdateProject(ctx, &domain.Project{ID: uuid.NewString(), Name: "ghost"}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	b := createBuild(t, store, p.ID, domain.ArchX86_64, base)
	kept := createBuild(t, store, other.ID, domain.ArchX86_64, base)
	cache, err := store.CreateCache(ctx, &domain.Cache{ProjectID: p.ID, Architecture: domain.ArchX86_64, EvictionPolicy: domain.EvictionLRU})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	entry := &domain.CacheEntry{CacheID: cache.ID, Key: "layer", Digest: "sha256:abc", SizeBytes: 10, CreatedAt: base, LastUsedAt: base}
	if err := store.CreateCacheEntry(ctx, entry); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	if err := store.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if _, err := store.GetProjectByID(ctx, p.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected project to be gone, got %v", err)
	}
	if _, err := store.GetBuildByID(ctx, b.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected builds to be gone, got %v", err)
	}
	if _, err := store.GetCacheByID(ctx, cache.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected caches to be gone, got %v", err)
	}
	if _, err := store.GetCacheEntryByKey(ctx, cache.ID, "layer"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected entries to be gone, got %v", err)
	}
	if _, err := store.GetBuildByID(ctx, kept.ID); err != nil {
		t.Fatalf("expected other project's build to survive, got %v", err)
	}
	if err := store.DeleteProject(ctx, p.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testCaches(t *testing.T, store repository.Store) {
	ctx := context.Background()
	p := createProject(t, store, "api")

	first, err := store.CreateCache(ctx, &domain.Cache{ProjectID: p.ID, Architecture: domain.ArchARM64, EvictionPolicy: domain.EvictionLRU})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	second, err := store.CreateCache(ctx, &domain.Cache{ProjectID: p.ID, Architecture: domain.ArchARM64, EvictionPolicy: domain.EvictionLRU})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if first.ID == "" || first.ID != second.ID {
		t.Fatalf("expected one cache per project and architecture, got %q and %q", first.ID, second.ID)
	}
	if _, err := store.CreateCache(ctx, &domain.Cache{ProjectID: p.ID, Architecture: domain.ArchX86_64, EvictionPolicy: domain.EvictionLRU}); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	caches, err := store.ListCachesByProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if len(caches) != 2 {
		t.Fatalf("expected 2 caches, got %d", len(caches))
	}

	rate, err := store.BlendCacheHitRate(ctx, first.ID, 1)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if rate < 0.0999 || rate > 0.1001 {
		t.Fatalf("expected blended rate 0.1, got %f", rate)
	}
	if err := store.UpdateCacheSize(ctx, first.ID, 3.5, base); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	got, err := store.GetCacheByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got.SizeGB != 3.5 || !got.LastUsedAt.Equal(base) {
		t.Fatalf("unexpected cache %+v", got)
	}

	if err := store.ResetCache(ctx, first.ID); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	got, err = store.GetCache(ctx, p.ID, domain.ArchARM64)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got.SizeGB != 0 || got.HitRate != 0 {
		t.Fatalf("expected reset cache, got %+v", got)
	}
	if _, err := store.GetCacheByID(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testCacheEntries(t *testing.T, store repository.Store) {
	ctx := context.Background()
	p := createProject(t, store, "api")
	cache, err := store.CreateCache(ctx, &domain.Cache{ProjectID: p.ID, Architecture: domain.ArchX86_64, EvictionPolicy: domain.EvictionLRU})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}

	older := &domain.CacheEntry{CacheID: cache.ID, Key: "layer-a", Digest: "sha256:aaa", SizeBytes: 100, CreatedAt: base, LastUsedAt: base}
	newer := &domain.CacheEntry{CacheID: cache.ID, Key: "layer-b", Digest: "sha256:bbb", SizeBytes: 50, CreatedAt: base.Add(time.Minute), LastUsedAt: base.Add(time.Minute)}
	for _, e := range []*domain.CacheEntry{older, newer} {
		if err := store.CreateCacheEntry(ctx, e); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	}
	dup := &domain.CacheEntry{CacheID: cache.ID, Key: "layer-c", Digest: "sha256:aaa", SizeBytes: 100, CreatedAt: base, LastUsedAt: base}
	if err := store.CreateCacheEntry(ctx, dup); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// layer-a now also names the newer content.
	if err := store.AddCacheEntryKey(ctx, domain.CacheEntryKey{CacheID: cache.ID, Key: "layer-a", EntryID: newer.ID, CreatedAt: base.Add(2 * time.Minute)}); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	got, err := store.GetCacheEntryByKey(ctx, cache.ID, "layer-a")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got.ID != newer.ID {
		t.Fatalf("expected latest alias to win, got %s", got.Digest)
	}

	byDigest, err := store.GetCacheEntryByDigest(ctx, cache.ID, "sha256:aaa")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if byDigest.ID != older.ID {
		t.Fatalf("unexpected entry %+v", byDigest)
	}

	sum, err := store.SumCacheEntrySizes(ctx, cache.ID)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if sum != 150 {
		t.Fatalf("expected 150 bytes, got %d", sum)
	}

	if err := store.TouchCacheEntry(ctx, older.ID, base.Add(time.Hour)); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	entries, err := store.ListCacheEntries(ctx, cache.ID)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if len(entries) != 2 || entries[0].ID != newer.ID || entries[1].ID != older.ID {
		t.Fatalf("expected least recently used first, got %+v", entries)
	}
	stale, err := store.ListCacheEntriesUsedBefore(ctx, cache.ID, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if len(stale) != 1 || stale[0].ID != newer.ID {
		t.Fatalf("unexpected stale entries %+v", stale)
	}

	if err := store.DeleteCacheEntry(ctx, newer.ID); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if _, err := store.GetCacheEntryByKey(ctx, cache.ID, "layer-b"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	got, err = store.GetCacheEntryByKey(ctx, cache.ID, "layer-a")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got.ID != older.ID {
		t.Fatalf("expected fallback to the remaining alias, got %s", got.Digest)
	}
	if err := store.DeleteCacheEntry(ctx, newer.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
