// Package project manages project configuration and build listings.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drewstone/docker-builder-platform/internal/domain"
	"github.com/drewstone/docker-builder-platform/internal/repository"
)

const (
	defaultBuildLimit = 30
	maxBuildLimit     = 200
	defaultUsageDays  = 30
	maxUsageDays      = 365
)

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	Name                string             `json:"name"`
	Region              string             `json:"region"`
	Autoscaling         bool               `json:"autoscaling"`
	BuilderCPUs         int                `json:"builderCpus"`
	BuilderMemoryGB     int                `json:"builderMemoryGB"`
	CacheTargetGB       map[string]float64 `json:"cacheStorageTargetGB"`
	CacheRetentionDays  int                `json:"cacheRetentionDays"`
	BuildTimeoutMinutes int                `json:"buildTimeoutMinutes"`
}

// SettingsInput is a partial settings update. Nil fields are left unchanged. A cache
// target of zero removes the architecture's target.
type SettingsInput struct {
	Name                *string            `json:"name"`
	Region              *string            `json:"region"`
	Autoscaling         *bool              `json:"autoscaling"`
	BuilderCPUs         *int               `json:"builderCpus"`
	BuilderMemoryGB     *int               `json:"builderMemoryGB"`
	CacheTargetGB       map[string]float64 `json:"cacheStorageTargetGB"`
	CacheRetentionDays  *int               `json:"cacheRetentionDays"`
	BuildTimeoutMinutes *int               `json:"buildTimeoutMinutes"`
}

func (in SettingsInput) empty() bool {
	return in.Name == nil && in.Region == nil && in.Autoscaling == nil && in.BuilderCPUs == nil &&
		in.BuilderMemoryGB == nil && len(in.CacheTargetGB) == 0 && in.CacheRetentionDays == nil &&
		in.BuildTimeoutMinutes == nil
}

// Store is the persistence the service needs.
type Store interface {
	repository.ProjectRepository
	ListBuilds(ctx context.Context, filter domain.BuildFilter) ([]domain.Build, int, error)
	ListProjectBuildsSince(ctx context.Context, projectID string, since time.Time) ([]domain.Build, error)
}

// CacheResetter drops a project's cached content.
type CacheResetter interface {
	ResetCache(ctx context.Context, projectID string) error
}

// BuildCanceller stops queued and running builds.
type BuildCanceller interface {
	CancelBuild(ctx context.Context, buildID string) (*domain.Build, error)
}

// Service orchestrates project management.
type Service struct {
	store  Store
	caches CacheResetter
	builds BuildCanceller
	logger *slog.Logger
	now    func() time.Time
}

// New returns a project service. caches and builds are used by Delete and may be nil.
func New(store Store, caches CacheResetter, builds BuildCanceller, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		caches: caches,
		builds: builds,
		logger: logger.With("component", "project"),
		now:    time.Now,
	}
}

// Create validates and stores a new project.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: project name is required", domain.ErrValidation)
	}
	if err := nonNegative(input.BuilderCPUs, input.BuilderMemoryGB, input.CacheRetentionDays, input.BuildTimeoutMinutes); err != nil {
		return nil, err
	}
	targets := make(map[domain.Architecture]float64, len(input.CacheTargetGB))
	if err := mergeTargets(targets, input.CacheTargetGB); err != nil {
		return nil, err
	}

	project := &domain.Project{
		ID:                  uuid.NewString(),
		Name:                name,
		Region:              strings.TrimSpace(input.Region),
		Autoscaling:         input.Autoscaling,
		BuilderCPUs:         input.BuilderCPUs,
		BuilderMemoryGB:     input.BuilderMemoryGB,
		CacheTargetGB:       targets,
		CacheRetentionDays:  input.CacheRetentionDays,
		BuildTimeoutMinutes: input.BuildTimeoutMinutes,
		CreatedAt:           s.now().UTC(),
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "name", project.Name, "autoscaling", project.Autoscaling)
	return project, nil
}

// UpdateSettings applies a partial settings update. The scheduler and cache manager read
// project settings on every pass, so changes apply without a restart.
func (s *Service) UpdateSettings(ctx context.Context, projectID string, input SettingsInput) (*domain.Project, error) {
	project, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if input.empty() {
		return nil, fmt.Errorf("%w: no settings to update", domain.ErrValidation)
	}
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: project name is required", domain.ErrValidation)
		}
		project.Name = name
	}
	if input.Region != nil {
		project.Region = strings.TrimSpace(*input.Region)
	}
	if input.Autoscaling != nil {
		project.Autoscaling = *input.Autoscaling
	}
	for _, field := range []struct {
		value *int
		dst   *int
	}{
		{input.BuilderCPUs, &project.BuilderCPUs},
		{input.BuilderMemoryGB, &project.BuilderMemoryGB},
		{input.CacheRetentionDays, &project.CacheRetentionDays},
		{input.BuildTimeoutMinutes, &project.BuildTimeoutMinutes},
	} {
		if field.value == nil {
			continue
		}
		if err := nonNegative(*field.value); err != nil {
			return nil, err
		}
		*field.dst = *field.value
	}
	if project.CacheTargetGB == nil {
		project.CacheTargetGB = make(map[domain.Architecture]float64)
	}
	if err := mergeTargets(project.CacheTargetGB, input.CacheTargetGB); err != nil {
		return nil, err
	}
	for arch, gb := range project.CacheTargetGB {
		if gb == 0 {
			delete(project.CacheTargetGB, arch)
		}
	}

	if err := s.store.UpdateProject(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Info("project settings updated", "project_id", project.ID, "autoscaling", project.Autoscaling,
		"build_timeout_minutes", project.BuildTimeoutMinutes, "cache_retention_days", project.CacheRetentionDays)
	return project, nil
}

// Delete cancels the project's unfinished builds, drops its cache content and removes the
// project with everything stored for it.
func (s *Service) Delete(ctx context.Context, projectID string) error {
	if _, err := s.Get(ctx, projectID); err != nil {
		return err
	}
	builds, err := s.store.ListProjectBuildsSince(ctx, projectID, time.Time{})
	if err != nil {
		return fmt.Errorf("list builds: %w", err)
	}
	if s.builds != nil {
		for _, b := range builds {
			if b.Status.Terminal() {
				continue
			}
			if _, err := s.builds.CancelBuild(ctx, b.ID); err != nil && !errors.Is(err, repository.ErrBuildFinalized) {
				return fmt.Errorf("cancel build %s: %w", b.ID, err)
			}
		}
	}
	if s.caches != nil {
		if err := s.caches.ResetCache(ctx, projectID); err != nil {
			return fmt.Errorf("reset cache: %w", err)
		}
	}
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	s.logger.Info("project deleted", "project_id", projectID, "builds", len(builds))
	return nil
}

// Get returns a project by id.
func (s *Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id required", domain.ErrValidation)
	}
	return s.store.GetProjectByID(ctx, projectID)
}

// List returns every project.
func (s *Service) List(ctx context.Context) ([]domain.Project, error) {
	return s.store.ListProjects(ctx)
}

// BuildPage is one page of a project's builds.
type BuildPage struct {
	Builds []domain.Build `json:"builds"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ListBuilds pages through a project's builds, newest first.
func (s *Service) ListBuilds(ctx context.Context, projectID string, status string, limit, offset int) (*BuildPage, error) {
	if _, err := s.Get(ctx, projectID); err != nil {
		return nil, err
	}
	filter := domain.BuildFilter{ProjectID: projectID, Limit: limit, Offset: offset}
	if status != "" {
		filter.Status = domain.BuildStatus(strings.ToLower(status))
		if !filter.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, status)
		}
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultBuildLimit
	}
	if filter.Limit > maxBuildLimit {
		filter.Limit = maxBuildLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	builds, total, err := s.store.ListBuilds(ctx, filter)
	if err != nil {
		return nil, err
	}
	if builds == nil {
		builds = []domain.Build{}
	}
	return &BuildPage{Builds: builds, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Usage rolls up a project's builds over a trailing window of days.
type Usage struct {
	ProjectID           string       `json:"projectId"`
	Days                int          `json:"days"`
	Since               time.Time    `json:"since"`
	TotalBuilds         int          `json:"totalBuilds"`
	SuccessfulBuilds    int          `json:"successfulBuilds"`
	FailedBuilds        int          `json:"failedBuilds"`
	SuccessRate         float64      `json:"successRate"`
	TotalBuildMinutes   float64      `json:"totalBuildMinutes"`
	CacheSavedMinutes   float64      `json:"cacheSavedMinutes"`
	AverageCacheHitRate float64      `json:"averageCacheHitRate"`
	BillableMinutes     int          `json:"billableMinutes"`
	Daily               []DailyUsage `json:"daily"`
}

// DailyUsage is one UTC day of a usage window.
type DailyUsage struct {
	Date         string  `json:"date"`
	Builds       int     `json:"builds"`
	Successful   int     `json:"successful"`
	Failed       int     `json:"failed"`
	TotalMinutes float64 `json:"totalMinutes"`
	SavedMinutes float64 `json:"savedMinutes"`
	CacheHitRate float64 `json:"cacheHitRate"`
}

// Usage summarises builds created in the last days days. Zero selects 30 days.
func (s *Service) Usage(ctx context.Context, projectID string, days int) (*Usage, error) {
	if days < 0 || days > maxUsageDays {
		return nil, fmt.Errorf("%w: days must be between 1 and %d", domain.ErrValidation, maxUsageDays)
	}
	if days == 0 {
		days = defaultUsageDays
	}
	if _, err := s.Get(ctx, projectID); err != nil {
		return nil, err
	}
	since := s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	builds, err := s.store.ListProjectBuildsSince(ctx, projectID, since)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}

	usage := &Usage{ProjectID: projectID, Days: days, Since: since, Daily: []DailyUsage{}}
	var hitRates float64
	index := make(map[string]int)
	for _, b := range builds {
		minutes := float64(b.DurationSeconds) / 60
		saved := float64(b.CacheSavedSeconds) / 60
		usage.TotalBuilds++
		usage.TotalBuildMinutes += minutes
		usage.CacheSavedMinutes += saved
		usage.BillableMinutes += b.BillableMinutes
		hitRates += b.CacheHitRate

		date := b.CreatedAt.UTC().Format(time.DateOnly)
		i, ok := index[date]
		if !ok {
			i = len(usage.Daily)
			index[date] = i
			usage.Daily = append(usage.Daily, DailyUsage{Date: date})
		}
		day := &usage.Daily[i]
		day.Builds++
		day.TotalMinutes += minutes
		day.SavedMinutes += saved
		day.CacheHitRate += b.CacheHitRate

		switch b.Status {
		case domain.BuildSuccess:
			usage.SuccessfulBuilds++
			day.Successful++
		case domain.BuildError:
			usage.FailedBuilds++
			day.Failed++
		}
	}
	for i := range usage.Daily {
		usage.Daily[i].CacheHitRate /= float64(usage.Daily[i].Builds)
	}
	if usage.TotalBuilds > 0 {
		usage.SuccessRate = float64(usage.SuccessfulBuilds) / float64(usage.TotalBuilds)
		usage.AverageCacheHitRate = hitRates / float64(usage.TotalBuilds)
	}
	return usage, nil
}

func nonNegative(values ...int) error {
	for _, v := range values {
		if v < 0 {
			return fmt.Errorf("%w: sizes and durations must not be negative", domain.ErrValidation)
		}
	}
	return nil
}

// mergeTargets parses per architecture cache targets into dst.
func mergeTargets(dst map[domain.Architecture]float64, targets map[string]float64) error {
	for key, gb := range targets {
		arch, ok := domain.ParseArchitecture(key)
		if !ok {
			return fmt.Errorf("%w: unknown architecture %q", domain.ErrValidation, key)
		}
		if gb < 0 {
			return fmt.Errorf("%w: cache target for %s must not be negative", domain.ErrValidation, arch)
		}
		dst[arch] = gb
	}
	return nil
}
