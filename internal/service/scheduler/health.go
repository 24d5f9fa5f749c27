package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drewstone/docker-builder-platform/internal/bus"
	"github.com/drewstone/docker-builder-platform/internal/domain"
	"github.com/drewstone/docker-builder-platform/internal/snapshot"
	"github.com/drewstone/docker-builder-platform/pkg/config"
)

// maybeScaleUp provisions a node for an unplaceable build when its project autoscales.
func (s *Scheduler) maybeScaleUp(ctx context.Context, req *domain.BuildRequest, arch domain.Architecture, cacheID string) {
	project, err := s.store.GetProjectByID(ctx, req.ProjectID)
	if err != nil {
		s.logger.Warn("failed to load project for autoscaling", "project_id", req.ProjectID, "error", err)
		return
	}
	if !project.Autoscaling {
		return
	}

	s.mu.Lock()
	for id := range s.provisioning {
		if n, ok := s.nodes[id]; ok && n.Architecture == arch && n.HasCache(cacheID) {
			s.mu.Unlock()
			return
		}
	}
	now := s.now().UTC()
	node := &domain.BuilderNode{
		ID:             s.newID(),
		Architecture:   arch,
		Region:         s.regionLocked(project),
		Status:         domain.NodeProvisioning,
		MaxConcurrency: s.cfg.ScaledMaxConcurrency,
		CacheVolumes:   []string{cacheID},
		LastHeartbeat:  now,
		LastAssigned:   now,
		Resources: domain.Resources{
			CPUs:     s.cfg.DefaultCPUs,
			MemoryGB: s.cfg.DefaultMemoryGB,
		},
	}
	if project.BuilderCPUs > 0 {
		node.Resources.CPUs = project.BuilderCPUs
	}
	if project.BuilderMemoryGB > 0 {
		node.Resources.MemoryGB = project.BuilderMemoryGB
	}
	s.nodes[node.ID] = node
	s.provisioning[node.ID] = struct{}{}
	s.mu.Unlock()

	s.metrics.ScaleUp(string(arch))
	s.logger.Info("scaling up builder", "builder_id", node.ID, "architecture", arch,
		"region", node.Region, "project_id", project.ID, "cache_id", cacheID)

	if s.bus != nil {
		resources := node.Resources
		err := s.bus.Publish(ctx, bus.BuilderScale{
			Action:         bus.ScaleUp,
			BuilderID:      node.ID,
			ProjectID:      project.ID,
			Architecture:   arch,
			Region:         node.Region,
			CacheID:        cacheID,
			MaxConcurrency: node.MaxConcurrency,
			Resources:      &resources,
		})
		if err != nil {
			s.logger.Warn("failed to publish scale up", "builder_id", node.ID, "error", err)
		}
	}

	id := node.ID
	s.afterFunc(s.cfg.ProvisioningDelay, func() { s.markProvisioned(id) })
}

// regionLocked picks the project's region or rotates through the configured list.
func (s *Scheduler) regionLocked(project *domain.Project) string {
	if project.Region != "" {
		return project.Region
	}
	if len(s.cfg.Regions) == 0 {
		return ""
	}
	region := s.cfg.Regions[s.regionNext%len(s.cfg.Regions)]
	s.regionNext++
	return region
}

func (s *Scheduler) markProvisioned(builderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.provisioning, builderID)
	node, ok := s.nodes[builderID]
	if !ok || node.Status != domain.NodeProvisioning {
		return
	}
	node.Status = domain.NodeReady
	node.LastHeartbeat = s.now().UTC()
	s.logger.Info("builder provisioned", "builder_id", builderID, "architecture", node.Architecture)
}

// LoadNodes reads every builder snapshot into the node view.
func (s *Scheduler) LoadNodes(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	keys, err := s.snapshots.Keys(ctx, snapshot.BuilderPattern)
	if err != nil {
		return fmt.Errorf("list builder snapshots: %w", err)
	}
	for _, key := range keys {
		var snap domain.BuilderNode
		if err := snapshot.GetJSON(ctx, s.snapshots, key, &snap); err != nil {
			if !errors.Is(err, snapshot.ErrNotFound) {
				s.logger.Warn("failed to read builder snapshot", "key", key, "error", err)
			}
			continue
		}
		if snap.ID == "" {
			continue
		}
		s.observe(snap)
	}
	return nil
}

// observe merges a snapshot into the node view. The scheduler keeps its own build
// counter for known nodes and its own status for nodes still provisioning.
func (s *Scheduler) observe(snap domain.BuilderNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, known := s.nodes[snap.ID]
	if !known {
		n := snap.Clone()
		if n.MaxConcurrency > 0 && n.CurrentBuilds > n.MaxConcurrency {
			n.CurrentBuilds = n.MaxConcurrency
		}
		s.nodes[snap.ID] = &n
		s.logger.Info("builder discovered", "builder_id", snap.ID, "architecture", snap.Architecture, "status", snap.Status)
		return
	}
	if _, pending := s.provisioning[snap.ID]; pending {
		return
	}
	for _, id := range snap.CacheVolumes {
		node.AttachCache(id)
	}
	if snap.MaxConcurrency > 0 {
		node.MaxConcurrency = snap.MaxConcurrency
	}
	if snap.Region != "" {
		node.Region = snap.Region
	}
	node.Resources = snap.Resources
	fresh := snap.LastHeartbeat.After(node.LastHeartbeat)
	if fresh {
		node.LastHeartbeat = snap.LastHeartbeat
	}
	switch {
	case node.Status == domain.NodeUnhealthy && fresh:
		node.Status = snap.Status
		s.logger.Info("builder recovered", "builder_id", node.ID, "status", node.Status)
	case node.Status != domain.NodeUnhealthy:
		node.Status = snap.Status
	}
}

// HealthCheck refreshes the node view, marks silent nodes unhealthy and requeues the
// builds they may have been running. It returns the nodes marked unhealthy.
func (s *Scheduler) HealthCheck(ctx context.Context) []string {
	if err := s.LoadNodes(ctx); err != nil {
		s.logger.Warn("failed to refresh builder view", "error", err)
	}

	now := s.now().UTC()
	var failed []domain.BuilderNode
	s.mu.Lock()
	for _, n := range s.nodes {
		if n.Status != domain.NodeReady && n.Status != domain.NodeBusy {
			continue
		}
		if now.Sub(n.LastHeartbeat) > s.cfg.HeartbeatTimeout {
			n.Status = domain.NodeUnhealthy
			failed = append(failed, n.Clone())
		}
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(failed))
	for _, n := range failed {
		s.logger.Warn("builder unhealthy", "builder_id", n.ID, "architecture", n.Architecture,
			"last_heartbeat", n.LastHeartbeat, "timeout", s.cfg.HeartbeatTimeout)
		requeued, err := s.requeue(ctx, n)
		if err != nil {
			s.logger.Error("failed to requeue builds", "builder_id", n.ID, "error", err)
		} else if requeued > 0 {
			s.logger.Info("requeued builds from unhealthy builder", "builder_id", n.ID, "count", requeued,
				"scope", s.cfg.RecoveryScope)
		}
		ids = append(ids, n.ID)
	}
	return ids
}

// requeue enqueues the building builds attributed to node at recovery priority. Under the
// architecture scope every building build of the node's architecture is affected, which
// may duplicate work that finished elsewhere.
func (s *Scheduler) requeue(ctx context.Context, node domain.BuilderNode) (int, error) {
	var (
		builds []domain.Build
		err    error
	)
	if s.cfg.RecoveryScope == config.RecoveryNode {
		builds, err = s.store.ListBuildsByBuilderStatus(ctx, node.ID, domain.BuildBuilding)
	} else {
		builds, err = s.store.ListBuildsByArchStatus(ctx, node.Architecture, domain.BuildBuilding)
	}
	if err != nil {
		return 0, err
	}
	for _, b := range builds {
		s.enqueue(domain.BuildRequest{
			BuildID:     b.ID,
			ProjectID:   b.ProjectID,
			UserID:      b.UserID,
			BuildConfig: b.Config,
			Secrets:     s.openSecrets(&b),
			Priority:    requeuePriority,
		})
	}
	s.metrics.BuildsRequeued(len(builds))
	return len(builds), nil
}

// Stats summarises the queue and node view.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{QueueDepth: len(s.queue), Timestamp: s.now().UTC()}
	for _, n := range s.nodes {
		if n.Status == domain.NodeReady {
			stats.ReadyNodes++
		}
		if n.Status == domain.NodeReady || n.Status == domain.NodeBusy {
			stats.TotalCapacity += n.MaxConcurrency
			stats.CurrentLoad += n.CurrentBuilds
		}
	}
	return stats
}

// PublishMetrics stores the stats snapshot and updates the gauges.
func (s *Scheduler) PublishMetrics(ctx context.Context) Stats {
	stats := s.Stats()

	byStatus := make(map[string]int)
	s.mu.Lock()
	for _, n := range s.nodes {
		byStatus[string(n.Status)]++
	}
	s.mu.Unlock()
	s.metrics.ObserveQueue(stats.QueueDepth)
	s.metrics.ObserveNodes(byStatus, stats.TotalCapacity, stats.CurrentLoad)

	if s.snapshots != nil {
		if err := snapshot.PutJSON(ctx, s.snapshots, snapshot.SchedulerMetricsKey, stats, s.cfg.MetricsTTL); err != nil {
			s.logger.Warn("failed to publish scheduler metrics", "error", err)
		}
	}
	return stats
}

// Run loads the node view, subscribes to bus traffic and drives the tick, health and
// metrics loops until ctx is cancelled. Each loop runs on its own goroutine.
func (s *Scheduler) Run(ctx context.Context, sub bus.Bus) error {
	if err := s.LoadNodes(ctx); err != nil {
		s.logger.Warn("initial builder discovery failed", "error", err)
	}
	s.logger.Info("scheduler started", "tick_interval", s.cfg.TickInterval,
		"health_interval", s.cfg.HealthInterval, "nodes", len(s.ListNodes()))

	g, ctx := errgroup.WithContext(ctx)
	if sub != nil {
		g.Go(func() error {
			if err := sub.Subscribe(ctx, s.Handle); err != nil {
				return fmt.Errorf("scheduler subscription: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error { s.every(ctx, s.cfg.TickInterval, s.Tick); return nil })
	g.Go(func() error {
		s.every(ctx, s.cfg.HealthInterval, func(ctx context.Context) { s.HealthCheck(ctx) })
		return nil
	})
	g.Go(func() error {
		s.every(ctx, s.cfg.MetricsInterval, func(ctx context.Context) { s.PublishMetrics(ctx) })
		return nil
	})
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
