package builder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drewstone/docker-builder-platform/internal/bus"
	"github.com/drewstone/docker-builder-platform/internal/domain"
	"github.com/drewstone/docker-builder-platform/internal/executor"
	"github.com/drewstone/docker-builder-platform/internal/repository"
)

// ErrStopped is returned by ExecuteBuild when StopBuild cancelled the build.
var ErrStopped = errors.New("build stopped")

// ExecuteBuild runs an assignment on an owned node and blocks until it finishes. The node
// slot is always released and a completion is always published.
func (m *Manager) ExecuteBuild(ctx context.Context, a bus.BuildAssignment) error {
	return m.execute(ctx, a, false)
}

func (m *Manager) execute(ctx context.Context, a bus.BuildAssignment, reserved bool) error {
	m.mu.Lock()
	node, ok := m.owned[a.BuilderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: builder %s is not owned", domain.ErrNodeUnavailable, a.BuilderID)
	}
	if !reserved {
		m.acquireLocked(node)
	}
	arch := node.Architecture
	m.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, m.buildTimeout(ctx, a.ProjectID))
	defer cancel()
	proc := &process{builderID: a.BuilderID, cancel: cancel}

	defer func() {
		m.mu.Lock()
		m.releaseLocked(node)
		if m.processes[a.BuildID] == proc {
			delete(m.processes, a.BuildID)
		}
		snap := node.Clone()
		_, stillOwned := m.owned[node.ID]
		m.mu.Unlock()

		if m.logs != nil {
			m.logs.Finish(context.WithoutCancel(ctx), a.BuildID)
		}
		if stillOwned {
			m.publishSnapshot(context.WithoutCancel(ctx), snap)
		}
		m.publishCompleted(context.WithoutCancel(ctx), a.BuilderID, a.BuildID)
	}()

	// Registered before the status write so a stop in between still reaches the run.
	m.mu.Lock()
	m.processes[a.BuildID] = proc
	m.mu.Unlock()

	start := m.now().UTC()
	if err := m.store.MarkBuildBuilding(ctx, a.BuildID, a.BuilderID, &start); err != nil {
		if errors.Is(err, repository.ErrBuildFinalized) {
			m.logger.Info("skipping finalized build", "build_id", a.BuildID)
			return ErrStopped
		}
		return fmt.Errorf("mark build building: %w", err)
	}
	m.mu.Lock()
	stoppedEarly := proc.stopped
	m.mu.Unlock()
	if stoppedEarly {
		m.logger.Info("build stopped before execution", "build_id", a.BuildID)
		return ErrStopped
	}

	inv := executor.Command(m.cfg.Executor, m.cfg.BuildkitHost, a.BuildConfig, a.Secrets)
	m.logger.Info("executing build command", "build_id", a.BuildID, "command", inv.String())

	output, runErr := m.runner.Run(runCtx, inv, func(line string) {
		if m.logs != nil {
			m.logs.Append(ctx, a.BuildID, line)
		}
	})
	elapsed := m.now().UTC().Sub(start)
	duration := int(elapsed.Round(time.Second) / time.Second)

	m.mu.Lock()
	stopped := proc.stopped
	m.mu.Unlock()
	if stopped {
		m.metrics.BuildFinished(string(domain.BuildCancelled), elapsed)
		return ErrStopped
	}

	// Persist the outcome even when ctx is already done.
	persistCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		message := runErr.Error()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			message = fmt.Sprintf("build timed out after %s", m.buildTimeout(persistCtx, a.ProjectID))
		}
		err := m.store.FinishBuild(persistCtx, a.BuildID, domain.BuildOutcome{
			Status:          domain.BuildError,
			EndedAt:         m.now().UTC(),
			DurationSeconds: duration,
			Error:           message,
		})
		if err != nil && !errors.Is(err, repository.ErrBuildFinalized) {
			m.logger.Error("failed to record build failure", "build_id", a.BuildID, "error", err)
		}
		m.metrics.BuildFinished(string(domain.BuildError), elapsed)
		if !errors.Is(runErr, domain.ErrExecution) {
			runErr = fmt.Errorf("%w: %w", domain.ErrExecution, runErr)
		}
		return runErr
	}

	parsed := executor.Parse(output)
	err := m.store.FinishBuild(persistCtx, a.BuildID, domain.BuildOutcome{
		Status:            domain.BuildSuccess,
		EndedAt:           m.now().UTC(),
		DurationSeconds:   duration,
		CacheHitRate:      parsed.HitRate(),
		CacheSavedSeconds: parsed.SavedSeconds(),
		Digest:            parsed.Digest,
		SizeBytes:         parsed.SizeBytes,
		BillableMinutes:   executor.BillableMinutes(duration),
	})
	if err != nil {
		if errors.Is(err, repository.ErrBuildFinalized) {
			m.logger.Info("build finished after being finalized elsewhere", "build_id", a.BuildID)
			return nil
		}
		return fmt.Errorf("record build success: %w", err)
	}
	m.metrics.BuildFinished(string(domain.BuildSuccess), elapsed)

	if m.cache != nil {
		if _, err := m.cache.RecordBuildHits(persistCtx, a.ProjectID, arch, parsed.Hits, parsed.Total); err != nil {
			m.logger.Warn("failed to update cache metrics", "build_id", a.BuildID, "error", err)
		}
	}
	m.logger.Info("build completed successfully", "build_id", a.BuildID, "duration", duration,
		"cache_hit_rate", parsed.HitRate(), "digest", parsed.Digest)
	return nil
}

// StopBuild kills a build running on this manager and marks it cancelled. It reports
// whether a running build was found; stopping an unknown build is a no-op.
func (m *Manager) StopBuild(ctx context.Context, buildID string) (bool, error) {
	m.mu.Lock()
	proc, ok := m.processes[buildID]
	if ok {
		proc.stopped = true
		proc.cancel()
		delete(m.processes, buildID)
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	err := m.store.FinishBuild(ctx, buildID, domain.BuildOutcome{
		Status:  domain.BuildCancelled,
		EndedAt: m.now().UTC(),
	})
	if err != nil && !errors.Is(err, repository.ErrBuildFinalized) {
		return true, fmt.Errorf("mark build cancelled: %w", err)
	}
	m.logger.Info("build stopped", "build_id", buildID, "builder_id", proc.builderID)
	return true, nil
}

// Running reports whether buildID has a tracked process.
func (m *Manager) Running(buildID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processes[buildID]
	return ok
}

func (m *Manager) buildTimeout(ctx context.Context, projectID string) time.Duration {
	fallback := m.cfg.DefaultBuildTimeout
	if fallback <= 0 {
		fallback = time.Hour
	}
	project, err := m.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return fallback
	}
	return project.BuildTimeout(fallback)
}
