// Package host detects the identity and capacity of the machine a builder runs on.
package host

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/docker/docker/api/types/system"
	"github.com/google/uuid"

	"github.com/drewstone/docker-builder-platform/internal/domain"
)

const appID = "buildplane-builder"

// InfoSource reports daemon facts. *Docker implements it.
type InfoSource interface {
	Info(ctx context.Context) (system.Info, error)
}

// Facts describe the local builder node.
type Facts struct {
	NodeID       string
	Architecture domain.Architecture
	Resources    domain.Resources
}

// Detect gathers facts, preferring the Docker daemon and falling back to fallback
// resources when it is unreachable.
func Detect(ctx context.Context, src InfoSource, configuredID string, fallback domain.Resources, logger *slog.Logger) Facts {
	facts := Facts{
		NodeID:       NodeID(configuredID),
		Architecture: Architecture(runtime.GOARCH),
		Resources:    fallback,
	}
	if src == nil {
		return facts
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	info, err := src.Info(ctx)
	if err != nil {
		if logger != nil {
			logger.Warn("docker info unavailable, using configured resources", "error", err)
		}
		return facts
	}
	if info.NCPU > 0 {
		facts.Resources.CPUs = info.NCPU
	}
	if gb := int(info.MemTotal / (1 << 30)); gb > 0 {
		facts.Resources.MemoryGB = gb
	}
	if arch, ok := domain.ParseArchitecture(info.Architecture); ok {
		facts.Architecture = arch
	}
	return facts
}

// NodeID returns configured when set, otherwise a local id derived from the machine id.
func NodeID(configured string) string {
	if configured != "" {
		return configured
	}
	if id, err := machineid.ProtectedID(appID); err == nil && len(id) >= 12 {
		return "builder-local-" + id[:12]
	}
	return "builder-local-" + uuid.NewString()
}

// Architecture maps a GOARCH value to a builder architecture.
func Architecture(goarch string) domain.Architecture {
	if goarch == "arm64" {
		return domain.ArchARM64
	}
	return domain.ArchX86_64
}
