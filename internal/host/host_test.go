package host

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/system"

	"github.com/drewstone/docker-builder-platform/internal/domain"
)

type fakeInfo struct {
	info system.Info
	err  error
}

func (f fakeInfo) Info(context.Context) (system.Info, error) { return f.info, f.err }

func TestDetectFromDocker(t *testing.T) {
	src := fakeInfo{info: system.Info{NCPU: 12, MemTotal: 64 << 30, Architecture: "aarch64"}}
	facts := Detect(context.Background(), src, "node-a", domain.Resources{CPUs: 4, MemoryGB: 8}, nil)
	if facts.NodeID != "node-a" {
		t.Fatalf("expected configured id, got %s", facts.NodeID)
	}
	if facts.Resources.CPUs != 12 || facts.Resources.MemoryGB != 64 {
		t.Fatalf("unexpected resources %+v", facts.Resources)
	}
	if facts.Architecture != domain.ArchARM64 {
		t.Fatalf("expected arm64, got %s", facts.Architecture)
	}
}

func TestDetectFallback(t *testing.T) {
	src := fakeInfo{err: errors.New("daemon down")}
	facts := Detect(context.Background(), src, "", domain.Resources{CPUs: 4, MemoryGB: 8}, nil)
	if facts.Resources.CPUs != 4 || facts.Resources.MemoryGB != 8 {
		t.Fatalf("expected fallback resources, got %+v", facts.Resources)
	}
	if !strings.HasPrefix(facts.NodeID, "builder-local-") {
		t.Fatalf("unexpected node id %s", facts.NodeID)
	}
}

func TestArchitecture(t *testing.T) {
	if Architecture("arm64") != domain.ArchARM64 || Architecture("amd64") != domain.ArchX86_64 {
		t.Fatalf("unexpected architecture mapping")
	}
}
