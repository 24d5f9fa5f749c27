package domain

import (
	"strings"
	"time"
)

// BuildStatus enumerates the lifecycle of a build.
type BuildStatus string

const (
	BuildQueued    BuildStatus = "queued"
	BuildBuilding  BuildStatus = "building"
	BuildSuccess   BuildStatus = "success"
	BuildError     BuildStatus = "error"
	BuildCancelled BuildStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildSuccess, BuildError, BuildCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s BuildStatus) Valid() bool {
	switch s {
	case BuildQueued, BuildBuilding, BuildSuccess, BuildError, BuildCancelled:
		return true
	default:
		return false
	}
}

// Architecture is a builder CPU architecture.
type Architecture string

const (
	ArchX86_64 Architecture = "x86_64"
	ArchARM64  Architecture = "arm64"
)

// Architectures lists every supported architecture in reporting order.
var Architectures = []Architecture{ArchX86_64, ArchARM64}

// ArchitectureForPlatforms returns arm64 on the first arm64/aarch64 platform, x86_64 otherwise.
func ArchitectureForPlatforms(platforms []string) Architecture {
	for _, p := range platforms {
		lower := strings.ToLower(p)
		if strings.Contains(lower, "arm64") || strings.Contains(lower, "aarch64") {
			return ArchARM64
		}
	}
	return ArchX86_64
}

// ParseArchitecture accepts x86_64/amd64 and arm64/aarch64 spellings.
func ParseArchitecture(value string) (Architecture, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "x86_64", "amd64":
		return ArchX86_64, true
	case "arm64", "aarch64":
		return ArchARM64, true
	default:
		return "", false
	}
}

// BuildConfig is the non-secret part of a build request. It is persisted with the build
// so requeue and retry can reconstruct the original invocation.
type BuildConfig struct {
	Dockerfile string            `json:"dockerfile,omitempty"`
	Context    string            `json:"context,omitempty"`
	Platforms  []string          `json:"platforms"`
	Tags       []string          `json:"tags,omitempty"`
	BuildArgs  map[string]string `json:"buildArgs,omitempty"`
	CacheFrom  string            `json:"cacheFrom,omitempty"`
	CacheTo    string            `json:"cacheTo,omitempty"`
	Push       bool              `json:"push,omitempty"`
}

// BuildRequest is a transient request waiting in the scheduler queue.
type BuildRequest struct {
	BuildID   string `json:"buildId,omitempty"`
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId,omitempty"`
	BuildConfig
	Secrets  map[string]string `json:"secrets,omitempty"`
	Priority int               `json:"priority,omitempty"`

	// Sequence is the enqueue order used to break priority ties.
	Sequence   uint64    `json:"-"`
	EnqueuedAt time.Time `json:"-"`
}

// Build is the persisted record of a build.
type Build struct {
	ID                string       `json:"id"`
	ProjectID         string       `json:"projectId"`
	UserID            string       `json:"userId,omitempty"`
	Status            BuildStatus  `json:"status"`
	Config            BuildConfig  `json:"config"`
	BuilderArch       Architecture `json:"builderArch"`
	BuilderID         string       `json:"builderId,omitempty"`
	StartedAt         *time.Time   `json:"startedAt,omitempty"`
	EndedAt           *time.Time   `json:"endedAt,omitempty"`
	DurationSeconds   int          `json:"duration"`
	CacheHitRate      float64      `json:"cacheHitRate"`
	CacheSavedSeconds int          `json:"cacheSavedSeconds"`
	Digest            string       `json:"digest,omitempty"`
	SizeBytes         int64        `json:"size"`
	Error             string       `json:"error,omitempty"`
	BillableMinutes   int          `json:"billableMinutes"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`

	// SealedSecrets holds the encrypted build secrets, if a secrets key is configured.
	SealedSecrets []byte `json:"-"`
}

// BuildOutcome carries the fields written when a build reaches a terminal state.
type BuildOutcome struct {
	Status            BuildStatus
	EndedAt           time.Time
	DurationSeconds   int
	CacheHitRate      float64
	CacheSavedSeconds int
	Digest            string
	SizeBytes         int64
	Error             string
	BillableMinutes   int
}

// BuildFilter narrows build listings.
type BuildFilter struct {
	ProjectID string
	Status    BuildStatus
	Limit     int
	Offset    int
}
