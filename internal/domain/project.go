package domain

import "time"

// Project groups builds and owns one cache per architecture.
type Project struct {
	ID                  string                   `json:"id"`
	Name                string                   `json:"name"`
	Region              string                   `json:"region,omitempty"`
	Autoscaling         bool                     `json:"autoscaling"`
	BuilderCPUs         int                      `json:"builderCpus,omitempty"`
	BuilderMemoryGB     int                      `json:"builderMemoryGB,omitempty"`
	CacheTargetGB       map[Architecture]float64 `json:"cacheStorageTargetGB,omitempty"`
	CacheRetentionDays  int                      `json:"cacheRetentionDays,omitempty"`
	BuildTimeoutMinutes int                      `json:"buildTimeoutMinutes,omitempty"`
	CreatedAt           time.Time                `json:"createdAt"`
}

// TargetGB returns the configured cache target for arch.
func (p Project) TargetGB(arch Architecture) (float64, bool) {
	v, ok := p.CacheTargetGB[arch]
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}

// RetentionDays returns the configured retention or fallback.
func (p Project) RetentionDays(fallback int) int {
	if p.CacheRetentionDays > 0 {
		return p.CacheRetentionDays
	}
	return fallback
}

// BuildTimeout returns the configured build timeout or fallback.
func (p Project) BuildTimeout(fallback time.Duration) time.Duration {
	if p.BuildTimeoutMinutes > 0 {
		return time.Duration(p.BuildTimeoutMinutes) * time.Minute
	}
	return fallback
}
