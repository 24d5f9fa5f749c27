package domain

import "time"

// EvictionPolicy names how a cache sheds entries under size pressure.
type EvictionPolicy string

// EvictionLRU is the default and only implemented policy.
const EvictionLRU EvictionPolicy = "lru"

// Cache is the per project and architecture build cache.
type Cache struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"projectId"`
	Architecture   Architecture   `json:"architecture"`
	SizeGB         float64        `json:"sizeGB"`
	HitRate        float64        `json:"hitRate"`
	EvictionPolicy EvictionPolicy `json:"evictionPolicy"`
	LastUsedAt     time.Time      `json:"lastUsedAt"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// CacheEntry is a stored blob. Within one cache there is at most one entry per digest.
type CacheEntry struct {
	ID         string    `json:"id"`
	CacheID    string    `json:"cacheId"`
	BuildID    string    `json:"buildId,omitempty"`
	Key        string    `json:"key"`
	Digest     string    `json:"digest"`
	SizeBytes  int64     `json:"sizeBytes"`
	Command    string    `json:"command,omitempty"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CacheEntryKey maps a logical key onto an entry. A deduplicated store under a new key
// adds an alias rather than a second entry.
type CacheEntryKey struct {
	CacheID   string
	Key       string
	EntryID   string
	CreatedAt time.Time
}

// CacheEntryMetadata is optional provenance recorded with a new entry.
type CacheEntryMetadata struct {
	BuildID string
	Command string
}

// ArchitectureStats summarises one architecture cache.
type ArchitectureStats struct {
	SizeGB     float64   `json:"sizeGB"`
	HitRate    float64   `json:"hitRate"`
	EntryCount int       `json:"entryCount"`
	LastUsed   time.Time `json:"lastUsed"`
}

// CacheStats summarises a project's caches.
type CacheStats struct {
	TotalSizeGB   float64                            `json:"totalSizeGB"`
	HitRate       float64                            `json:"hitRate"`
	EntryCount    int                                `json:"entryCount"`
	Architectures map[Architecture]ArchitectureStats `json:"architectures"`
	Hits          int64                              `json:"hits"`
	Misses        int64                              `json:"misses"`
}

// BytesPerGB converts between entry byte sizes and cache GB figures.
const BytesPerGB = 1024 * 1024 * 1024

// BytesToGB converts a byte count to GB.
func BytesToGB(b int64) float64 {
	return float64(b) / BytesPerGB
}
