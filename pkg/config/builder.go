package config

import "time"

// BuilderConfig holds settings for the Builder Manager and its local node.
type BuilderConfig struct {
	ID                  string        `env:"ID"`
	Addr                string        `env:"ADDR" envDefault:":5000"`
	Executor            string        `env:"EXECUTOR" envDefault:"buildctl"`
	BuildkitHost        string        `env:"BUILDKIT_HOST" envDefault:"tcp://buildkitd:1234"`
	Region              string        `env:"REGION" envDefault:"local"`
	MaxConcurrency      int           `env:"MAX_CONCURRENCY" envDefault:"2"`
	CPUs                int           `env:"CPUS" envDefault:"4"`
	MemoryGB            int           `env:"MEMORY_GB" envDefault:"8"`
	DockerHost          string        `env:"DOCKER_HOST"`
	HeartbeatInterval   time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	SnapshotTTL         time.Duration `env:"SNAPSHOT_TTL" envDefault:"60s"`
	LogTTL              time.Duration `env:"LOG_TTL" envDefault:"24h"`
	DefaultBuildTimeout time.Duration `env:"DEFAULT_BUILD_TIMEOUT" envDefault:"60m"`
}

// CacheConfig holds Cache Manager defaults and loop cadence.
type CacheConfig struct {
	DefaultTargetGB      float64       `env:"DEFAULT_TARGET_GB" envDefault:"50"`
	DefaultRetentionDays int           `env:"DEFAULT_RETENTION_DAYS" envDefault:"14"`
	EvictionInterval     time.Duration `env:"EVICTION_INTERVAL" envDefault:"1h"`
	StatsInterval        time.Duration `env:"STATS_INTERVAL" envDefault:"60s"`
	StatsTTL             time.Duration `env:"STATS_TTL" envDefault:"300s"`
	Bucket               string        `env:"BUCKET" envDefault:"cache-layers"`
}
