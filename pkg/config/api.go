package config

import "time"

// APIConfig holds HTTP front end settings.
type APIConfig struct {
	Addr            string        `env:"API_ADDR" envDefault:":3000"`
	JWTSecret       string        `env:"JWT_SECRET"`
	SecretsKey      string        `env:"SECRETS_KEY"`
	ShutdownTimeout time.Duration `env:"API_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Recovery scopes for builds running on an unhealthy node.
const (
	RecoveryArchitecture = "architecture"
	RecoveryNode         = "node"
)

// SchedulerConfig tunes the scheduling loops and autoscaling.
type SchedulerConfig struct {
	TickInterval         time.Duration `env:"TICK_INTERVAL" envDefault:"1s"`
	HealthInterval       time.Duration `env:"HEALTH_INTERVAL" envDefault:"10s"`
	MetricsInterval      time.Duration `env:"METRICS_INTERVAL" envDefault:"30s"`
	MetricsTTL           time.Duration `env:"METRICS_TTL" envDefault:"60s"`
	HeartbeatTimeout     time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"30s"`
	ProvisioningDelay    time.Duration `env:"PROVISIONING_DELAY" envDefault:"30s"`
	RecoveryScope        string        `env:"RECOVERY_SCOPE" envDefault:"architecture"`
	Regions              []string      `env:"REGIONS" envDefault:"us-east,us-west,eu-central" envSeparator:","`
	ScaledMaxConcurrency int           `env:"SCALED_MAX_CONCURRENCY" envDefault:"5"`
	DefaultCPUs          int           `env:"DEFAULT_CPUS" envDefault:"16"`
	DefaultMemoryGB      int           `env:"DEFAULT_MEMORY_GB" envDefault:"32"`
}
