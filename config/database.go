package config

import "time"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"provisioner"`
	Password string `env:"PASSWORD"                envDefault:"provisioner"`
	Name     string `env:"NAME"                    envDefault:"provisioner"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelPort       string   `env:"SENTINEL_PORT"        envDefault:"26379"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}

// CacheConfig contains cache TTL configuration (Redis-based).
type CacheConfig struct {
	// ReferenceTTL is the TTL for cached directory reference lookups.
	ReferenceTTL time.Duration `env:"CACHE_REFERENCE_TTL" envDefault:"15m"`

	// RecordMarkerTTL is the TTL for processed-record idempotency markers.
	// It must outlive the longest plausible task redelivery window.
	RecordMarkerTTL time.Duration `env:"CACHE_RECORD_MARKER_TTL" envDefault:"24h"`
}

// Sanitize applies guardrails to cache configuration values.
func (c *CacheConfig) Sanitize() {
	if c.ReferenceTTL <= 0 {
		c.ReferenceTTL = 15 * time.Minute
	}
	if c.RecordMarkerTTL < time.Hour {
		c.RecordMarkerTTL = time.Hour
	}
}
