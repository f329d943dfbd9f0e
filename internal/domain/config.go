package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier" yaml:"tier"`

	// Audit holds scoring and routing parameters
	Audit AuditConfig `json:"audit" yaml:"audit"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`
	Worker     WorkerConfig     `json:"worker" yaml:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds

	// AllowedOrigins restricts CORS. Empty allows any origin.
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`
}

// AuditConfig holds rule scoring and review routing settings.
type AuditConfig struct {
	// Weights overrides the risk weight of individual rule kinds.
	Weights map[RuleKind]int `json:"weights,omitempty" yaml:"weights,omitempty"`

	// DefaultWeight applies to kinds absent from the weight table.
	DefaultWeight int `json:"defaultWeight" yaml:"defaultWeight"`

	// MerchantPlaceholders are merchant names meaning "unknown".
	MerchantPlaceholders []string `json:"merchantPlaceholders" yaml:"merchantPlaceholders"`

	// RejectThreshold is the score at or above which a document is routed
	// to FAIL instead of NEEDS_REVIEW.
	RejectThreshold int `json:"rejectThreshold" yaml:"rejectThreshold"`

	// CatalogTTL bounds how long a cached catalog snapshot is served.
	CatalogTTL time.Duration `json:"catalogTtl" yaml:"catalogTtl"`

	// SeedPresets seeds the preset catalog into empty tenants.
	SeedPresets bool `json:"seedPresets" yaml:"seedPresets"`
}

// WeightTable builds the effective weight table: defaults overlaid with
// configured overrides.
func (c AuditConfig) WeightTable() WeightTable {
	table := DefaultWeights()
	for kind, w := range c.Weights {
		table.Weights[kind] = w
	}
	if c.DefaultWeight > 0 {
		table.Default = c.DefaultWeight
	}
	return table
}

// WorkerConfig holds async worker settings.
type WorkerConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	TenantIDs []string `json:"tenantIds" yaml:"tenantIds"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"serviceName"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultMerchantPlaceholders are the OCR collaborator's "unknown merchant"
// values, in English and in the local language.
var DefaultMerchantPlaceholders = []string{"Unknown", "未知"}

// DefaultRejectThreshold routes a document to FAIL.
const DefaultRejectThreshold = 100

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Audit: AuditConfig{
			DefaultWeight:        DefaultUnknownKindWeight,
			MerchantPlaceholders: append([]string(nil), DefaultMerchantPlaceholders...),
			RejectThreshold:      DefaultRejectThreshold,
			CatalogTTL:           5 * time.Minute,
			SeedPresets:          true,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
