// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Rule catalog operations. ListRules returns every rule, enabled or
	// not, in catalog order.
	SaveRule(ctx context.Context, tenantID string, rule *Rule) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*Rule, error)
	ListRules(ctx context.Context, tenantID string) ([]Rule, error)
	DeleteRule(ctx context.Context, tenantID string, ruleID string) error

	// Category catalog operations
	SaveCategory(ctx context.Context, tenantID string, category *Category) error
	SaveCategories(ctx context.Context, tenantID string, categories []Category) error
	GetCategory(ctx context.Context, tenantID string, categoryID string) (*Category, error)
	ListCategories(ctx context.Context, tenantID string) ([]Category, error)
	DeleteCategory(ctx context.Context, tenantID string, categoryID string) error

	// Audit records
	SaveAudit(ctx context.Context, tenantID string, audit *Audit) error
	GetAudit(ctx context.Context, tenantID string, auditID string) (*Audit, error)
	ListAuditsByDocument(ctx context.Context, tenantID string, documentID string) ([]*Audit, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific. PostgresURL overrides the individual fields.
	PostgresURL      string `yaml:"postgresUrl"`
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
