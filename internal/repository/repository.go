// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// Migrate applies every schema statement. Statements are idempotent.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRule upserts a rule. New rules are appended to the end of the catalog;
// updates keep their position.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.Rule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	threshold, err := json.Marshal(rule.Threshold)
	if err != nil {
		return fmt.Errorf("failed to encode threshold: %w", err)
	}

	docType := rule.ApplicableDocumentType
	if docType == "" {
		docType = domain.AllDocumentTypes
	}

	var legacy sql.NullString
	if rule.LegacyCategory != nil {
		legacy = sql.NullString{String: *rule.LegacyCategory, Valid: true}
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rules (
			id, tenant_id, sort_order, name, description, kind, threshold,
			enabled, applicable_document_type, legacy_category, created_at, updated_at
		) VALUES (
			?, ?, (SELECT COALESCE(MAX(sort_order), 0) + 1 FROM rules WHERE tenant_id = ?),
			?, ?, ?, ?, ?, ?, ?, ?, ?
		)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			kind = excluded.kind,
			threshold = excluded.threshold,
			enabled = excluded.enabled,
			applicable_document_type = excluded.applicable_document_type,
			legacy_category = excluded.legacy_category,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, tenantID,
		rule.Name, rule.Description, string(rule.Kind), string(threshold),
		boolToInt(rule.Enabled), docType, legacy,
		now, now,
	)
	return err
}

const ruleColumns = `id, tenant_id, name, description, kind, threshold, enabled, applicable_document_type, legacy_category`

// GetRule retrieves a rule with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.Rule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleColumns + ` FROM rules WHERE tenant_id = ? AND id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRules returns every rule of a tenant, enabled or not, in catalog order.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string) ([]domain.Rule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleColumns + ` FROM rules WHERE tenant_id = ? ORDER BY sort_order, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]domain.Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}

	return rules, rows.Err()
}

// DeleteRule removes a rule. Category linkage is pruned by the caller.
func (r *SQLRepository) DeleteRule(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `DELETE FROM rules WHERE tenant_id = ? AND id = ?`
	return r.execAffecting(ctx, query, tenantID, ruleID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.Rule, error) {
	var rule domain.Rule
	var kind, threshold string
	var description, legacy sql.NullString
	var enabled int

	if err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &description, &kind, &threshold,
		&enabled, &rule.ApplicableDocumentType, &legacy,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Kind = domain.RuleKind(kind)
	rule.Enabled = enabled == 1
	if legacy.Valid {
		tag := legacy.String
		rule.LegacyCategory = &tag
	}
	if err := json.Unmarshal([]byte(threshold), &rule.Threshold); err != nil {
		return nil, fmt.Errorf("failed to parse threshold for rule %s: %w", rule.ID, err)
	}

	return &rule, nil
}

// SaveCategory upserts a single category.
func (r *SQLRepository) SaveCategory(ctx context.Context, tenantID string, category *domain.Category) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if category == nil {
		return fmt.Errorf("%w: category is required", ErrInvalidInput)
	}
	return r.upsertCategory(ctx, r.db, tenantID, category)
}

// SaveCategories upserts categories in one transaction. Linkage migration
// writes back through here so a catalog is never left half migrated.
func (r *SQLRepository) SaveCategories(ctx context.Context, tenantID string, categories []domain.Category) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if len(categories) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range categories {
		if err := r.upsertCategory(ctx, tx, tenantID, &categories[i]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLRepository) upsertCategory(ctx context.Context, db execer, tenantID string, c *domain.Category) error {
	if c.ID == "" || c.Name == "" {
		return fmt.Errorf("%w: category id and name are required", ErrInvalidInput)
	}

	linked, err := encodeLinkage(c.LinkedRuleIDs)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO categories (id, tenant_id, name, linked_rule_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			linked_rule_ids = excluded.linked_rule_ids,
			updated_at = excluded.updated_at
	`

	_, err = db.ExecContext(ctx, r.rebind(query), c.ID, tenantID, c.Name, linked, now, now)
	if err != nil {
		return fmt.Errorf("failed to save category %s: %w", c.ID, err)
	}
	return nil
}

func encodeLinkage(l domain.Linkage) (sql.NullString, error) {
	if !l.IsLinked() {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode linkage: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

const categoryColumns = `id, tenant_id, name, linked_rule_ids, created_at, updated_at`

// GetCategory retrieves a category by id with tenant isolation.
func (r *SQLRepository) GetCategory(ctx context.Context, tenantID string, categoryID string) (*domain.Category, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + categoryColumns + ` FROM categories WHERE tenant_id = ? AND id = ?`

	c, err := scanCategory(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, categoryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCategories returns every category of a tenant ordered by name.
func (r *SQLRepository) ListCategories(ctx context.Context, tenantID string) ([]domain.Category, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + categoryColumns + ` FROM categories WHERE tenant_id = ? ORDER BY name`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0)
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		categories = append(categories, *c)
	}

	return categories, rows.Err()
}

// DeleteCategory removes a category.
func (r *SQLRepository) DeleteCategory(ctx context.Context, tenantID string, categoryID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `DELETE FROM categories WHERE tenant_id = ? AND id = ?`
	return r.execAffecting(ctx, query, tenantID, categoryID)
}

func scanCategory(row rowScanner) (*domain.Category, error) {
	var c domain.Category
	var linked sql.NullString

	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &linked, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}

	if linked.Valid {
		if err := json.Unmarshal([]byte(linked.String), &c.LinkedRuleIDs); err != nil {
			return nil, fmt.Errorf("failed to parse linkage for category %s: %w", c.ID, err)
		}
	}

	return &c, nil
}

// SaveAudit stores an audit record with tenant isolation.
func (r *SQLRepository) SaveAudit(ctx context.Context, tenantID string, audit *domain.Audit) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if audit == nil || audit.ID == "" {
		return fmt.Errorf("%w: audit id is required", ErrInvalidInput)
	}

	triggered, _ := json.Marshal(audit.Result.TriggeredRuleIDs)
	reasons, _ := json.Marshal(audit.Reasons)
	metadata, _ := json.Marshal(audit.Metadata)

	query := `
		INSERT INTO audits (
			id, tenant_id, document_id, category, passed, score, decision,
			triggered_rule_ids, reasons, timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		audit.ID, tenantID, audit.DocumentID, audit.Category,
		boolToInt(audit.Result.Passed), audit.Result.Score, string(audit.Decision),
		string(triggered), string(reasons), audit.Timestamp, string(metadata),
	)
	return err
}

const auditColumns = `id, tenant_id, document_id, category, passed, score, decision, triggered_rule_ids, reasons, timestamp, metadata`

// GetAudit retrieves an audit record by id with tenant isolation.
func (r *SQLRepository) GetAudit(ctx context.Context, tenantID string, auditID string) (*domain.Audit, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + auditColumns + ` FROM audits WHERE tenant_id = ? AND id = ?`

	audit, err := scanAudit(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, auditID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return audit, nil
}

// ListAuditsByDocument returns every audit of a document, newest first.
func (r *SQLRepository) ListAuditsByDocument(ctx context.Context, tenantID string, documentID string) ([]*domain.Audit, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + auditColumns + ` FROM audits WHERE tenant_id = ? AND document_id = ? ORDER BY timestamp DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []*domain.Audit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		audits = append(audits, a)
	}

	return audits, rows.Err()
}

func scanAudit(row rowScanner) (*domain.Audit, error) {
	var a domain.Audit
	var category, reasons sql.NullString
	var decision, triggered, metadata string
	var passed int

	if err := row.Scan(
		&a.ID, &a.TenantID, &a.DocumentID, &category, &passed, &a.Result.Score,
		&decision, &triggered, &reasons, &a.Timestamp, &metadata,
	); err != nil {
		return nil, err
	}

	a.Category = category.String
	a.Result.Passed = passed == 1
	a.Decision = domain.Decision(decision)

	if err := json.Unmarshal([]byte(triggered), &a.Result.TriggeredRuleIDs); err != nil {
		return nil, fmt.Errorf("failed to parse triggered rules for audit %s: %w", a.ID, err)
	}
	if a.Result.TriggeredRuleIDs == nil {
		a.Result.TriggeredRuleIDs = []string{}
	}
	if reasons.Valid && reasons.String != "" {
		if err := json.Unmarshal([]byte(reasons.String), &a.Reasons); err != nil {
			return nil, fmt.Errorf("failed to parse reasons for audit %s: %w", a.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata for audit %s: %w", a.ID, err)
	}

	return &a, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) execAffecting(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

var _ domain.Repository = (*SQLRepository)(nil)
