package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

// schemaRules stores the rule catalog. sort_order fixes catalog order, which
// is also the order triggered rule ids are reported in.
const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    sort_order INTEGER NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    kind TEXT NOT NULL,
    threshold TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    applicable_document_type TEXT NOT NULL DEFAULT 'ALL',
    legacy_category TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rules_tenant ON rules(tenant_id, sort_order);
`

// schemaCategories stores expense categories. linked_rule_ids is NULL for
// categories that predate linkage and a JSON array otherwise.
const schemaCategories = `
CREATE TABLE IF NOT EXISTS categories (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    linked_rule_ids TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_categories_tenant ON categories(tenant_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_categories_name ON categories(tenant_id, name);
`

const schemaAudits = `
CREATE TABLE IF NOT EXISTS audits (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    document_id TEXT NOT NULL,
    category TEXT,
    passed INTEGER NOT NULL,
    score INTEGER NOT NULL,
    decision TEXT NOT NULL,
    triggered_rule_ids TEXT NOT NULL,
    reasons TEXT,
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audits_tenant ON audits(tenant_id);
CREATE INDEX IF NOT EXISTS idx_audits_document ON audits(tenant_id, document_id);
CREATE INDEX IF NOT EXISTS idx_audits_decision ON audits(tenant_id, decision);
CREATE INDEX IF NOT EXISTS idx_audits_timestamp ON audits(tenant_id, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRules,
		schemaCategories,
		schemaAudits,
	}
}
