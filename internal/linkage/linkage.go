// Package linkage maps expense categories to the rule ids that apply to them
// and upgrades catalogs stored before per-category linkage existed.
//
// Every function here is pure: inputs are never mutated and results are
// freshly allocated.
package linkage

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ActiveRuleIDsFor returns the linked rule ids of the category named name
// (exact match). It returns nil when the category is unknown, or when it has
// not been migrated yet, which callers must pass on unchanged: nil means
// "every enabled rule applies" while an empty set means "no rule applies".
func ActiveRuleIDsFor(name string, categories []domain.Category) *domain.RuleIDSet {
	for _, c := range categories {
		if c.Name == name {
			return c.LinkedRuleIDs.Set()
		}
	}
	return nil
}

// Find returns the category named name.
func Find(name string, categories []domain.Category) (domain.Category, bool) {
	for _, c := range categories {
		if c.Name == name {
			return c, true
		}
	}
	return domain.Category{}, false
}

// NeedsMigration reports whether any category still lacks explicit linkage.
// It gates MigrateLinkage so the derivation runs once per stored catalog.
func NeedsMigration(categories []domain.Category) bool {
	for _, c := range categories {
		if !c.LinkedRuleIDs.IsLinked() {
			return true
		}
	}
	return false
}

// MigrateLinkage derives linkage for every category that has none from the
// rules' legacy category tags. A rule is linked when its tag is absent,
// equals "ALL", or equals the category id. Categories that already carry
// linkage are copied unchanged, so the function is idempotent. Linked ids
// follow rule catalog order.
func MigrateLinkage(categories []domain.Category, catalog []domain.Rule) []domain.Category {
	out := make([]domain.Category, len(categories))
	for i, c := range categories {
		out[i] = c
		if c.LinkedRuleIDs.IsLinked() {
			out[i].LinkedRuleIDs = domain.Linked(c.LinkedRuleIDs.IDs()...)
			continue
		}

		ids := make([]string, 0, len(catalog))
		for _, r := range catalog {
			if legacyTagMatches(r.LegacyCategory, c.ID) {
				ids = append(ids, r.ID)
			}
		}
		out[i].LinkedRuleIDs = domain.Linked(ids...)
	}
	return out
}

func legacyTagMatches(tag *string, categoryID string) bool {
	return tag == nil || *tag == domain.AllCategories || *tag == categoryID
}

// NewCategory creates a category linked to every currently known rule id.
func NewCategory(id, name string, catalog []domain.Rule) domain.Category {
	return domain.Category{
		ID:            id,
		Name:          name,
		LinkedRuleIDs: domain.Linked(RuleIDs(catalog)...),
	}
}

// Relink returns a copy of c with its linkage replaced by ids.
func Relink(c domain.Category, ids []string) domain.Category {
	c.LinkedRuleIDs = domain.Linked(ids...)
	return c
}

// PruneRule removes ruleID from the linkage of every category. It is the
// cascade step of rule deletion. Legacy categories are left as they are.
func PruneRule(categories []domain.Category, ruleID string) []domain.Category {
	out := make([]domain.Category, len(categories))
	for i, c := range categories {
		out[i] = c
		out[i].LinkedRuleIDs = c.LinkedRuleIDs.Without(ruleID)
	}
	return out
}

// Changed returns the categories of after whose linkage differs from the
// category with the same id in before. Used to write back only what moved.
func Changed(before, after []domain.Category) []domain.Category {
	prev := make(map[string]domain.Category, len(before))
	for _, c := range before {
		prev[c.ID] = c
	}

	var out []domain.Category
	for _, c := range after {
		old, ok := prev[c.ID]
		if !ok || !sameLinkage(old.LinkedRuleIDs, c.LinkedRuleIDs) {
			out = append(out, c)
		}
	}
	return out
}

func sameLinkage(a, b domain.Linkage) bool {
	if a.IsLinked() != b.IsLinked() {
		return false
	}
	x, y := a.IDs(), b.IDs()
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// Dangling returns linked ids that refer to no rule in catalog. The
// evaluator ignores them; the configuration layer may use this to report
// or clean up stale references.
func Dangling(c domain.Category, catalog []domain.Rule) []string {
	known := make(map[string]struct{}, len(catalog))
	for _, r := range catalog {
		known[r.ID] = struct{}{}
	}
	var out []string
	for _, id := range c.LinkedRuleIDs.IDs() {
		if _, ok := known[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// RuleIDs returns the ids of catalog in order.
func RuleIDs(catalog []domain.Rule) []string {
	ids := make([]string, len(catalog))
	for i, r := range catalog {
		ids[i] = r.ID
	}
	return ids
}
