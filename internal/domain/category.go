package domain

import (
	"encoding/json"
	"time"
)

// Category is an expense bucket ("request type") documents are filed under.
type Category struct {
	ID       string `json:"id" yaml:"id"`
	TenantID string `json:"tenantId,omitempty" yaml:"-"`
	Name     string `json:"name" yaml:"name"`

	// LinkedRuleIDs is the set of rule ids that are candidates for documents
	// in this category. Catalogs stored before linkage existed carry none.
	LinkedRuleIDs Linkage `json:"linkedRuleIds" yaml:"linkedRuleIds"`

	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"-"`
}

// LinkageState is the lifecycle stage of a category's linkage data.
type LinkageState string

const (
	// LinkageLegacy means only per-rule legacy tags exist.
	LinkageLegacy LinkageState = "legacy"

	// LinkageLinked means the category carries an explicit (possibly empty) set.
	LinkageLinked LinkageState = "linked"
)

// Linkage is an optional rule-id set. The zero value is the legacy
// (unmigrated) state; Linked() with no ids is an explicit empty set.
type Linkage struct {
	ids    []string
	linked bool
}

// Linked returns an explicit linkage. Duplicate ids are dropped, first
// occurrence wins.
func Linked(ids ...string) Linkage {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return Linkage{ids: out, linked: true}
}

// IsLinked reports whether an explicit set is present.
func (l Linkage) IsLinked() bool {
	return l.linked
}

// State returns the lifecycle state.
func (l Linkage) State() LinkageState {
	if l.linked {
		return LinkageLinked
	}
	return LinkageLegacy
}

// IDs returns a copy of the linked ids, nil in the legacy state.
func (l Linkage) IDs() []string {
	if !l.linked {
		return nil
	}
	out := make([]string, len(l.ids))
	copy(out, l.ids)
	return out
}

// Set returns the ids as a RuleIDSet, or nil in the legacy state.
func (l Linkage) Set() *RuleIDSet {
	if !l.linked {
		return nil
	}
	return NewRuleIDSet(l.ids...)
}

// Contains reports whether a rule id is linked.
func (l Linkage) Contains(id string) bool {
	for _, v := range l.ids {
		if v == id {
			return true
		}
	}
	return false
}

// Without returns a copy with id removed. Legacy linkage is returned as is.
func (l Linkage) Without(id string) Linkage {
	if !l.linked {
		return l
	}
	out := make([]string, 0, len(l.ids))
	for _, v := range l.ids {
		if v != id {
			out = append(out, v)
		}
	}
	return Linkage{ids: out, linked: true}
}

// MarshalJSON encodes legacy linkage as null and linked as an array.
func (l Linkage) MarshalJSON() ([]byte, error) {
	if !l.linked {
		return []byte("null"), nil
	}
	if l.ids == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.ids)
}

// UnmarshalJSON decodes null as legacy and any array as linked.
func (l *Linkage) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	if ids == nil {
		*l = Linkage{}
		return nil
	}
	*l = Linked(ids...)
	return nil
}

// MarshalYAML encodes legacy linkage as null.
func (l Linkage) MarshalYAML() (any, error) {
	if !l.linked {
		return nil, nil
	}
	return l.IDs(), nil
}

// UnmarshalYAML decodes a sequence as linked; a null node keeps legacy.
func (l *Linkage) UnmarshalYAML(unmarshal func(any) error) error {
	var ids []string
	if err := unmarshal(&ids); err != nil {
		return err
	}
	if ids == nil {
		// yaml decodes both "~" and "[]" into a nil slice; check the raw node.
		var raw any
		if err := unmarshal(&raw); err != nil {
			return err
		}
		if raw == nil {
			*l = Linkage{}
			return nil
		}
	}
	*l = Linked(ids...)
	return nil
}
