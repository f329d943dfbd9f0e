package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RuleKind identifies the check a rule performs.
type RuleKind string

// Known rule kinds. Any other value is accepted on input but never matches.
const (
	KindMaxAmount         RuleKind = "MaxAmount"
	KindForbiddenCategory RuleKind = "ForbiddenCategory"
	KindWeekendBan        RuleKind = "WeekendBan"
	KindRequiredField     RuleKind = "RequiredField"

	// KindExpression evaluates a CEL boolean expression over document fields.
	KindExpression RuleKind = "Expression"
)

// AllDocumentTypes is the sentinel for rules that apply to every document type.
const AllDocumentTypes = "ALL"

// AllCategories is the legacy category tag meaning "every category".
const AllCategories = "ALL"

// Rule is a compliance check definition.
type Rule struct {
	ID          string   `json:"id" yaml:"id"`
	TenantID    string   `json:"tenantId,omitempty" yaml:"-"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        RuleKind `json:"kind" yaml:"kind"`

	// Threshold is interpreted per kind: a ceiling for MaxAmount, a substring
	// token for ForbiddenCategory, a field token for RequiredField and a CEL
	// expression for Expression. WeekendBan ignores it.
	Threshold Threshold `json:"threshold" yaml:"threshold"`

	Enabled bool `json:"enabled" yaml:"enabled"`

	// ApplicableDocumentType is "ALL" (or empty) or a token that must appear
	// in the document type label.
	ApplicableDocumentType string `json:"applicableDocumentType" yaml:"applicableDocumentType"`

	// LegacyCategory is the single-category tag used before per-category
	// linkage existed. Only read by linkage migration.
	LegacyCategory *string `json:"category,omitempty" yaml:"category,omitempty"`
}

// AppliesToAllDocuments reports whether the rule has no document type constraint.
func (r Rule) AppliesToAllDocuments() bool {
	return r.ApplicableDocumentType == "" || r.ApplicableDocumentType == AllDocumentTypes
}

// Threshold is a rule parameter that is either numeric or a string token.
// The zero value is an empty token.
type Threshold struct {
	num     float64
	token   string
	numeric bool
}

// NumberThreshold returns a numeric threshold.
func NumberThreshold(v float64) Threshold {
	return Threshold{num: v, numeric: true}
}

// TokenThreshold returns a string threshold.
func TokenThreshold(s string) Threshold {
	return Threshold{token: s}
}

// Number returns the numeric value. String tokens that parse as a number are
// accepted since configuration forms often store numbers as text.
func (t Threshold) Number() (float64, bool) {
	if t.numeric {
		return t.num, true
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(t.token), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Token returns the string value, formatting numbers without trailing zeros.
func (t Threshold) Token() string {
	if t.numeric {
		return strconv.FormatFloat(t.num, 'f', -1, 64)
	}
	return t.token
}

// IsNumeric reports whether the threshold was given as a number.
func (t Threshold) IsNumeric() bool {
	return t.numeric
}

// String implements fmt.Stringer.
func (t Threshold) String() string {
	return t.Token()
}

// MarshalJSON encodes numbers as JSON numbers and tokens as strings.
func (t Threshold) MarshalJSON() ([]byte, error) {
	if t.numeric {
		return json.Marshal(t.num)
	}
	return json.Marshal(t.token)
}

// UnmarshalJSON accepts a number, a string or null.
func (t *Threshold) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return t.setFrom(raw)
}

// MarshalYAML encodes the threshold as a scalar.
func (t Threshold) MarshalYAML() (any, error) {
	if t.numeric {
		return t.num, nil
	}
	return t.token, nil
}

// UnmarshalYAML accepts an int, float, string or null scalar.
func (t *Threshold) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return t.setFrom(raw)
}

func (t *Threshold) setFrom(raw any) error {
	switch v := raw.(type) {
	case nil:
		*t = Threshold{}
	case float64:
		*t = NumberThreshold(v)
	case int:
		*t = NumberThreshold(float64(v))
	case int64:
		*t = NumberThreshold(float64(v))
	case uint64:
		*t = NumberThreshold(float64(v))
	case string:
		*t = TokenThreshold(v)
	case bool:
		*t = TokenThreshold(strconv.FormatBool(v))
	default:
		return fmt.Errorf("threshold must be a number or string, got %T", raw)
	}
	return nil
}

// RuleIDSet is an unordered set of rule ids. A nil *RuleIDSet means
// "no restriction": every enabled rule is a candidate.
type RuleIDSet struct {
	ids map[string]struct{}
}

// NewRuleIDSet builds a set; duplicate ids collapse.
func NewRuleIDSet(ids ...string) *RuleIDSet {
	s := &RuleIDSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

// Has reports membership. A nil set contains nothing.
func (s *RuleIDSet) Has(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.ids[id]
	return ok
}

// Allows reports whether a rule id may be evaluated under this restriction.
// A nil set allows everything; an empty set allows nothing.
func (s *RuleIDSet) Allows(id string) bool {
	return s == nil || s.Has(id)
}

// Len returns the number of ids.
func (s *RuleIDSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// IDs returns the members sorted.
func (s *RuleIDSet) IDs() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s *RuleIDSet) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	return json.Marshal(s.IDs())
}
