// Package rules provides the compliance rule evaluator.
//
// Evaluation is a pure function of the document, the rule catalog and an
// optional active-rule restriction. It performs no I/O, never mutates its
// inputs and never fails: a rule that cannot be evaluated contributes no
// violation.
package rules

import (
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Evaluator evaluates documents against a rule catalog.
// It is safe for concurrent use.
type Evaluator struct {
	weights      domain.WeightTable
	placeholders []string
	programs     *programCache
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithWeights sets the weight table.
func WithWeights(w domain.WeightTable) Option {
	return func(e *Evaluator) {
		table := domain.WeightTable{
			Weights: make(map[domain.RuleKind]int, len(w.Weights)),
			Default: w.Default,
		}
		for k, v := range w.Weights {
			table.Weights[k] = v
		}
		e.weights = table
	}
}

// WithMerchantPlaceholders sets the merchant names that mean "unknown".
func WithMerchantPlaceholders(placeholders ...string) Option {
	return func(e *Evaluator) {
		e.placeholders = append([]string(nil), placeholders...)
	}
}

// NewEvaluator creates an evaluator with the default weight table and
// merchant placeholders unless overridden.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		weights:      domain.DefaultWeights(),
		placeholders: append([]string(nil), domain.DefaultMerchantPlaceholders...),
		programs:     newProgramCache(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultEvaluator = NewEvaluator()

// Evaluate runs the default evaluator.
func Evaluate(doc domain.Document, catalog []domain.Rule, active *domain.RuleIDSet) domain.AuditResult {
	return defaultEvaluator.Evaluate(doc, catalog, active)
}

// Weights returns a copy of the evaluator's weight table.
func (e *Evaluator) Weights() domain.WeightTable {
	out := domain.WeightTable{Weights: make(map[domain.RuleKind]int, len(e.weights.Weights)), Default: e.weights.Default}
	for k, v := range e.weights.Weights {
		out.Weights[k] = v
	}
	return out
}

// Evaluate checks doc against every candidate rule in catalog order.
// A nil active set means every enabled rule is a candidate; a non-nil set
// (even empty) restricts candidates to its members.
func (e *Evaluator) Evaluate(doc domain.Document, catalog []domain.Rule, active *domain.RuleIDSet) domain.AuditResult {
	triggered := make([]string, 0)
	total := 0

	for _, rule := range e.Candidates(doc, catalog, active) {
		if !e.Violates(rule, doc) {
			continue
		}
		triggered = append(triggered, rule.ID)
		total += e.weights.WeightOf(rule.Kind)
	}

	return domain.AuditResult{
		Passed:           len(triggered) == 0,
		TriggeredRuleIDs: triggered,
		Score:            clampScore(total),
	}
}

// Candidates returns the rules Evaluate would dispatch on: enabled, allowed
// by active, and applicable to the document type. Catalog order is kept.
func (e *Evaluator) Candidates(doc domain.Document, catalog []domain.Rule, active *domain.RuleIDSet) []domain.Rule {
	out := make([]domain.Rule, 0, len(catalog))
	for _, rule := range catalog {
		if !rule.Enabled {
			continue
		}
		if !active.Allows(rule.ID) {
			continue
		}
		if !rule.AppliesToAllDocuments() && !strings.Contains(doc.DocumentType, rule.ApplicableDocumentType) {
			continue
		}
		out = append(out, rule)
	}
	return out
}

// Violates reports whether doc violates a single rule, ignoring the rule's
// enabled flag and document type filter. Unknown kinds never match.
func (e *Evaluator) Violates(rule domain.Rule, doc domain.Document) bool {
	switch rule.Kind {
	case domain.KindMaxAmount:
		limit, ok := rule.Threshold.Number()
		return ok && doc.TotalAmount > limit
	case domain.KindForbiddenCategory:
		token := strings.ToLower(rule.Threshold.Token())
		return token != "" && strings.Contains(strings.ToLower(doc.Category), token)
	case domain.KindWeekendBan:
		day, ok := ParseDocumentDate(doc.Date)
		if !ok {
			return false
		}
		wd := day.Weekday()
		return wd == time.Saturday || wd == time.Sunday
	case domain.KindRequiredField:
		return e.missingField(rule.Threshold.Token(), doc)
	case domain.KindExpression:
		return e.programs.matches(rule.Threshold.Token(), doc)
	default:
		return false
	}
}

// Field tokens understood by RequiredField rules.
const (
	FieldMerchantName = "merchantName"
)

// missingField only knows the merchant name; any other token is a no-match.
// A blank name counts as empty. Placeholders must match exactly.
func (e *Evaluator) missingField(token string, doc domain.Document) bool {
	switch normalizeFieldToken(token) {
	case "merchantname", "merchant":
	default:
		return false
	}
	if strings.TrimSpace(doc.MerchantName) == "" {
		return true
	}
	for _, p := range e.placeholders {
		if doc.MerchantName == p {
			return true
		}
	}
	return false
}

func normalizeFieldToken(token string) string {
	r := strings.NewReplacer("_", "", "-", "", " ", "")
	return strings.ToLower(r.Replace(strings.TrimSpace(token)))
}

// dateLayouts are tried in order. Dates carry no zone and are read as UTC.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	time.RFC3339,
}

// ParseDocumentDate parses a receipt date. For timestamps the calendar date
// as written is kept, so the weekday does not depend on the process zone.
func ParseDocumentDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

func clampScore(total int) int {
	if total < domain.MinScore {
		return domain.MinScore
	}
	if total > domain.MaxScore {
		return domain.MaxScore
	}
	return total
}
