package domain

import (
	"time"
)

// AuditResult is the verdict of evaluating one document.
// Passed is true iff TriggeredRuleIDs is empty.
type AuditResult struct {
	Passed bool `json:"passed"`

	// TriggeredRuleIDs lists violated rules in catalog order.
	TriggeredRuleIDs []string `json:"triggeredRuleIds"`

	// Score is the weight sum of triggered rules clamped to [0,100].
	Score int `json:"score"`
}

// Score bounds.
const (
	MinScore = 0
	MaxScore = 100
)

// WeightTable maps rule kinds to risk weights.
type WeightTable struct {
	Weights map[RuleKind]int `json:"weights" yaml:"weights"`

	// Default applies to kinds missing from Weights.
	Default int `json:"default" yaml:"default"`
}

// DefaultUnknownKindWeight is the weight of kinds missing from the table.
const DefaultUnknownKindWeight = 10

// DefaultWeights returns the standard weight table.
func DefaultWeights() WeightTable {
	return WeightTable{
		Weights: map[RuleKind]int{
			KindForbiddenCategory: 100,
			KindMaxAmount:         60,
			KindWeekendBan:        30,
			KindRequiredField:     20,
		},
		Default: DefaultUnknownKindWeight,
	}
}

// WeightOf returns the weight for a kind.
func (w WeightTable) WeightOf(kind RuleKind) int {
	if v, ok := w.Weights[kind]; ok {
		return v
	}
	return w.Default
}

// Decision is the routing outcome handed to human approval.
type Decision string

const (
	DecisionPass        Decision = "PASS"
	DecisionNeedsReview Decision = "NEEDS_REVIEW"
	DecisionFail        Decision = "FAIL"
)

// Audit is the persisted record of one evaluation.
type Audit struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenantId"`
	DocumentID string      `json:"documentId"`
	Category   string      `json:"category,omitempty"`
	Result     AuditResult `json:"result"`
	Decision   Decision    `json:"decision"`
	Reasons    []string    `json:"reasons,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`

	Metadata AuditMetadata `json:"metadata"`
}

// AuditMetadata contains processing information.
type AuditMetadata struct {
	TraceID string `json:"traceId"`
	AuditMs int64  `json:"auditMs"`
	TotalMs int64  `json:"totalMs"`

	// Restricted is true when a category linkage limited the candidate rules.
	Restricted     bool   `json:"restricted"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	EngineVersion  string `json:"engineVersion"`
}
