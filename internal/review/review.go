// Package review routes evaluated documents to the human approval queue.
// It turns an AuditResult into a persisted Audit with a decision.
package review

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultEngineVersion is stamped on audits when no version is configured.
const DefaultEngineVersion = "kestrel-1.0"

// Processor produces audit records from evaluation results.
type Processor struct {
	// Score at or above which a failing document is FAIL instead of NEEDS_REVIEW
	RejectThreshold int

	// Reported in audit metadata
	EngineVersion string
}

// NewProcessor creates a processor. A non-positive threshold falls back to
// domain.DefaultRejectThreshold.
func NewProcessor(rejectThreshold int, engineVersion string) *Processor {
	if rejectThreshold <= 0 {
		rejectThreshold = domain.DefaultRejectThreshold
	}
	if engineVersion == "" {
		engineVersion = DefaultEngineVersion
	}
	return &Processor{
		RejectThreshold: rejectThreshold,
		EngineVersion:   engineVersion,
	}
}

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	TenantID   string
	DocumentID string
	TraceID    string
	Category   string
	Result     domain.AuditResult

	// Rules is the catalog the result was computed against, used to name
	// triggered rules.
	Rules []domain.Rule

	// Restricted is true when category linkage limited the candidates.
	Restricted     bool
	RulesEvaluated int

	StartTime time.Time
	AuditTime time.Duration
}

// Process builds the audit record for one evaluation.
func (p *Processor) Process(ctx context.Context, input *DecisionInput) *domain.Audit {
	audit := &domain.Audit{
		ID:         uuid.New().String(),
		TenantID:   input.TenantID,
		DocumentID: input.DocumentID,
		Category:   input.Category,
		Result:     input.Result,
		Decision:   p.Decide(input.Result),
		Reasons:    Reasons(input.Result, input.Rules),
		Timestamp:  time.Now().UTC(),
	}

	var totalMs int64
	if !input.StartTime.IsZero() {
		totalMs = time.Since(input.StartTime).Milliseconds()
	}

	audit.Metadata = domain.AuditMetadata{
		TraceID:        input.TraceID,
		AuditMs:        input.AuditTime.Milliseconds(),
		TotalMs:        totalMs,
		Restricted:     input.Restricted,
		RulesEvaluated: input.RulesEvaluated,
		EngineVersion:  p.EngineVersion,
	}

	return audit
}

// Decide maps a result to a routing decision.
func (p *Processor) Decide(result domain.AuditResult) domain.Decision {
	switch {
	case result.Passed:
		return domain.DecisionPass
	case result.Score >= p.RejectThreshold:
		return domain.DecisionFail
	default:
		return domain.DecisionNeedsReview
	}
}

// NeedsAttention returns true if the audit should be flagged to reviewers.
func NeedsAttention(audit *domain.Audit) bool {
	return audit.Decision != domain.DecisionPass
}

// Reasons names the triggered rules in result order. Ids missing from the
// catalog are reported as the id itself.
func Reasons(result domain.AuditResult, catalog []domain.Rule) []string {
	if len(result.TriggeredRuleIDs) == 0 {
		return nil
	}

	names := make(map[string]string, len(catalog))
	for _, r := range catalog {
		names[r.ID] = r.Name
	}

	reasons := make([]string, 0, len(result.TriggeredRuleIDs))
	for _, id := range result.TriggeredRuleIDs {
		if name := names[id]; name != "" {
			reasons = append(reasons, name)
		} else {
			reasons = append(reasons, id)
		}
	}
	return reasons
}
