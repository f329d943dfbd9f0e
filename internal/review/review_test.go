package review

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var catalog = []domain.Rule{
	{ID: "r-amount", Name: "Amount over 2000", Kind: domain.KindMaxAmount},
	{ID: "r-weekend", Name: "Weekend receipt", Kind: domain.KindWeekendBan},
	{ID: "r-ent", Name: "Entertainment not reimbursable", Kind: domain.KindForbiddenCategory},
}

func TestProcessor(t *testing.T) {
	proc := NewProcessor(0, "")
	ctx := context.Background()

	t.Run("Passed", func(t *testing.T) {
		input := &DecisionInput{
			TenantID:   "tenant-001",
			DocumentID: "doc-001",
			TraceID:    "trace-001",
			StartTime:  time.Now(),
			Result:     domain.AuditResult{Passed: true, TriggeredRuleIDs: []string{}},
		}

		audit := proc.Process(ctx, input)

		if audit.Decision != domain.DecisionPass {
			t.Errorf("expected PASS, got %s", audit.Decision)
		}
		if audit.TenantID != "tenant-001" {
			t.Errorf("expected tenantID 'tenant-001', got '%s'", audit.TenantID)
		}
		if audit.Metadata.TraceID != "trace-001" {
			t.Errorf("expected traceID 'trace-001', got '%s'", audit.Metadata.TraceID)
		}
		if len(audit.Reasons) != 0 {
			t.Errorf("expected no reasons, got %v", audit.Reasons)
		}
	})

	t.Run("BelowRejectThreshold", func(t *testing.T) {
		input := &DecisionInput{
			TenantID:   "tenant-001",
			DocumentID: "doc-002",
			Result:     domain.AuditResult{TriggeredRuleIDs: []string{"r-amount", "r-weekend"}, Score: 90},
			Rules:      catalog,
		}

		audit := proc.Process(ctx, input)

		if audit.Decision != domain.DecisionNeedsReview {
			t.Errorf("expected NEEDS_REVIEW, got %s", audit.Decision)
		}
	})

	t.Run("AtRejectThreshold", func(t *testing.T) {
		input := &DecisionInput{
			TenantID:   "tenant-001",
			DocumentID: "doc-003",
			Result:     domain.AuditResult{TriggeredRuleIDs: []string{"r-ent"}, Score: 100},
			Rules:      catalog,
		}

		audit := proc.Process(ctx, input)

		if audit.Decision != domain.DecisionFail {
			t.Errorf("expected FAIL, got %s", audit.Decision)
		}
	})

	t.Run("UniqueIDs", func(t *testing.T) {
		input := &DecisionInput{TenantID: "tenant-001", Result: domain.AuditResult{Passed: true}}
		a := proc.Process(ctx, input)
		b := proc.Process(ctx, input)
		if a.ID == "" || a.ID == b.ID {
			t.Errorf("expected distinct ids, got %q and %q", a.ID, b.ID)
		}
	})

	t.Run("MetadataPopulated", func(t *testing.T) {
		input := &DecisionInput{
			TenantID:       "tenant-001",
			DocumentID:     "doc-004",
			TraceID:        "trace-004",
			Category:       "Travel",
			Restricted:     true,
			RulesEvaluated: 3,
			StartTime:      time.Now().Add(-5 * time.Millisecond),
			AuditTime:      2 * time.Millisecond,
			Result:         domain.AuditResult{Passed: true},
		}

		audit := proc.Process(ctx, input)

		if audit.Category != "Travel" {
			t.Errorf("expected category 'Travel', got %q", audit.Category)
		}
		if !audit.Metadata.Restricted {
			t.Error("expected restricted flag")
		}
		if audit.Metadata.RulesEvaluated != 3 {
			t.Errorf("expected 3 rules evaluated, got %d", audit.Metadata.RulesEvaluated)
		}
		if audit.Metadata.AuditMs != 2 {
			t.Errorf("expected auditMs 2, got %d", audit.Metadata.AuditMs)
		}
		if audit.Metadata.TotalMs < 5 {
			t.Errorf("expected totalMs >= 5, got %d", audit.Metadata.TotalMs)
		}
		if audit.Metadata.EngineVersion != DefaultEngineVersion {
			t.Errorf("expected engine version %q, got %q", DefaultEngineVersion, audit.Metadata.EngineVersion)
		}
		if audit.Timestamp.IsZero() {
			t.Error("missing timestamp")
		}
	})
}

func TestCustomThreshold(t *testing.T) {
	proc := NewProcessor(50, "kestrel-test")

	tests := []struct {
		score int
		want  domain.Decision
	}{
		{score: 20, want: domain.DecisionNeedsReview},
		{score: 49, want: domain.DecisionNeedsReview},
		{score: 50, want: domain.DecisionFail},
		{score: 100, want: domain.DecisionFail},
	}

	for _, tt := range tests {
		got := proc.Decide(domain.AuditResult{TriggeredRuleIDs: []string{"r"}, Score: tt.score})
		if got != tt.want {
			t.Errorf("score %d: expected %s, got %s", tt.score, tt.want, got)
		}
	}

	// A passing result is never rejected, even when weights are zero.
	if got := proc.Decide(domain.AuditResult{Passed: true}); got != domain.DecisionPass {
		t.Errorf("expected PASS, got %s", got)
	}
}

func TestNeedsAttention(t *testing.T) {
	if NeedsAttention(&domain.Audit{Decision: domain.DecisionPass}) {
		t.Error("expected false for PASS")
	}
	if !NeedsAttention(&domain.Audit{Decision: domain.DecisionNeedsReview}) {
		t.Error("expected true for NEEDS_REVIEW")
	}
	if !NeedsAttention(&domain.Audit{Decision: domain.DecisionFail}) {
		t.Error("expected true for FAIL")
	}
}

func TestReasons(t *testing.T) {
	result := domain.AuditResult{TriggeredRuleIDs: []string{"r-weekend", "r-gone", "r-amount"}}

	reasons := Reasons(result, catalog)

	if len(reasons) != 3 {
		t.Fatalf("expected 3 reasons, got %d", len(reasons))
	}
	if reasons[0] != "Weekend receipt" {
		t.Errorf("expected 'Weekend receipt', got '%s'", reasons[0])
	}
	if reasons[1] != "r-gone" {
		t.Errorf("expected unknown id to be reported as is, got '%s'", reasons[1])
	}
	if reasons[2] != "Amount over 2000" {
		t.Errorf("expected 'Amount over 2000', got '%s'", reasons[2])
	}

	if Reasons(domain.AuditResult{Passed: true}, catalog) != nil {
		t.Error("expected nil reasons for a passed result")
	}
}
