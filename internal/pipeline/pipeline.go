// Package pipeline runs one document through catalog resolution, rule
// evaluation, review routing and persistence. The HTTP API and the async
// worker share it.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/review"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var tracer = otel.Tracer("kestrel-pipeline")

// Recorder observes completed audits. metrics.Metrics implements it.
type Recorder interface {
	ObserveAudit(audit *domain.Audit, kinds []domain.RuleKind, d time.Duration)
}

// Pipeline audits documents against tenant catalogs.
type Pipeline struct {
	catalog   *catalog.Service
	evaluator *rules.Evaluator
	processor *review.Processor
	repo      domain.Repository
	recorder  Recorder
	logger    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRepository persists audits to repo.
func WithRepository(repo domain.Repository) Option {
	return func(p *Pipeline) { p.repo = repo }
}

// WithRecorder reports audits to r.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New creates a pipeline.
func New(cat *catalog.Service, evaluator *rules.Evaluator, processor *review.Processor, opts ...Option) *Pipeline {
	p := &Pipeline{
		catalog:   cat,
		evaluator: evaluator,
		processor: processor,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Request is one document to audit.
type Request struct {
	TenantID string
	TraceID  string
	Document domain.Document

	// Category is the request type the document was filed under. An empty
	// or unknown category leaves every enabled rule a candidate.
	Category string

	// Preview evaluates without persisting or recording the audit.
	Preview bool

	// StartTime is when the request entered the system. Zero means now.
	StartTime time.Time
}

// Run audits one document.
func (p *Pipeline) Run(ctx context.Context, req *Request) (*domain.Audit, error) {
	if req.StartTime.IsZero() {
		req.StartTime = time.Now()
	}

	ctx, span := tracer.Start(ctx, "audit.evaluate",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("audit.category", req.Category),
			attribute.Bool("audit.preview", req.Preview),
		),
	)
	defer span.End()

	snap, err := p.catalog.Snapshot(ctx, req.TenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "catalog load failed")
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	doc := req.Document
	if doc.ID == "" && !req.Preview {
		doc.ID = uuid.New().String()
	}

	auditStart := time.Now()
	active := snap.ActiveRuleIDsFor(req.Category)
	candidates := p.evaluator.Candidates(doc, snap.Rules, active)
	result := p.evaluator.Evaluate(doc, snap.Rules, active)
	auditTime := time.Since(auditStart)

	audit := p.processor.Process(ctx, &review.DecisionInput{
		TenantID:       req.TenantID,
		DocumentID:     doc.ID,
		TraceID:        req.TraceID,
		Category:       req.Category,
		Result:         result,
		Rules:          snap.Rules,
		Restricted:     active != nil,
		RulesEvaluated: len(candidates),
		StartTime:      req.StartTime,
		AuditTime:      auditTime,
	})

	span.SetAttributes(
		attribute.String("audit.decision", string(audit.Decision)),
		attribute.Int("audit.score", result.Score),
		attribute.Int("audit.rules_evaluated", len(candidates)),
	)

	if req.Preview {
		return audit, nil
	}

	if p.repo != nil {
		if err := p.repo.SaveAudit(ctx, req.TenantID, audit); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "audit save failed")
			return nil, fmt.Errorf("failed to save audit: %w", err)
		}
	}

	if p.recorder != nil {
		p.recorder.ObserveAudit(audit, triggeredKinds(snap, result), auditTime)
	}

	p.logger.Debug("document audited",
		"tenant_id", req.TenantID,
		"document_id", doc.ID,
		"trace_id", req.TraceID,
		"category", req.Category,
		"decision", audit.Decision,
		"score", result.Score,
		"restricted", active != nil,
		"duration_ms", auditTime.Milliseconds(),
	)

	return audit, nil
}

func triggeredKinds(snap *catalog.Snapshot, result domain.AuditResult) []domain.RuleKind {
	kinds := make([]domain.RuleKind, 0, len(result.TriggeredRuleIDs))
	for _, id := range result.TriggeredRuleIDs {
		if r, ok := snap.Rule(id); ok {
			kinds = append(kinds, r.Kind)
		}
	}
	return kinds
}
