// Package worker audits documents published by the OCR collaborator.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/review"
)

// ErrTenantMismatch is returned for documents whose payload names a tenant
// other than the one the worker subscribed for.
var ErrTenantMismatch = errors.New("tenant mismatch")

// Worker processes extracted documents asynchronously from the EventBus.
type Worker struct {
	bus      domain.EventBus
	pipeline *pipeline.Pipeline
	catalog  *catalog.Service
	logger   *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process. Empty subscribes across
	// all tenants.
	TenantIDs []string

	// WatchCatalog subscribes to catalog changes so edits made on other
	// nodes drop the local snapshot.
	WatchCatalog bool
}

// NewWorker creates a new async worker. cat may be nil when catalog changes
// are not watched.
func NewWorker(b domain.EventBus, p *pipeline.Pipeline, cat *catalog.Service, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      b,
		pipeline: p,
		catalog:  cat,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startTenantWorker(domain.WildcardTenantID, cfg.WatchCatalog)
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID, cfg.WatchCatalog); err != nil {
			w.logger.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	w.logger.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

func (w *Worker) startTenantWorker(tenantID string, watch bool) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicDocumentExtracted, func(ctx context.Context, msg *domain.Message) error {
		return w.handleMessage(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.track(sub)

	if watch && w.catalog != nil {
		csub, err := w.catalog.WatchChanges(w.ctx, tenantID)
		if err != nil {
			return err
		}
		w.track(csub)
	}

	w.logger.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicDocumentExtracted,
	)

	return nil
}

func (w *Worker) track(sub domain.Subscription) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscriptions = append(w.subscriptions, sub)
}

// handleMessage audits one extracted document, persists the audit and fans
// the result out to downstream topics. subscribed is the tenant the message
// was received for; only wildcard subscriptions take the tenant from the
// payload.
func (w *Worker) handleMessage(ctx context.Context, subscribed string, msg *domain.Message) error {
	start := time.Now()

	var extracted domain.ExtractedDocument
	if err := json.Unmarshal(msg.Payload, &extracted); err != nil {
		w.logger.Error("failed to parse extracted document",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	tenantID := msg.TenantID
	if extracted.TenantID != "" && extracted.TenantID != tenantID {
		if subscribed != domain.WildcardTenantID {
			w.logger.Warn("dropping document for foreign tenant",
				"message_id", msg.ID,
				"tenant_id", subscribed,
				"payload_tenant_id", extracted.TenantID,
			)
			return fmt.Errorf("%w: payload tenant %s on %s subscription", ErrTenantMismatch, extracted.TenantID, subscribed)
		}
		tenantID = extracted.TenantID
	}

	traceID := extracted.TraceID
	if traceID == "" {
		traceID = bus.TraceID(msg)
	}
	if traceID == "" {
		traceID = msg.ID
	}
	ctx = bus.WithTraceID(ctx, traceID)

	w.logger.Debug("processing document",
		"document_id", extracted.Document.ID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	audit, err := w.pipeline.Run(ctx, &pipeline.Request{
		TenantID:  tenantID,
		TraceID:   traceID,
		Document:  extracted.Document,
		Category:  extracted.RequestType,
		StartTime: start,
	})
	if err != nil {
		w.logger.Error("document audit failed",
			"document_id", extracted.Document.ID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	resultPayload, _ := json.Marshal(audit)

	if err := w.bus.Publish(ctx, tenantID, domain.TopicAuditCompleted, resultPayload); err != nil {
		w.logger.Error("failed to publish audit",
			"audit_id", audit.ID,
			"error", err,
		)
	}

	if review.NeedsAttention(audit) {
		if err := w.bus.Publish(ctx, tenantID, domain.TopicAuditFlagged, resultPayload); err != nil {
			w.logger.Error("failed to publish flagged audit",
				"audit_id", audit.ID,
				"error", err,
			)
		}
	}

	if err := w.bus.Reply(ctx, msg, resultPayload); err != nil {
		w.logger.Warn("failed to reply to requester",
			"audit_id", audit.ID,
			"error", err,
		)
	}

	w.logger.Info("document audited",
		"audit_id", audit.ID,
		"document_id", audit.DocumentID,
		"tenant_id", tenantID,
		"decision", audit.Decision,
		"score", audit.Result.Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.logger.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
