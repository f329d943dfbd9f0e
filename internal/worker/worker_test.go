package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/review"
	"github.com/opensource-finance/kestrel/internal/rules"
)

type fixture struct {
	bus     *bus.ChannelBus
	repo    *repository.SQLRepository
	catalog *catalog.Service
	cache   *cache.LRUCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: repository.MemoryPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	c := cache.NewLRUCache(100, time.Minute)
	cat := catalog.NewService(repo,
		catalog.WithPresets(true),
		catalog.WithCache(c, time.Minute),
		catalog.WithEventBus(eventBus),
	)

	return &fixture{bus: eventBus, repo: repo, catalog: cat, cache: c}
}

func (f *fixture) worker() *Worker {
	p := pipeline.New(f.catalog, rules.NewEvaluator(), review.NewProcessor(0, ""), pipeline.WithRepository(f.repo))
	return NewWorker(f.bus, p, f.catalog, nil)
}

func extracted(t *testing.T, tenantID string, doc domain.Document, requestType string) []byte {
	t.Helper()
	payload, err := json.Marshal(domain.ExtractedDocument{
		TenantID:    tenantID,
		TraceID:     "trace-" + doc.ID,
		Document:    doc,
		RequestType: requestType,
	})
	if err != nil {
		t.Fatalf("failed to marshal document: %v", err)
	}
	return payload
}

func waitFor(t *testing.T, ch <-chan *domain.Audit) *domain.Audit {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for audit")
		return nil
	}
}

func subscribeAudits(t *testing.T, b domain.EventBus, tenantID, topic string) <-chan *domain.Audit {
	t.Helper()
	ch := make(chan *domain.Audit, 10)
	_, err := b.Subscribe(context.Background(), tenantID, topic, func(ctx context.Context, msg *domain.Message) error {
		var a domain.Audit
		if err := json.Unmarshal(msg.Payload, &a); err != nil {
			return err
		}
		ch <- &a
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return ch
}

var saturdayHotel = domain.Document{
	ID:           "doc-001",
	MerchantName: "Harbour Hotel",
	Date:         "2024-06-15",
	TotalAmount:  2500,
	Category:     "lodging",
}

var weekdayLunch = domain.Document{
	ID:           "doc-002",
	MerchantName: "Noodle Bar",
	Date:         "2024-06-12",
	TotalAmount:  35,
	Category:     "meals",
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		f := newFixture(t)
		worker := f.worker()

		err := worker.Start(Config{TenantIDs: []string{"tenant-001"}})
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}

		if err := worker.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = worker.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessDocument", func(t *testing.T) {
		f := newFixture(t)
		w := f.worker()
		if err := w.Start(Config{TenantIDs: []string{"tenant-test"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		completed := subscribeAudits(t, f.bus, "tenant-test", domain.TopicAuditCompleted)

		payload := extracted(t, "tenant-test", saturdayHotel, "Travel")
		if err := f.bus.Publish(context.Background(), "tenant-test", domain.TopicDocumentExtracted, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		audit := waitFor(t, completed)
		if audit.DocumentID != "doc-001" {
			t.Errorf("expected documentID 'doc-001', got '%s'", audit.DocumentID)
		}
		if audit.TenantID != "tenant-test" {
			t.Errorf("expected tenantID 'tenant-test', got '%s'", audit.TenantID)
		}
		if audit.Metadata.TraceID != "trace-doc-001" {
			t.Errorf("expected traceID 'trace-doc-001', got '%s'", audit.Metadata.TraceID)
		}
		if audit.Decision != domain.DecisionNeedsReview {
			t.Errorf("expected NEEDS_REVIEW, got %s", audit.Decision)
		}
		if audit.Result.Score != 90 {
			t.Errorf("expected score 90, got %d", audit.Result.Score)
		}

		stored, err := f.repo.ListAuditsByDocument(context.Background(), "tenant-test", "doc-001")
		if err != nil {
			t.Fatalf("ListAuditsByDocument failed: %v", err)
		}
		if len(stored) != 1 {
			t.Errorf("expected 1 stored audit, got %d", len(stored))
		}
	})

	t.Run("FlaggedPublished", func(t *testing.T) {
		f := newFixture(t)
		w := f.worker()
		w.Start(Config{TenantIDs: []string{"tenant-flag"}})
		defer w.Stop()

		var flagged atomic.Int32
		f.bus.Subscribe(context.Background(), "tenant-flag", domain.TopicAuditFlagged, func(ctx context.Context, msg *domain.Message) error {
			flagged.Add(1)
			return nil
		})
		completed := subscribeAudits(t, f.bus, "tenant-flag", domain.TopicAuditCompleted)

		ctx := context.Background()
		f.bus.Publish(ctx, "tenant-flag", domain.TopicDocumentExtracted, extracted(t, "tenant-flag", weekdayLunch, "Meals"))
		f.bus.Publish(ctx, "tenant-flag", domain.TopicDocumentExtracted, extracted(t, "tenant-flag", saturdayHotel, "Travel"))

		waitFor(t, completed)
		waitFor(t, completed)
		time.Sleep(50 * time.Millisecond)

		if got := flagged.Load(); got != 1 {
			t.Errorf("expected only the violating document to be flagged, got %d", got)
		}
	})

	t.Run("RequestReply", func(t *testing.T) {
		f := newFixture(t)
		w := f.worker()
		w.Start(Config{TenantIDs: []string{"tenant-rr"}})
		defer w.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		reply, err := f.bus.Request(ctx, "tenant-rr", domain.TopicDocumentExtracted, extracted(t, "tenant-rr", weekdayLunch, "Meals"))
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}

		var audit domain.Audit
		if err := json.Unmarshal(reply, &audit); err != nil {
			t.Fatalf("failed to parse reply: %v", err)
		}
		if !audit.Result.Passed || audit.Decision != domain.DecisionPass {
			t.Errorf("expected a passing audit, got %+v", audit.Result)
		}
	})

	t.Run("AllTenants", func(t *testing.T) {
		f := newFixture(t)
		w := f.worker()
		w.Start(Config{})
		defer w.Stop()

		completed := subscribeAudits(t, f.bus, "tenant-z", domain.TopicAuditCompleted)
		f.bus.Publish(context.Background(), "tenant-z", domain.TopicDocumentExtracted, extracted(t, "", weekdayLunch, ""))

		audit := waitFor(t, completed)
		if audit.TenantID != "tenant-z" {
			t.Errorf("expected the publishing tenant, got '%s'", audit.TenantID)
		}
		if audit.Metadata.Restricted {
			t.Error("expected no restriction without a request type")
		}
	})

	t.Run("ForeignPayloadTenantIsDropped", func(t *testing.T) {
		f := newFixture(t)
		w := f.worker()
		w.Start(Config{TenantIDs: []string{"tenant-a"}})
		defer w.Stop()

		completed := subscribeAudits(t, f.bus, "tenant-a", domain.TopicAuditCompleted)
		ctx := context.Background()
		f.bus.Publish(ctx, "tenant-a", domain.TopicDocumentExtracted, extracted(t, "tenant-b", saturdayHotel, "Travel"))
		f.bus.Publish(ctx, "tenant-a", domain.TopicDocumentExtracted, extracted(t, "tenant-a", weekdayLunch, "Meals"))

		audit := waitFor(t, completed)
		if audit.DocumentID != "doc-002" || audit.TenantID != "tenant-a" {
			t.Errorf("expected only tenant-a's document, got %s for %s", audit.DocumentID, audit.TenantID)
		}

		foreign, err := f.repo.ListAuditsByDocument(ctx, "tenant-b", "doc-001")
		if err != nil {
			t.Fatalf("ListAuditsByDocument failed: %v", err)
		}
		if len(foreign) != 0 {
			t.Errorf("expected nothing stored for tenant-b, got %d audits", len(foreign))
		}
	})

	t.Run("WildcardTakesPayloadTenant", func(t *testing.T) {
		f := newFixture(t)
		w := f.worker()
		w.Start(Config{})
		defer w.Stop()

		completed := subscribeAudits(t, f.bus, "tenant-y", domain.TopicAuditCompleted)
		f.bus.Publish(context.Background(), "tenant-x", domain.TopicDocumentExtracted, extracted(t, "tenant-y", weekdayLunch, "Meals"))

		audit := waitFor(t, completed)
		if audit.TenantID != "tenant-y" {
			t.Errorf("expected payload tenant, got '%s'", audit.TenantID)
		}
	})

	t.Run("InvalidPayloadIsSkipped", func(t *testing.T) {
		f := newFixture(t)
		w := f.worker()
		w.Start(Config{TenantIDs: []string{"tenant-bad"}})
		defer w.Stop()

		completed := subscribeAudits(t, f.bus, "tenant-bad", domain.TopicAuditCompleted)
		ctx := context.Background()
		f.bus.Publish(ctx, "tenant-bad", domain.TopicDocumentExtracted, []byte("{not json"))
		f.bus.Publish(ctx, "tenant-bad", domain.TopicDocumentExtracted, extracted(t, "tenant-bad", weekdayLunch, "Meals"))

		audit := waitFor(t, completed)
		if audit.DocumentID != "doc-002" {
			t.Errorf("expected the valid document to be processed, got '%s'", audit.DocumentID)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		f := newFixture(t)
		w := f.worker()
		w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}, WatchCatalog: true})
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 4 {
			t.Errorf("expected 4 subscriptions for 2 watched tenants, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("CatalogChangeInvalidates", func(t *testing.T) {
		f := newFixture(t)
		w := f.worker()
		w.Start(Config{TenantIDs: []string{"tenant-c"}, WatchCatalog: true})
		defer w.Stop()

		ctx := context.Background()
		if _, err := f.catalog.Snapshot(ctx, "tenant-c"); err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}

		f.bus.Publish(ctx, "tenant-c", domain.TopicCatalogChanged, []byte(`{}`))

		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if val, _ := f.cache.Get(ctx, "tenant-c", "catalog:snapshot"); val == nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Error("expected cached snapshot to be dropped")
	})
}
