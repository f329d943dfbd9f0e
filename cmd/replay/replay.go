package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/review"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Receipt is one labelled row of the replay CSV.
type Receipt struct {
	Document    domain.Document
	RequestType string

	// Compliant is the expected verdict: true when no rule should trigger.
	Compliant bool
}

// AuditRequest is the Kestrel API request format.
type AuditRequest struct {
	Document domain.Document `json:"document"`
	Category string          `json:"category,omitempty"`
}

// Auditor audits one receipt.
type Auditor interface {
	Audit(ctx context.Context, tenantID string, r Receipt) (*domain.Audit, error)
}

// Required CSV columns. Column names are case-insensitive.
var requiredColumns = []string{"merchant", "date", "amount", "compliant"}

// readReceipts parses a labelled receipt CSV. Rows that fail to parse are
// skipped.
func readReceipts(r io.Reader, limit int) ([]Receipt, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	field := func(record []string, col string) string {
		i, ok := colIndex[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var receipts []Receipt
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, err := strconv.ParseFloat(field(record, "amount"), 64)
		if err != nil {
			continue
		}
		compliant, err := parseLabel(field(record, "compliant"))
		if err != nil {
			continue
		}

		id := field(record, "id")
		if id == "" {
			id = fmt.Sprintf("row-%d", line)
		}

		receipts = append(receipts, Receipt{
			Document: domain.Document{
				ID:           id,
				MerchantName: field(record, "merchant"),
				Date:         field(record, "date"),
				TotalAmount:  amount,
				Currency:     field(record, "currency"),
				Category:     field(record, "category"),
				DocumentType: field(record, "document_type"),
			},
			RequestType: field(record, "request_type"),
			Compliant:   compliant,
		})

		if limit > 0 && len(receipts) >= limit {
			break
		}
	}

	return receipts, nil
}

func parseLabel(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "pass":
		return true, nil
	case "0", "false", "no", "fail":
		return false, nil
	}
	return false, fmt.Errorf("unknown label %q", s)
}

// Results tracks replay outcomes. A violation is the positive class.
type Results struct {
	mu sync.Mutex

	TruePositives  int // Non-compliant receipt flagged
	FalsePositives int // Compliant receipt flagged
	TrueNegatives  int // Compliant receipt passed
	FalseNegatives int // Non-compliant receipt passed (missed!)

	Errors    int
	Decisions map[domain.Decision]int
	Latencies []time.Duration
}

func newResults() *Results {
	return &Results{Decisions: make(map[domain.Decision]int)}
}

func (m *Results) record(r Receipt, audit *domain.Audit, err error, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Latencies = append(m.Latencies, elapsed)
	if err != nil {
		m.Errors++
		return
	}

	m.Decisions[audit.Decision]++
	predicted := !audit.Result.Passed
	actual := !r.Compliant

	switch {
	case predicted && actual:
		m.TruePositives++
	case predicted && !actual:
		m.FalsePositives++
	case !predicted && !actual:
		m.TrueNegatives++
	default:
		m.FalseNegatives++
	}
}

// Processed returns how many receipts were replayed, errors included.
func (m *Results) Processed() int {
	return len(m.Latencies)
}

// Precision is the share of flagged receipts that were non-compliant.
func (m *Results) Precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

// Recall is the share of non-compliant receipts that were flagged.
func (m *Results) Recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (m *Results) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Accuracy is the share of correct verdicts.
func (m *Results) Accuracy() float64 {
	return ratio(m.TruePositives+m.TrueNegatives, m.TruePositives+m.TrueNegatives+m.FalsePositives+m.FalseNegatives)
}

// Percentile returns the p-th latency percentile (nearest rank).
func (m *Results) Percentile(p float64) time.Duration {
	if len(m.Latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(m.Latencies))
	copy(sorted, m.Latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(p/100*float64(len(sorted)) + 0.5)
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// replay audits receipts with numWorkers concurrent workers.
func replay(ctx context.Context, auditor Auditor, receipts []Receipt, tenantID string, numWorkers int, out io.Writer, verbose bool) *Results {
	if numWorkers < 1 {
		numWorkers = 1
	}
	results := newResults()

	work := make(chan Receipt, 100)
	var wg sync.WaitGroup
	var printMu sync.Mutex

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range work {
				start := time.Now()
				audit, err := auditor.Audit(ctx, tenantID, r)
				results.record(r, audit, err, time.Since(start))

				if !verbose {
					continue
				}
				printMu.Lock()
				if err != nil {
					fmt.Fprintf(out, "ERROR: %s -> %v\n", r.Document.ID, err)
				} else {
					status := "✓"
					if audit.Result.Passed != r.Compliant {
						status = "✗"
					}
					fmt.Fprintf(out, "%s %-12s | %-20s | %10.2f | %-16s | Compliant: %-5v | Kestrel: %-12s (%d)\n",
						status,
						truncate(r.Document.ID, 12),
						truncate(r.Document.MerchantName, 20),
						r.Document.TotalAmount,
						truncate(r.RequestType, 16),
						r.Compliant,
						audit.Decision,
						audit.Result.Score,
					)
				}
				printMu.Unlock()
			}
		}()
	}

	for _, r := range receipts {
		work <- r
	}
	close(work)
	wg.Wait()

	return results
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// httpAuditor posts receipts to a running Kestrel server.
type httpAuditor struct {
	baseURL string
	client  *http.Client
}

func newHTTPAuditor(baseURL string, client *http.Client) *httpAuditor {
	return &httpAuditor{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (a *httpAuditor) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (a *httpAuditor) Audit(ctx context.Context, tenantID string, r Receipt) (*domain.Audit, error) {
	body, err := json.Marshal(AuditRequest{Document: r.Document, Category: r.RequestType})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/audit", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var audit domain.Audit
	if err := json.NewDecoder(resp.Body).Decode(&audit); err != nil {
		return nil, err
	}
	return &audit, nil
}

// localAuditor runs the full async path in process: receipts are sent as
// extracted-document requests on a channel bus and audited by a worker.
type localAuditor struct {
	bus     *bus.ChannelBus
	repo    *repository.SQLRepository
	worker  *worker.Worker
	timeout time.Duration
}

func newLocalAuditor(timeout time.Duration) (*localAuditor, error) {
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: repository.MemoryPath})
	if err != nil {
		return nil, err
	}

	eventBus := bus.NewChannelBus(1000)
	evaluator := rules.NewEvaluator()
	cat := catalog.NewService(repo,
		catalog.WithPresets(true),
		catalog.WithEvaluator(evaluator),
		catalog.WithEventBus(eventBus),
	)
	p := pipeline.New(cat, evaluator, review.NewProcessor(0, "kestrel-replay"), pipeline.WithRepository(repo))

	w := worker.NewWorker(eventBus, p, cat, nil)
	if err := w.Start(worker.Config{}); err != nil {
		eventBus.Close()
		repo.Close()
		return nil, err
	}

	return &localAuditor{bus: eventBus, repo: repo, worker: w, timeout: timeout}, nil
}

func (a *localAuditor) Audit(ctx context.Context, tenantID string, r Receipt) (*domain.Audit, error) {
	payload, err := json.Marshal(domain.ExtractedDocument{
		TenantID:    tenantID,
		Document:    r.Document,
		RequestType: r.RequestType,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	reply, err := a.bus.Request(ctx, tenantID, domain.TopicDocumentExtracted, payload)
	if err != nil {
		return nil, err
	}

	var audit domain.Audit
	if err := json.Unmarshal(reply, &audit); err != nil {
		return nil, fmt.Errorf("failed to decode audit: %w", err)
	}
	return &audit, nil
}

// Close stops the worker and releases the bus and database.
func (a *localAuditor) Close() error {
	_ = a.worker.Stop()
	_ = a.bus.Close()
	return a.repo.Close()
}
