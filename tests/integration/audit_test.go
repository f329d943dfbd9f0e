//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel receipt audit engine.
//
// These tests verify the COMPLETE audit pipeline:
//
//	Receipt fields → Category linkage → Rules → Score → Review decision
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. DOCUMENT: Fields the OCR step extracted from a receipt (merchant, date,
// total, category label, document type).
//
// 2. RULE: A compliance check with a kind and a threshold:
//   - MaxAmount: total above the threshold
//   - ForbiddenCategory: category label contains the token
//   - WeekendBan: receipt dated Saturday or Sunday
//   - RequiredField: merchant name missing or a placeholder
//
// 3. CATEGORY: The request type a receipt is filed under. Each category links
// the rules that apply to it. Unknown categories evaluate every rule.
//
// 4. SCORE: Sum of triggered rule weights (100 / 60 / 30 / 20), capped at 100.
//
// 5. DECISION: PASS (nothing triggered), FAIL (score at the reject
// threshold) or NEEDS_REVIEW.
//
// Each test run uses a fresh tenant, so the preset catalog is seeded:
//
// | Rule ID                  | Kind              | Linked categories       |
// |--------------------------|-------------------|-------------------------|
// | preset-max-amount        | MaxAmount 2000    | all                     |
// | preset-no-entertainment  | ForbiddenCategory | Meals                   |
// | preset-weekend           | WeekendBan        | Travel                  |
// | preset-merchant-required | RequiredField     | all                     |
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig(t *testing.T) TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: fmt.Sprintf("it-%d", time.Now().UnixNano()),
	}
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

// Document is the receipt sent to POST /audit
type Document struct {
	ID           string  `json:"id,omitempty"`
	MerchantName string  `json:"merchantName"`
	Date         string  `json:"date"`
	TotalAmount  float64 `json:"totalAmount"`
	Currency     string  `json:"currency,omitempty"`
	Category     string  `json:"category"`
	DocumentType string  `json:"documentType"`
}

type AuditRequest struct {
	Document Document `json:"document"`
	Category string   `json:"category,omitempty"`
}

// Audit is what POST /audit returns
type Audit struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Result     struct {
		Passed           bool     `json:"passed"`
		TriggeredRuleIDs []string `json:"triggeredRuleIds"`
		Score            int      `json:"score"`
	} `json:"result"`
	Decision string   `json:"decision"` // "PASS", "NEEDS_REVIEW" or "FAIL"
	Reasons  []string `json:"reasons"`  // Rule names, for the reviewer
	Metadata struct {
		TraceID        string `json:"traceId"`
		Restricted     bool   `json:"restricted"`
		RulesEvaluated int    `json:"rulesEvaluated"`
	} `json:"metadata"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func call(t *testing.T, config TestConfig, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequest(method, config.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func audit(t *testing.T, config TestConfig, req AuditRequest) Audit {
	t.Helper()

	status, body := call(t, config, http.MethodPost, "/audit", req)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}

	var result Audit
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}
	return result
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ============================================================================
// SCENARIO 1: Clean receipt
// ============================================================================

func TestCleanReceipt_Pass(t *testing.T) {
	/*
	   SCENARIO: A 42.50 stationery receipt on a Wednesday, filed under Office Supplies

	   EXPECTED BEHAVIOR:
	   - preset-max-amount: 42.50 <= 2000 → no violation
	   - preset-merchant-required: merchant readable → no violation
	   - preset-weekend: not linked to Office Supplies

	   FINAL DECISION: PASS, score 0
	*/
	config := getTestConfig(t)

	result := audit(t, config, AuditRequest{
		Document: Document{
			MerchantName: "Paper & Co",
			Date:         "2024-06-12",
			TotalAmount:  42.50,
			Category:     "office",
			DocumentType: "receipt",
		},
		Category: "Office Supplies",
	})

	if !result.Result.Passed {
		t.Errorf("Expected pass, got triggered %v", result.Result.TriggeredRuleIDs)
	}
	if result.Decision != "PASS" {
		t.Errorf("Expected decision PASS, got %s", result.Decision)
	}
	if result.Result.Score != 0 {
		t.Errorf("Expected score 0, got %d", result.Result.Score)
	}
	if !result.Metadata.Restricted {
		t.Error("Expected category linkage to restrict candidates")
	}
}

// ============================================================================
// SCENARIO 2: Weekend hotel over the ceiling
// ============================================================================

func TestWeekendTravel_NeedsReview(t *testing.T) {
	/*
	   SCENARIO: A 2500 hotel invoice dated Saturday 2024-06-15, filed under Travel

	   EXPECTED BEHAVIOR:
	   - preset-max-amount: 2500 > 2000 → +60
	   - preset-weekend: Saturday → +30

	   FINAL DECISION: score 90 is below the reject threshold (100) → NEEDS_REVIEW
	*/
	config := getTestConfig(t)

	result := audit(t, config, AuditRequest{
		Document: Document{
			ID:           "it-hotel",
			MerchantName: "Harbour Hotel",
			Date:         "2024-06-15",
			TotalAmount:  2500,
			Category:     "lodging",
			DocumentType: "invoice",
		},
		Category: "Travel",
	})

	if result.Result.Score != 90 {
		t.Errorf("Expected score 90, got %d", result.Result.Score)
	}
	if result.Decision != "NEEDS_REVIEW" {
		t.Errorf("Expected NEEDS_REVIEW, got %s", result.Decision)
	}
	if len(result.Reasons) != 2 {
		t.Errorf("Expected 2 reasons, got %v", result.Reasons)
	}

	status, _ := call(t, config, http.MethodGet, "/audits/"+result.ID, nil)
	if status != http.StatusOK {
		t.Errorf("Expected stored audit, got status %d", status)
	}
}

// ============================================================================
// SCENARIO 3: Entertainment filed as meals
// ============================================================================

func TestEntertainmentAsMeals_Fail(t *testing.T) {
	/*
	   SCENARIO: A karaoke bar receipt labelled "Entertainment", merchant unreadable,
	   filed under Meals

	   EXPECTED BEHAVIOR:
	   - preset-no-entertainment: label contains "entertainment" → +100
	   - preset-merchant-required: merchant "Unknown" → +20

	   FINAL DECISION: 120 is capped at 100 → FAIL
	*/
	config := getTestConfig(t)

	result := audit(t, config, AuditRequest{
		Document: Document{
			MerchantName: "Unknown",
			Date:         "2024-06-12",
			TotalAmount:  180,
			Category:     "Entertainment",
		},
		Category: "Meals",
	})

	if result.Result.Score != 100 {
		t.Errorf("Expected score capped at 100, got %d", result.Result.Score)
	}
	if result.Decision != "FAIL" {
		t.Errorf("Expected FAIL, got %s", result.Decision)
	}
	if !contains(result.Result.TriggeredRuleIDs, "preset-no-entertainment") {
		t.Errorf("Expected entertainment ban triggered, got %v", result.Result.TriggeredRuleIDs)
	}
}

// ============================================================================
// SCENARIO 4: Unknown category falls back to every rule
// ============================================================================

func TestUnknownCategory_Permissive(t *testing.T) {
	config := getTestConfig(t)

	result := audit(t, config, AuditRequest{
		Document: Document{
			MerchantName: "Harbour Hotel",
			Date:         "2024-06-15",
			TotalAmount:  100,
		},
		Category: "Gardening",
	})

	if result.Metadata.Restricted {
		t.Error("Expected no restriction for an unknown category")
	}
	if !contains(result.Result.TriggeredRuleIDs, "preset-weekend") {
		t.Errorf("Expected weekend ban to apply without linkage, got %v", result.Result.TriggeredRuleIDs)
	}
}

// ============================================================================
// SCENARIO 5: Relinking and rule deletion
// ============================================================================

func TestLinkageLifecycle(t *testing.T) {
	config := getTestConfig(t)

	weekend := AuditRequest{
		Document: Document{MerchantName: "Cafe", Date: "2024-06-16", TotalAmount: 12},
		Category: "Office Supplies",
	}

	if result := audit(t, config, weekend); !result.Result.Passed {
		t.Fatalf("Expected pass before relinking, got %v", result.Result.TriggeredRuleIDs)
	}

	status, body := call(t, config, http.MethodPut, "/categories/office-supplies/rules", map[string]any{
		"ruleIds": []string{"preset-weekend"},
	})
	if status != http.StatusOK {
		t.Fatalf("Relink failed with %d: %s", status, string(body))
	}

	if result := audit(t, config, weekend); result.Result.Score != 30 {
		t.Errorf("Expected weekend ban after relinking, got score %d", result.Result.Score)
	}

	status, _ = call(t, config, http.MethodDelete, "/rules/preset-weekend", nil)
	if status != http.StatusNoContent {
		t.Fatalf("Delete failed with %d", status)
	}

	status, body = call(t, config, http.MethodGet, "/categories/"+url.PathEscape("Office Supplies")+"/active-rules", nil)
	if status != http.StatusOK {
		t.Fatalf("Active rules failed with %d", status)
	}
	var active struct {
		Restricted bool     `json:"restricted"`
		RuleIDs    []string `json:"ruleIds"`
	}
	json.Unmarshal(body, &active)
	if !active.Restricted || len(active.RuleIDs) != 0 {
		t.Errorf("Expected an explicit empty set after delete, got %+v", active)
	}
}

// ============================================================================
// SCENARIO 6: Invalid rule configuration is rejected
// ============================================================================

func TestInvalidRule_Rejected(t *testing.T) {
	config := getTestConfig(t)

	status, _ := call(t, config, http.MethodPost, "/rules", map[string]any{
		"id":        "bad-ceiling",
		"kind":      "MaxAmount",
		"threshold": "a lot",
	})
	if status != http.StatusBadRequest {
		t.Errorf("Expected 400 for a non-numeric ceiling, got %d", status)
	}
}

// ============================================================================
// SCENARIO 7: Throughput smoke test
// ============================================================================

func TestAuditLatency(t *testing.T) {
	config := getTestConfig(t)

	doc := AuditRequest{
		Document: Document{MerchantName: "Cafe", Date: "2024-06-12", TotalAmount: 12},
		Category: "Meals",
	}
	audit(t, config, doc) // seed and warm the catalog cache

	const n = 50
	start := time.Now()
	for i := 0; i < n; i++ {
		audit(t, config, doc)
	}
	avg := time.Since(start) / n

	t.Logf("average audit latency: %v", avg)
	if avg > 100*time.Millisecond {
		t.Errorf("Expected average latency under 100ms, got %v", avg)
	}
}
