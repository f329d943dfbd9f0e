package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/linkage"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	catalog  *catalog.Service
	pipeline *pipeline.Pipeline
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, cat *catalog.Service, p *pipeline.Pipeline, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		catalog:  cat,
		pipeline: p,
		version:  version,
	}
}

// AuditRequest is the request body for POST /audit and POST /audit/preview.
type AuditRequest struct {
	Document domain.Document `json:"document"`

	// Category is the request type the receipt is filed under. Unknown or
	// empty categories evaluate every enabled rule.
	Category string `json:"category,omitempty"`
}

// Audit handles POST /audit requests.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	h.runAudit(w, r, false)
}

// Preview handles POST /audit/preview. The document is evaluated but no
// audit is stored, so clients can re-check while a user edits fields.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	h.runAudit(w, r, true)
}

func (h *Handler) runAudit(w http.ResponseWriter, r *http.Request, preview bool) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req AuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	audit, err := h.pipeline.Run(ctx, &pipeline.Request{
		TenantID:  tenantID,
		TraceID:   traceID,
		Document:  req.Document,
		Category:  req.Category,
		Preview:   preview,
		StartTime: start,
	})
	if err != nil {
		slog.Error("document audit failed",
			"tenant_id", tenantID,
			"trace_id", traceID,
			"error", err,
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, audit)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check event bus health
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetAudit retrieves an audit by ID.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	auditID := chi.URLParam(r, "id")

	audit, err := h.repo.GetAudit(ctx, tenantID, auditID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, audit)
}

// ListDocumentAudits returns every audit of a document, newest first.
func (h *Handler) ListDocumentAudits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	documentID := chi.URLParam(r, "id")

	audits, err := h.repo.ListAuditsByDocument(ctx, tenantID, documentID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"audits": audits,
		"count":  len(audits),
	})
}

// ListRules returns the tenant's rule catalog in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	snap, err := h.catalog.Snapshot(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": snap.Rules,
		"count": len(snap.Rules),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rule, err := h.catalog.GetRule(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// RuleRequest is the request body for creating or updating a rule.
type RuleRequest struct {
	domain.Rule

	// LinkTo adds the rule to these category ids.
	LinkTo []string `json:"linkTo,omitempty"`
}

// CreateRule adds a rule to the tenant's catalog. New rules are appended to
// catalog order and are only linked to the categories named in linkTo.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if _, err := h.catalog.GetRule(ctx, tenantID, req.ID); err == nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "rule already exists",
		})
		return
	}

	rule := req.Rule
	if err := h.catalog.SaveRule(ctx, tenantID, &rule, req.LinkTo...); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule created", "tenant_id", tenantID, "rule_id", rule.ID, "kind", rule.Kind)
	writeJSON(w, http.StatusCreated, rule)
}

// UpdateRule replaces an existing rule. Its catalog position is kept.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if _, err := h.catalog.GetRule(ctx, tenantID, ruleID); err != nil {
		writeError(w, err)
		return
	}

	rule := req.Rule
	rule.ID = ruleID
	if err := h.catalog.SaveRule(ctx, tenantID, &rule, req.LinkTo...); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule updated", "tenant_id", tenantID, "rule_id", ruleID)
	writeJSON(w, http.StatusOK, rule)
}

// DeleteRule removes a rule and prunes it from every category's linkage.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if err := h.catalog.DeleteRule(ctx, tenantID, ruleID); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule deleted", "tenant_id", tenantID, "rule_id", ruleID)
	w.WriteHeader(http.StatusNoContent)
}

// CategoryResponse is a category with its dangling linked ids, if any.
type CategoryResponse struct {
	domain.Category

	// Dangling lists linked ids that no longer name a rule.
	Dangling []string `json:"dangling,omitempty"`
}

// ListCategories returns the tenant's categories.
func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	snap, err := h.catalog.Snapshot(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]CategoryResponse, len(snap.Categories))
	for i, c := range snap.Categories {
		out[i] = CategoryResponse{Category: c, Dangling: linkage.Dangling(c, snap.Rules)}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"categories": out,
		"count":      len(out),
	})
}

// GetCategory retrieves a category by ID.
func (h *Handler) GetCategory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, err := h.catalog.GetCategory(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// CreateCategory adds a category. Without linkedRuleIds it is linked to
// every rule currently in the catalog.
func (h *Handler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var c domain.Category
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if c.ID == "" || c.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id and name are required",
		})
		return
	}

	if _, err := h.catalog.GetCategory(ctx, tenantID, c.ID); err == nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "category already exists",
		})
		return
	}

	if err := h.catalog.SaveCategory(ctx, tenantID, &c); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("category created", "tenant_id", tenantID, "category_id", c.ID)
	writeJSON(w, http.StatusCreated, c)
}

// UpdateCategory renames a category and, when linkedRuleIds is present,
// replaces its linkage.
func (h *Handler) UpdateCategory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	categoryID := chi.URLParam(r, "id")

	var c domain.Category
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if c.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name is required",
		})
		return
	}

	if _, err := h.catalog.GetCategory(ctx, tenantID, categoryID); err != nil {
		writeError(w, err)
		return
	}

	c.ID = categoryID
	if err := h.catalog.SaveCategory(ctx, tenantID, &c); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("category updated", "tenant_id", tenantID, "category_id", categoryID)
	writeJSON(w, http.StatusOK, c)
}

// DeleteCategory removes a category.
func (h *Handler) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	categoryID := chi.URLParam(r, "id")

	if err := h.catalog.DeleteCategory(ctx, tenantID, categoryID); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("category deleted", "tenant_id", tenantID, "category_id", categoryID)
	w.WriteHeader(http.StatusNoContent)
}

// LinkRulesRequest is the request body for PUT /categories/{id}/rules.
type LinkRulesRequest struct {
	RuleIDs []string `json:"ruleIds"`
}

// LinkRules replaces the set of rules linked to a category. An empty list
// is an explicit "no rules apply".
func (h *Handler) LinkRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	categoryID := chi.URLParam(r, "id")

	var req LinkRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	c, err := h.catalog.LinkRules(ctx, tenantID, categoryID, req.RuleIDs)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("category relinked",
		"tenant_id", tenantID,
		"category_id", categoryID,
		"rule_count", len(req.RuleIDs),
	)
	writeJSON(w, http.StatusOK, c)
}

// ActiveRulesResponse is the response for GET /categories/{name}/active-rules.
type ActiveRulesResponse struct {
	Category string `json:"category"`

	// Restricted is false when the category is unknown; every enabled rule
	// is then a candidate and RuleIDs is null.
	Restricted bool     `json:"restricted"`
	RuleIDs    []string `json:"ruleIds"`
}

// ActiveRules resolves the rule restriction for a category name. The path
// segment is the category name, not its id.
func (h *Handler) ActiveRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	name := chi.URLParam(r, "id")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}

	snap, err := h.catalog.Snapshot(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}

	active := snap.ActiveRuleIDsFor(name)
	resp := ActiveRulesResponse{Category: name, Restricted: active != nil}
	if active != nil {
		resp.RuleIDs = active.IDs()
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	switch {
	case errors.Is(err, repository.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, rules.ErrInvalidRule),
		errors.Is(err, catalog.ErrUnknownRule),
		errors.Is(err, repository.ErrInvalidInput):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, catalog.ErrDuplicateCategory):
		status, msg = http.StatusConflict, err.Error()
	default:
		slog.Error("request failed", "error", err)
	}

	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
