// Package catalog manages the per-tenant rule and category catalogs that the
// evaluator is run against. It owns the one-time linkage migration, snapshot
// caching and the cascade of rule deletion into category linkage.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/linkage"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var (
	// ErrUnknownRule is returned when a linkage edit names a rule that is
	// not in the catalog.
	ErrUnknownRule = errors.New("unknown rule")

	// ErrDuplicateCategory is returned when a category name is already taken.
	ErrDuplicateCategory = errors.New("duplicate category name")

	// ErrNotFound is the repository's not-found sentinel, also used for
	// categories missing from a snapshot.
	ErrNotFound = repository.ErrNotFound
)

// snapshotKey is the cache key of a tenant's catalog snapshot.
const snapshotKey = "catalog:snapshot"

// Snapshot is a consistent view of a tenant's catalogs. Every category in a
// snapshot carries explicit linkage.
type Snapshot struct {
	Rules      []domain.Rule     `json:"rules"`
	Categories []domain.Category `json:"categories"`
	LoadedAt   time.Time         `json:"loadedAt"`
}

// Rule returns the rule with the given id.
func (s *Snapshot) Rule(id string) (domain.Rule, bool) {
	for _, r := range s.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return domain.Rule{}, false
}

// ActiveRuleIDsFor resolves the active rule restriction for a category name.
func (s *Snapshot) ActiveRuleIDsFor(category string) *domain.RuleIDSet {
	return linkage.ActiveRuleIDsFor(category, s.Categories)
}

// Observer is notified of catalog events. Metrics implements it.
type Observer interface {
	LinkageMigrated(tenantID string, categories int)
}

// Service loads, caches and edits tenant catalogs.
type Service struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	evaluator *rules.Evaluator
	ttl       time.Duration
	seed      bool
	logger    *slog.Logger
	observer  Observer
	loads     singleflight.Group

	// gens counts invalidations per tenant. A load only caches its snapshot
	// if no invalidation happened since it started reading.
	mu   sync.Mutex
	gens map[string]uint64
}

// Option configures a Service.
type Option func(*Service)

// WithCache caches snapshots in c for ttl.
func WithCache(c domain.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.ttl = ttl
	}
}

// WithEventBus publishes catalog changes on b.
func WithEventBus(b domain.EventBus) Option {
	return func(s *Service) { s.bus = b }
}

// WithEvaluator sets the evaluator used to validate rules.
func WithEvaluator(e *rules.Evaluator) Option {
	return func(s *Service) { s.evaluator = e }
}

// WithPresets seeds the preset catalog into tenants with an empty store.
func WithPresets(enabled bool) Option {
	return func(s *Service) { s.seed = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// NewService creates a catalog service over repo.
func NewService(repo domain.Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		ttl:    cache.DefaultTTL,
		logger: slog.Default(),
		gens:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.evaluator == nil {
		s.evaluator = rules.NewEvaluator()
	}
	return s
}

// Snapshot returns the tenant's catalogs, migrating legacy linkage on first
// load. Concurrent loads for one tenant share a single repository read.
func (s *Service) Snapshot(ctx context.Context, tenantID string) (*Snapshot, error) {
	if s.cache != nil {
		var snap Snapshot
		ok, err := cache.GetJSON(ctx, s.cache, tenantID, snapshotKey, &snap)
		if err != nil {
			s.logger.Warn("catalog cache read failed", "tenant_id", tenantID, "error", err)
		}
		if ok {
			return &snap, nil
		}
	}

	// Callers arriving after an invalidation start a fresh load instead of
	// joining one that may have read the old catalog.
	gen := s.generation(tenantID)
	key := fmt.Sprintf("%s#%d", tenantID, gen)
	v, err, _ := s.loads.Do(key, func() (any, error) {
		return s.load(context.WithoutCancel(ctx), tenantID, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (s *Service) generation(tenantID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[tenantID]
}

func (s *Service) load(ctx context.Context, tenantID string, gen uint64) (*Snapshot, error) {
	ruleCatalog, err := s.repo.ListRules(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	categories, err := s.repo.ListCategories(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}

	if s.seed && len(ruleCatalog) == 0 && len(categories) == 0 {
		ruleCatalog, categories, err = s.seedPresets(ctx, tenantID)
		if err != nil {
			return nil, err
		}
	}

	if linkage.NeedsMigration(categories) {
		migrated := linkage.MigrateLinkage(categories, ruleCatalog)
		changed := linkage.Changed(categories, migrated)
		if err := s.repo.SaveCategories(ctx, tenantID, changed); err != nil {
			return nil, fmt.Errorf("failed to write migrated linkage: %w", err)
		}
		s.logger.Info("category linkage migrated",
			"tenant_id", tenantID,
			"categories", len(changed),
		)
		if s.observer != nil {
			s.observer.LinkageMigrated(tenantID, len(changed))
		}
		categories = migrated
	}

	snap := &Snapshot{
		Rules:      ruleCatalog,
		Categories: categories,
		LoadedAt:   time.Now().UTC(),
	}

	if s.cache != nil {
		s.store(ctx, tenantID, gen, snap)
	}

	return snap, nil
}

func (s *Service) seedPresets(ctx context.Context, tenantID string) ([]domain.Rule, []domain.Category, error) {
	presets, err := Presets()
	if err != nil {
		return nil, nil, err
	}

	for i := range presets.Rules {
		if err := s.repo.SaveRule(ctx, tenantID, &presets.Rules[i]); err != nil {
			return nil, nil, fmt.Errorf("failed to seed rule %s: %w", presets.Rules[i].ID, err)
		}
	}
	if err := s.repo.SaveCategories(ctx, tenantID, presets.Categories); err != nil {
		return nil, nil, fmt.Errorf("failed to seed categories: %w", err)
	}

	s.logger.Info("preset catalog seeded",
		"tenant_id", tenantID,
		"rules", len(presets.Rules),
		"categories", len(presets.Categories),
	)
	return presets.Rules, presets.Categories, nil
}

// store caches snap unless the tenant was invalidated after gen was taken.
// The lock is held across the write so Invalidate cannot slip in between
// the check and the write.
func (s *Service) store(ctx context.Context, tenantID string, gen uint64, snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gens[tenantID] != gen {
		s.logger.Debug("discarding stale catalog snapshot", "tenant_id", tenantID)
		return
	}
	if err := cache.SetJSON(ctx, s.cache, tenantID, snapshotKey, snap, s.ttl); err != nil {
		s.logger.Warn("catalog cache write failed", "tenant_id", tenantID, "error", err)
	}
}

// Invalidate drops the cached snapshot of a tenant.
func (s *Service) Invalidate(ctx context.Context, tenantID string) {
	s.mu.Lock()
	s.gens[tenantID]++
	s.mu.Unlock()

	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, tenantID, snapshotKey); err != nil {
		s.logger.Warn("catalog cache invalidation failed", "tenant_id", tenantID, "error", err)
	}
}

// ChangeEvent is the payload of domain.TopicCatalogChanged.
type ChangeEvent struct {
	TenantID string    `json:"tenantId"`
	Kind     string    `json:"kind"`
	ID       string    `json:"id"`
	Action   string    `json:"action"`
	At       time.Time `json:"at"`
}

func (s *Service) changed(ctx context.Context, tenantID, kind, id, action string) {
	s.Invalidate(ctx, tenantID)

	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(ChangeEvent{
		TenantID: tenantID,
		Kind:     kind,
		ID:       id,
		Action:   action,
		At:       time.Now().UTC(),
	})
	if err := s.bus.Publish(ctx, tenantID, domain.TopicCatalogChanged, payload); err != nil {
		s.logger.Warn("failed to publish catalog change", "tenant_id", tenantID, "error", err)
	}
}

// WatchChanges drops the local snapshot whenever another node edits the
// tenant's catalog.
func (s *Service) WatchChanges(ctx context.Context, tenantID string) (domain.Subscription, error) {
	if s.bus == nil {
		return nil, fmt.Errorf("event bus not configured")
	}
	return s.bus.Subscribe(ctx, tenantID, domain.TopicCatalogChanged, func(ctx context.Context, msg *domain.Message) error {
		s.Invalidate(ctx, msg.TenantID)
		return nil
	})
}

// GetRule returns a rule by id.
func (s *Service) GetRule(ctx context.Context, tenantID, ruleID string) (*domain.Rule, error) {
	return s.repo.GetRule(ctx, tenantID, ruleID)
}

// SaveRule validates and upserts a rule. When linkTo names categories, the
// rule is added to their linkage.
func (s *Service) SaveRule(ctx context.Context, tenantID string, rule *domain.Rule, linkTo ...string) error {
	if err := s.evaluator.Validate(*rule); err != nil {
		return err
	}

	var relinked []domain.Category
	if len(linkTo) > 0 {
		snap, err := s.Snapshot(ctx, tenantID)
		if err != nil {
			return err
		}
		for _, id := range linkTo {
			c, ok := findByID(snap.Categories, id)
			if !ok {
				return fmt.Errorf("category %s: %w", id, ErrNotFound)
			}
			relinked = append(relinked, linkage.Relink(c, append(c.LinkedRuleIDs.IDs(), rule.ID)))
		}
	}

	if err := s.repo.SaveRule(ctx, tenantID, rule); err != nil {
		return err
	}
	if err := s.repo.SaveCategories(ctx, tenantID, relinked); err != nil {
		return err
	}

	s.changed(ctx, tenantID, "rule", rule.ID, "saved")
	return nil
}

// DeleteRule removes a rule and prunes it from every category's linkage.
func (s *Service) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	snap, err := s.Snapshot(ctx, tenantID)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteRule(ctx, tenantID, ruleID); err != nil {
		return err
	}

	pruned := linkage.PruneRule(snap.Categories, ruleID)
	if err := s.repo.SaveCategories(ctx, tenantID, linkage.Changed(snap.Categories, pruned)); err != nil {
		return fmt.Errorf("failed to prune rule %s from categories: %w", ruleID, err)
	}

	s.changed(ctx, tenantID, "rule", ruleID, "deleted")
	return nil
}

// GetCategory returns a category by id with linkage resolved.
func (s *Service) GetCategory(ctx context.Context, tenantID, categoryID string) (*domain.Category, error) {
	snap, err := s.Snapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c, ok := findByID(snap.Categories, categoryID)
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// SaveCategory creates or renames a category. A new category without
// explicit linkage is linked to every known rule; an existing category
// without explicit linkage keeps its current set.
func (s *Service) SaveCategory(ctx context.Context, tenantID string, category *domain.Category) error {
	snap, err := s.Snapshot(ctx, tenantID)
	if err != nil {
		return err
	}

	for _, c := range snap.Categories {
		if c.Name == category.Name && c.ID != category.ID {
			return fmt.Errorf("%w: %q", ErrDuplicateCategory, category.Name)
		}
	}

	next := *category
	if next.LinkedRuleIDs.IsLinked() {
		if err := checkKnown(snap, next.LinkedRuleIDs.IDs()); err != nil {
			return err
		}
	} else if existing, ok := findByID(snap.Categories, next.ID); ok {
		next.LinkedRuleIDs = existing.LinkedRuleIDs
	} else {
		next = linkage.NewCategory(next.ID, next.Name, snap.Rules)
	}

	if err := s.repo.SaveCategory(ctx, tenantID, &next); err != nil {
		return err
	}
	*category = next

	s.changed(ctx, tenantID, "category", next.ID, "saved")
	return nil
}

// LinkRules replaces the linkage of a category. Every id must exist.
func (s *Service) LinkRules(ctx context.Context, tenantID, categoryID string, ruleIDs []string) (*domain.Category, error) {
	snap, err := s.Snapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	c, ok := findByID(snap.Categories, categoryID)
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkKnown(snap, ruleIDs); err != nil {
		return nil, err
	}

	next := linkage.Relink(c, ruleIDs)
	if err := s.repo.SaveCategory(ctx, tenantID, &next); err != nil {
		return nil, err
	}

	s.changed(ctx, tenantID, "category", categoryID, "relinked")
	return &next, nil
}

// DeleteCategory removes a category.
func (s *Service) DeleteCategory(ctx context.Context, tenantID, categoryID string) error {
	if err := s.repo.DeleteCategory(ctx, tenantID, categoryID); err != nil {
		return err
	}
	s.changed(ctx, tenantID, "category", categoryID, "deleted")
	return nil
}

func checkKnown(snap *Snapshot, ids []string) error {
	for _, id := range ids {
		if _, ok := snap.Rule(id); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRule, id)
		}
	}
	return nil
}

func findByID(categories []domain.Category, id string) (domain.Category, bool) {
	for _, c := range categories {
		if c.ID == id {
			return c, true
		}
	}
	return domain.Category{}, false
}
