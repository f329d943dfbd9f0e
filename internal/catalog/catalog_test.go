package catalog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

const tenant = "tenant-001"

func newRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: repository.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

type countingObserver struct {
	mu         sync.Mutex
	migrations int
	categories int
}

func (o *countingObserver) LinkageMigrated(tenantID string, categories int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.migrations++
	o.categories += categories
}

func tag(s string) *string { return &s }

func TestSnapshotMigratesLegacyCatalogOnce(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	require.NoError(t, repo.SaveRule(ctx, tenant, &domain.Rule{ID: "r1", Name: "r1", Kind: domain.KindMaxAmount, Threshold: domain.NumberThreshold(100), Enabled: true}))
	require.NoError(t, repo.SaveRule(ctx, tenant, &domain.Rule{ID: "r2", Name: "r2", Kind: domain.KindWeekendBan, Enabled: true, LegacyCategory: tag("c2")}))
	require.NoError(t, repo.SaveCategories(ctx, tenant, []domain.Category{
		{ID: "c1", Name: "Meals"},
		{ID: "c2", Name: "Travel"},
	}))

	obs := &countingObserver{}
	svc := NewService(repo, WithObserver(obs))

	snap, err := svc.Snapshot(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, snap.Categories, 2)

	meals := snap.ActiveRuleIDsFor("Meals")
	require.NotNil(t, meals)
	assert.Equal(t, []string{"r1"}, meals.IDs())
	assert.Equal(t, []string{"r1", "r2"}, snap.ActiveRuleIDsFor("Travel").IDs())
	assert.Nil(t, snap.ActiveRuleIDsFor("Unknown"))

	stored, err := repo.GetCategory(ctx, tenant, "c1")
	require.NoError(t, err)
	assert.True(t, stored.LinkedRuleIDs.IsLinked(), "migration must be written back")

	_, err = svc.Snapshot(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, obs.migrations, "migration must run once per stored catalog")
	assert.Equal(t, 2, obs.categories)
}

func TestSnapshotSeedsPresets(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newRepo(t), WithPresets(true))

	snap, err := svc.Snapshot(ctx, tenant)
	require.NoError(t, err)

	presets, err := Presets()
	require.NoError(t, err)
	require.Len(t, snap.Rules, len(presets.Rules))
	for i, r := range snap.Rules {
		assert.Equal(t, presets.Rules[i].ID, r.ID, "preset order must be kept")
	}

	assert.Equal(t,
		[]string{"preset-max-amount", "preset-merchant-required", "preset-weekend"},
		snap.ActiveRuleIDsFor("Travel").IDs(),
	)
	assert.True(t, snap.ActiveRuleIDsFor("Meals").Has("preset-no-entertainment"))
	assert.False(t, snap.ActiveRuleIDsFor("Office Supplies").Has("preset-no-entertainment"))
}

func TestSnapshotWithoutPresetsStaysEmpty(t *testing.T) {
	svc := NewService(newRepo(t))

	snap, err := svc.Snapshot(context.Background(), tenant)
	require.NoError(t, err)
	assert.Empty(t, snap.Rules)
	assert.Empty(t, snap.Categories)
}

func TestSnapshotCache(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	c := cache.NewLRUCache(10, time.Minute)
	svc := NewService(repo, WithCache(c, time.Minute), WithPresets(true))

	first, err := svc.Snapshot(ctx, tenant)
	require.NoError(t, err)

	// A write that bypasses the service is not visible until invalidation.
	require.NoError(t, repo.DeleteRule(ctx, tenant, "preset-weekend"))

	cached, err := svc.Snapshot(ctx, tenant)
	require.NoError(t, err)
	assert.Len(t, cached.Rules, len(first.Rules))
	assert.NotNil(t, cached.ActiveRuleIDsFor("Travel"), "cached linkage must survive JSON")

	svc.Invalidate(ctx, tenant)
	fresh, err := svc.Snapshot(ctx, tenant)
	require.NoError(t, err)
	assert.Len(t, fresh.Rules, len(first.Rules)-1)
}

// gatedRepo holds ListCategories until release is closed, once.
type gatedRepo struct {
	domain.Repository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedRepo(repo domain.Repository) *gatedRepo {
	return &gatedRepo{Repository: repo, entered: make(chan struct{}), release: make(chan struct{})}
}

func (r *gatedRepo) ListCategories(ctx context.Context, tenantID string) ([]domain.Category, error) {
	gated := false
	r.once.Do(func() { gated = true })
	if gated {
		close(r.entered)
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Repository.ListCategories(ctx, tenantID)
}

func TestSnapshotDiscardsLoadRacingAWrite(t *testing.T) {
	ctx := context.Background()
	base := newRepo(t)
	require.NoError(t, base.SaveRule(ctx, tenant, &domain.Rule{ID: "r1", Name: "r1", Kind: domain.KindMaxAmount, Threshold: domain.NumberThreshold(100), Enabled: true}))
	require.NoError(t, base.SaveCategories(ctx, tenant, []domain.Category{{ID: "c1", Name: "Meals", LinkedRuleIDs: domain.Linked("r1")}}))

	repo := newGatedRepo(base)
	svc := NewService(repo, WithCache(cache.NewLRUCache(10, time.Minute), time.Minute))

	done := make(chan error, 1)
	go func() {
		_, err := svc.Snapshot(ctx, tenant)
		done <- err
	}()
	<-repo.entered

	// Disable r1 while the load above has already read the rules.
	require.NoError(t, svc.SaveRule(ctx, tenant, &domain.Rule{ID: "r1", Name: "r1", Kind: domain.KindMaxAmount, Threshold: domain.NumberThreshold(100), Enabled: false}))

	close(repo.release)
	require.NoError(t, <-done)

	snap, err := svc.Snapshot(ctx, tenant)
	require.NoError(t, err)
	r1, ok := snap.Rule("r1")
	require.True(t, ok)
	assert.False(t, r1.Enabled, "a load that raced a write must not be cached")

	result := rules.Evaluate(domain.Document{MerchantName: "Cafe", TotalAmount: 500}, snap.Rules, snap.ActiveRuleIDsFor("Meals"))
	assert.True(t, result.Passed)
}

func TestSnapshotSurvivesCancelledLeader(t *testing.T) {
	base := newRepo(t)
	require.NoError(t, base.SaveRule(context.Background(), tenant, &domain.Rule{ID: "r1", Name: "r1", Kind: domain.KindWeekendBan, Enabled: true}))

	repo := newGatedRepo(base)
	svc := NewService(repo)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leader := make(chan error, 1)
	go func() {
		_, err := svc.Snapshot(leaderCtx, tenant)
		leader <- err
	}()
	<-repo.entered

	follower := make(chan error, 1)
	go func() {
		snap, err := svc.Snapshot(context.Background(), tenant)
		if err == nil && len(snap.Rules) != 1 {
			err = assert.AnError
		}
		follower <- err
	}()

	cancel()
	// Give the follower time to join the in-flight load.
	time.Sleep(20 * time.Millisecond)
	close(repo.release)

	assert.NoError(t, <-leader, "the shared load ignores the leader's cancellation")
	assert.NoError(t, <-follower)
}

func TestSaveRule(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newRepo(t), WithPresets(true))
	_, err := svc.Snapshot(ctx, tenant)
	require.NoError(t, err)

	t.Run("RejectsInvalidRule", func(t *testing.T) {
		err := svc.SaveRule(ctx, tenant, &domain.Rule{ID: "bad", Kind: domain.KindMaxAmount, Threshold: domain.TokenThreshold("lots")})
		assert.ErrorIs(t, err, rules.ErrInvalidRule)
	})

	t.Run("NewRuleIsNotLinkedByDefault", func(t *testing.T) {
		rule := &domain.Rule{ID: "r-new", Name: "New", Kind: domain.KindWeekendBan, Enabled: true}
		require.NoError(t, svc.SaveRule(ctx, tenant, rule))

		snap, err := svc.Snapshot(ctx, tenant)
		require.NoError(t, err)
		_, ok := snap.Rule("r-new")
		assert.True(t, ok)
		assert.False(t, snap.ActiveRuleIDsFor("Travel").Has("r-new"))
	})

	t.Run("LinkToCategories", func(t *testing.T) {
		rule := &domain.Rule{ID: "r-linked", Name: "Linked", Kind: domain.KindWeekendBan, Enabled: true}
		require.NoError(t, svc.SaveRule(ctx, tenant, rule, "meals"))

		snap, err := svc.Snapshot(ctx, tenant)
		require.NoError(t, err)
		assert.True(t, snap.ActiveRuleIDsFor("Meals").Has("r-linked"))
		assert.False(t, snap.ActiveRuleIDsFor("Travel").Has("r-linked"))
	})

	t.Run("LinkToUnknownCategory", func(t *testing.T) {
		err := svc.SaveRule(ctx, tenant, &domain.Rule{ID: "r-x", Name: "x", Kind: domain.KindWeekendBan}, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeleteRuleCascades(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	svc := NewService(repo, WithPresets(true))
	_, err := svc.Snapshot(ctx, tenant)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteRule(ctx, tenant, "preset-max-amount"))

	snap, err := svc.Snapshot(ctx, tenant)
	require.NoError(t, err)
	for _, c := range snap.Categories {
		assert.False(t, c.LinkedRuleIDs.Contains("preset-max-amount"), "category %s still links deleted rule", c.Name)
	}

	stored, err := repo.GetCategory(ctx, tenant, "travel")
	require.NoError(t, err)
	assert.False(t, stored.LinkedRuleIDs.Contains("preset-max-amount"))

	assert.ErrorIs(t, svc.DeleteRule(ctx, tenant, "preset-max-amount"), ErrNotFound)
}

func TestSaveCategory(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newRepo(t), WithPresets(true))
	snap, err := svc.Snapshot(ctx, tenant)
	require.NoError(t, err)

	t.Run("NewCategoryLinksAllRules", func(t *testing.T) {
		c := &domain.Category{ID: "training", Name: "Training"}
		require.NoError(t, svc.SaveCategory(ctx, tenant, c))
		assert.Len(t, c.LinkedRuleIDs.IDs(), len(snap.Rules))
	})

	t.Run("RenameKeepsLinkage", func(t *testing.T) {
		before, err := svc.GetCategory(ctx, tenant, "meals")
		require.NoError(t, err)

		c := &domain.Category{ID: "meals", Name: "Meals & Drinks"}
		require.NoError(t, svc.SaveCategory(ctx, tenant, c))
		assert.Equal(t, before.LinkedRuleIDs.IDs(), c.LinkedRuleIDs.IDs())

		fresh, err := svc.Snapshot(ctx, tenant)
		require.NoError(t, err)
		assert.NotNil(t, fresh.ActiveRuleIDsFor("Meals & Drinks"))
		assert.Nil(t, fresh.ActiveRuleIDsFor("Meals"))
	})

	t.Run("DuplicateName", func(t *testing.T) {
		err := svc.SaveCategory(ctx, tenant, &domain.Category{ID: "travel-2", Name: "Travel"})
		assert.ErrorIs(t, err, ErrDuplicateCategory)
	})

	t.Run("ExplicitLinkageMustReferenceKnownRules", func(t *testing.T) {
		err := svc.SaveCategory(ctx, tenant, &domain.Category{ID: "gifts", Name: "Gifts", LinkedRuleIDs: domain.Linked("ghost")})
		assert.ErrorIs(t, err, ErrUnknownRule)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, svc.DeleteCategory(ctx, tenant, "training"))
		_, err := svc.GetCategory(ctx, tenant, "training")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestLinkRules(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newRepo(t), WithPresets(true))
	_, err := svc.Snapshot(ctx, tenant)
	require.NoError(t, err)

	t.Run("EmptySetIsStrict", func(t *testing.T) {
		c, err := svc.LinkRules(ctx, tenant, "office-supplies", nil)
		require.NoError(t, err)
		assert.True(t, c.LinkedRuleIDs.IsLinked())

		snap, err := svc.Snapshot(ctx, tenant)
		require.NoError(t, err)
		active := snap.ActiveRuleIDsFor("Office Supplies")
		require.NotNil(t, active)
		assert.Equal(t, 0, active.Len())
	})

	t.Run("UnknownRule", func(t *testing.T) {
		_, err := svc.LinkRules(ctx, tenant, "travel", []string{"preset-weekend", "ghost"})
		assert.ErrorIs(t, err, ErrUnknownRule)
	})

	t.Run("UnknownCategory", func(t *testing.T) {
		_, err := svc.LinkRules(ctx, tenant, "ghost", []string{"preset-weekend"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestChangesArePublished(t *testing.T) {
	ctx := context.Background()
	b := bus.NewChannelBus(10)
	defer b.Close()

	events := make(chan ChangeEvent, 4)
	_, err := b.Subscribe(ctx, tenant, domain.TopicCatalogChanged, func(ctx context.Context, msg *domain.Message) error {
		var ev ChangeEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		events <- ev
		return nil
	})
	require.NoError(t, err)

	svc := NewService(newRepo(t), WithEventBus(b), WithPresets(true))
	_, err = svc.Snapshot(ctx, tenant)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteRule(ctx, tenant, "preset-weekend"))

	select {
	case ev := <-events:
		assert.Equal(t, "rule", ev.Kind)
		assert.Equal(t, "preset-weekend", ev.ID)
		assert.Equal(t, "deleted", ev.Action)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for catalog change")
	}
}

func TestWatchChangesInvalidates(t *testing.T) {
	ctx := context.Background()
	b := bus.NewChannelBus(10)
	defer b.Close()

	repo := newRepo(t)
	c := cache.NewLRUCache(10, time.Minute)
	svc := NewService(repo, WithCache(c, time.Minute), WithEventBus(b), WithPresets(true))

	_, err := svc.Snapshot(ctx, tenant)
	require.NoError(t, err)

	sub, err := svc.WatchChanges(ctx, tenant)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(ctx, tenant, domain.TopicCatalogChanged, []byte(`{}`)))

	require.Eventually(t, func() bool {
		val, _ := c.Get(ctx, tenant, snapshotKey)
		return val == nil
	}, time.Second, 5*time.Millisecond)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
rules:
  - id: r1
    name: Ceiling
    kind: MaxAmount
    threshold: "150.5"
    enabled: true
categories:
  - id: c1
    name: Travel
    linkedRuleIds: []
  - id: c2
    name: Meals
`), 0o644))

	f, err := LoadFile(yamlPath)
	require.NoError(t, err)
	require.Len(t, f.Rules, 1)
	limit, ok := f.Rules[0].Threshold.Number()
	require.True(t, ok)
	assert.Equal(t, 150.5, limit)
	assert.True(t, f.Categories[0].LinkedRuleIDs.IsLinked(), "[] must decode as explicit empty linkage")
	assert.False(t, f.Categories[1].LinkedRuleIDs.IsLinked(), "missing linkage must decode as legacy")

	jsonPath := filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{
		"rules": [{"id": "r1", "kind": "ForbiddenCategory", "threshold": "bar", "enabled": true}],
		"categories": [{"id": "c1", "name": "Meals", "linkedRuleIds": null}]
	}`), 0o644))

	f, err = LoadFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "bar", f.Rules[0].Threshold.Token())
	assert.False(t, f.Categories[0].LinkedRuleIDs.IsLinked())

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	badPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("rules:\n  - id: r1\n    colour: red\n"), 0o644))
	_, err = LoadFile(badPath)
	assert.Error(t, err, "unknown fields must be rejected")
}

func TestPresetsAreValid(t *testing.T) {
	presets, err := Presets()
	require.NoError(t, err)

	e := rules.NewEvaluator()
	for _, r := range presets.Rules {
		assert.NoError(t, e.Validate(r), "preset %s", r.ID)
	}
	assert.Len(t, presets.Categories, 3)

	// Every call returns an independent copy.
	presets.Rules[0].Name = "changed"
	again, err := Presets()
	require.NoError(t, err)
	assert.NotEqual(t, "changed", again.Rules[0].Name)
}
