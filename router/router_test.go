package router_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrd/dataplane/model"
	"github.com/orchestrd/dataplane/registry"
	"github.com/orchestrd/dataplane/router"
)

func healthyFor(ids ...model.WorkerIdentity) map[model.WorkerIdentity]registry.HealthSnapshot {
	h := make(map[model.WorkerIdentity]registry.HealthSnapshot, len(ids))
	for _, id := range ids {
		h[id] = registry.HealthSnapshot{Status: model.StatusIdle, QueueDepth: 0}
	}
	return h
}

func TestSmallChangeRoutesQualityAndSynthesizerSequential(t *testing.T) {
	ev := model.ChangeEvent{
		Branch: "feature/x",
		Files: []model.FileChange{
			{Path: "a.go", LinesAdded: 20}, {Path: "b.go", LinesAdded: 10}, {Path: "c.go", LinesAdded: 10},
		},
	}
	health := healthyFor(model.IdentityQuality, model.IdentitySynthesizer, model.IdentitySecurity, model.IdentityArchitecture)
	plan := router.Route(ev, health, router.DefaultRules())

	require.ElementsMatch(t, []model.WorkerIdentity{model.IdentityQuality, model.IdentitySynthesizer}, plan.Workers)
	require.Equal(t, router.StrategySequential, plan.Strategy)
	require.False(t, plan.Fallback)
}

func TestManifestChangeAddsSecurity(t *testing.T) {
	ev := model.ChangeEvent{
		Branch: "main",
		Files: []model.FileChange{
			{Path: "package-lock.json", LinesAdded: 100}, {Path: "a.go", LinesAdded: 20},
		},
	}
	health := healthyFor(model.IdentitySecurity, model.IdentityQuality, model.IdentitySynthesizer)
	plan := router.Route(ev, health, router.DefaultRules())

	require.Contains(t, plan.Workers, model.IdentitySecurity)
	require.Equal(t, router.StrategySequential, plan.Strategy)
}

func TestLargeRefactorUsesParallelStrategy(t *testing.T) {
	files := make([]model.FileChange, 25)
	for i := range files {
		files[i] = model.FileChange{Path: "f.go", LinesAdded: 32}
	}
	ev := model.ChangeEvent{Branch: "feature/refactor", Files: files}
	health := healthyFor(model.IdentitySecurity, model.IdentityQuality, model.IdentityArchitecture, model.IdentitySynthesizer)
	plan := router.Route(ev, health, router.DefaultRules())

	require.Contains(t, plan.Workers, model.IdentityArchitecture)
	require.Equal(t, router.StrategyParallel, plan.Strategy)
}

func TestEmptyHealthyFiltersUseEmergencyFallback(t *testing.T) {
	ev := model.ChangeEvent{Files: []model.FileChange{{Path: "a.go", LinesAdded: 1}}}
	health := map[model.WorkerIdentity]registry.HealthSnapshot{
		model.IdentityQuality: {Status: model.StatusError, QueueDepth: 0},
		model.IdentitySecurity: {Status: model.StatusIdle, QueueDepth: 2},
	}
	plan := router.Route(ev, health, router.DefaultRules())

	require.True(t, plan.Fallback)
	require.Equal(t, []model.WorkerIdentity{model.IdentitySecurity}, plan.Workers)
}

func TestCacheReturnsMemoizedPlanUntilExpiry(t *testing.T) {
	c := router.NewCache(20*time.Millisecond, router.DefaultRules())
	ev := model.ChangeEvent{Branch: "main", Files: []model.FileChange{{Path: "a.go", LinesAdded: 1}}}
	health := healthyFor(model.IdentityQuality, model.IdentitySynthesizer)

	first := c.Route(ev, health)
	second := c.Route(ev, health)
	require.Equal(t, first, second)

	time.Sleep(30 * time.Millisecond)
	c.Purge()
	third := c.Route(ev, health)
	require.Equal(t, first.Workers, third.Workers)
}
