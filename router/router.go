// Package router implements the Router: a pure function from
// a ChangeEvent and a registry health snapshot to a routing plan. Rule
// evaluation and the decision cache use a TTL/purge idiom, adapted from a
// value cache keyed by
// a single string to one keyed by a composite routing fingerprint.
package router

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orchestrd/dataplane/model"
	"github.com/orchestrd/dataplane/registry"
)

// Strategy is how a routing plan's workers should be dispatched.
type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	StrategyHybrid     Strategy = "hybrid"
)

// Plan is the Router's output.
type Plan struct {
	Workers    []model.WorkerIdentity
	Strategy   Strategy
	Reasoning  []string
	Confidence float64
	Fallback   bool
}

// Rule is one selection rule: Match inspects the event and, if it fires,
// Contributes names the worker identities it adds to the plan.
type Rule struct {
	Name         string
	Match        func(model.ChangeEvent) bool
	Contributes  []model.WorkerIdentity
}

// QueueDepthCap is the maximum in-flight queue depth for a worker to still
// be considered healthy enough to receive new work.
const QueueDepthCap = 8

// DefaultRules is the default rule table used to select contributing workers.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "dependency-manifest",
			Match:       hasManifestChange,
			Contributes: []model.WorkerIdentity{model.IdentitySecurity},
		},
		{
			Name: "large-change",
			Match: func(ev model.ChangeEvent) bool {
				return ev.TotalLinesChanged() > 500 || len(ev.Files) >= 10
			},
			Contributes: []model.WorkerIdentity{model.IdentityArchitecture},
		},
		{
			Name:        "schema-or-api",
			Match:       hasSchemaChange,
			Contributes: []model.WorkerIdentity{model.IdentityDocumentation},
		},
		{
			Name:        "unconditional",
			Match:       func(model.ChangeEvent) bool { return true },
			Contributes: []model.WorkerIdentity{model.IdentityQuality, model.IdentitySynthesizer},
		},
	}
}

var manifestBasenames = map[string]bool{
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":     true,
	"go.sum":            true,
	"Gemfile.lock":      true,
	"Cargo.lock":        true,
	"Dockerfile":        true,
	"docker-compose.yml": true,
}

func hasManifestChange(ev model.ChangeEvent) bool {
	for _, f := range ev.FilePaths() {
		if manifestBasenames[path.Base(f)] {
			return true
		}
	}
	return false
}

var schemaSuffixes = []string{".proto", ".graphql", ".openapi.yaml", ".openapi.json", "swagger.json", "swagger.yaml"}

func hasSchemaChange(ev model.ChangeEvent) bool {
	for _, f := range ev.FilePaths() {
		lower := strings.ToLower(f)
		for _, suf := range schemaSuffixes {
			if strings.HasSuffix(lower, suf) {
				return true
			}
		}
	}
	return false
}

// Route evaluates rules against ev and health, producing a Plan. health is
// typically registry.Registry.SnapshotHealth's result.
func Route(ev model.ChangeEvent, health map[model.WorkerIdentity]registry.HealthSnapshot, rules []Rule) Plan {
	seen := make(map[model.WorkerIdentity]bool)
	var ordered []model.WorkerIdentity
	var reasoning []string
	fired := 0

	for _, r := range rules {
		if !r.Match(ev) {
			continue
		}
		fired++
		reasoning = append(reasoning, r.Name)
		for _, id := range r.Contributes {
			if !seen[id] {
				seen[id] = true
				ordered = append(ordered, id)
			}
		}
	}

	filtered := filterHealthy(ordered, health)
	fallback := false
	if len(filtered) == 0 {
		if id, ok := healthiestAny(health); ok {
			filtered = []model.WorkerIdentity{id}
			fallback = true
			reasoning = append(reasoning, "EmergencyFallback")
		}
	}

	strategy := StrategySequential
	if len(filtered) > 2 {
		strategy = StrategyParallel
	}

	confidence := float64(fired) / float64(len(rules))
	if fallback {
		confidence *= 0.5
	}

	return Plan{
		Workers:    filtered,
		Strategy:   strategy,
		Reasoning:  reasoning,
		Confidence: confidence,
		Fallback:   fallback,
	}
}

func filterHealthy(ids []model.WorkerIdentity, health map[model.WorkerIdentity]registry.HealthSnapshot) []model.WorkerIdentity {
	out := make([]model.WorkerIdentity, 0, len(ids))
	for _, id := range ids {
		snap, ok := health[id]
		if !ok {
			continue
		}
		if snap.Status != model.StatusIdle && snap.Status != model.StatusBusy {
			continue
		}
		if snap.QueueDepth >= QueueDepthCap {
			continue
		}
		out = append(out, id)
	}
	return out
}

func healthiestAny(health map[model.WorkerIdentity]registry.HealthSnapshot) (model.WorkerIdentity, bool) {
	var best model.WorkerIdentity
	bestDepth := -1
	for id, snap := range health {
		if snap.Status != model.StatusIdle && snap.Status != model.StatusBusy {
			continue
		}
		if bestDepth == -1 || snap.QueueDepth < bestDepth {
			best = id
			bestDepth = snap.QueueDepth
		}
	}
	return best, bestDepth != -1
}

// cacheKey is the composite fingerprint decisions are memoized by.
type cacheKey struct {
	eventType      string
	fileCountBucket int
	branch         string
	identitySet    string
	loadBucket     int
}

func fileCountBucket(n int) int {
	switch {
	case n <= 3:
		return 0
	case n <= 10:
		return 1
	case n <= 25:
		return 2
	default:
		return 3
	}
}

func loadBucket(health map[model.WorkerIdentity]registry.HealthSnapshot) int {
	total := 0
	for _, snap := range health {
		total += snap.QueueDepth
	}
	switch {
	case total == 0:
		return 0
	case total <= 5:
		return 1
	case total <= 20:
		return 2
	default:
		return 3
	}
}

func identitySetKey(health map[model.WorkerIdentity]registry.HealthSnapshot) string {
	ids := make([]string, 0, len(health))
	for id := range health {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func keyFor(ev model.ChangeEvent, health map[model.WorkerIdentity]registry.HealthSnapshot) cacheKey {
	return cacheKey{
		eventType:       ev.Type,
		fileCountBucket: fileCountBucket(len(ev.Files)),
		branch:          ev.Branch,
		identitySet:     identitySetKey(health),
		loadBucket:      loadBucket(health),
	}
}

type cacheEntry struct {
	plan      Plan
	expiresAt time.Time
}

// Cache memoizes routing decisions for CacheMaxAge, purging stale entries
// lazily on read, without a background refresh goroutine since routing
// decisions are cheap to recompute and need no proactive warm.
type Cache struct {
	mu          sync.Mutex
	entries     map[cacheKey]cacheEntry
	cacheMaxAge time.Duration
	rules       []Rule
}

// NewCache constructs a Cache with the given TTL and rule set.
func NewCache(cacheMaxAge time.Duration, rules []Rule) *Cache {
	return &Cache{
		entries:     make(map[cacheKey]cacheEntry),
		cacheMaxAge: cacheMaxAge,
		rules:       rules,
	}
}

// Route returns a memoized Plan if present and unexpired, else computes,
// stores, and returns a fresh one.
func (c *Cache) Route(ev model.ChangeEvent, health map[model.WorkerIdentity]registry.HealthSnapshot) Plan {
	key := keyFor(ev, health)
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if now.Before(e.expiresAt) {
			c.mu.Unlock()
			return e.plan
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	plan := Route(ev, health, c.rules)

	c.mu.Lock()
	c.entries[key] = cacheEntry{plan: plan, expiresAt: now.Add(c.cacheMaxAge)}
	c.mu.Unlock()
	return plan
}

// Purge drops every expired entry; intended to run on a periodic tick
// alongside the broker's heartbeat sweep.
func (c *Cache) Purge() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !now.After(e.expiresAt) {
			continue
		}
		delete(c.entries, k)
	}
}
