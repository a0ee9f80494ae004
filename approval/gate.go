// Package approval implements the Approval Gate: two-party
// confirmation for critical operations. Wait blocks a workflow goroutine on
// a per-request single-slot notification (a channel closed once on
// resolution) until an approve/reject decision or expiry resolves the
// request, or the context is cancelled.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrd/dataplane/model"
	"github.com/orchestrd/dataplane/orcherrors"
	"github.com/orchestrd/dataplane/telemetry"
)

// Guard evaluates whether a given payload for an operation kind actually
// requires approval (some invocations of a critical kind may be exempt,
// e.g. a dry-run).
type Guard func(payload map[string]any) bool

// KindConfig is one critical operation kind's approval policy.
type KindConfig struct {
	Guard             Guard
	AllowedRoles      []string
	RequiredApprovers int
	AllowSelfApproval bool
	AutoApprove       func(payload map[string]any) bool
}

// Config is the Gate's full critical-kind policy table plus request TTL.
type Config struct {
	Kinds      map[string]KindConfig
	RequestTTL time.Duration
}

func (c *Config) withDefaults() {
	if c.RequestTTL <= 0 {
		c.RequestTTL = 15 * time.Minute
	}
}

// AuditStore persists a terminal disposition for external review. The
// default NoopAuditStore discards records; MongoStore persists them.
type AuditStore interface {
	Record(ctx context.Context, req *model.ApprovalRequest) error
}

// NoopAuditStore implements AuditStore by discarding everything.
type NoopAuditStore struct{}

// Record implements AuditStore.
func (NoopAuditStore) Record(context.Context, *model.ApprovalRequest) error { return nil }

// Notifier receives the gate's three notification events. The zero value
// (nil fields) is valid; Gate skips a nil hook.
type Notifier struct {
	OnApproved func(*model.ApprovalRequest)
	OnRejected func(*model.ApprovalRequest)
	OnExpired  func(*model.ApprovalRequest)
}

type pendingEntry struct {
	req  *model.ApprovalRequest
	done chan struct{} // closed exactly once, on terminal disposition
}

// Gate is the two-party confirmation authority for critical operations.
type Gate struct {
	cfg      Config
	audit    AuditStore
	notifier Notifier
	logger   telemetry.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// Option configures a Gate at construction.
type Option func(*Gate)

// WithAuditStore replaces the default NoopAuditStore.
func WithAuditStore(s AuditStore) Option { return func(g *Gate) { g.audit = s } }

// WithNotifier attaches event hooks.
func WithNotifier(n Notifier) Option { return func(g *Gate) { g.notifier = n } }

// WithLogger attaches a Logger, replacing the noop default.
func WithLogger(l telemetry.Logger) Option { return func(g *Gate) { g.logger = l } }

// New constructs a Gate.
func New(cfg Config, opts ...Option) *Gate {
	cfg.withDefaults()
	g := &Gate{
		cfg:     cfg,
		audit:   NoopAuditStore{},
		logger:  telemetry.NoopLogger{},
		pending: make(map[string]*pendingEntry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequiresApproval reports whether kind's guard fires for payload. An
// unconfigured kind never requires approval.
func (g *Gate) RequiresApproval(kind string, payload map[string]any) bool {
	kc, ok := g.cfg.Kinds[kind]
	if !ok {
		return false
	}
	if kc.Guard == nil {
		return true
	}
	return kc.Guard(payload)
}

// CreateRequest opens a new ApprovalRequest for kind, or returns an
// "unknown kind" error if kind is not in the critical-kind table.
func (g *Gate) CreateRequest(kind string, payload map[string]any, requester string) (*model.ApprovalRequest, error) {
	kc, ok := g.cfg.Kinds[kind]
	if !ok {
		return nil, fmt.Errorf("approval: unknown kind %q", kind)
	}
	required := kc.RequiredApprovers
	if required <= 0 {
		required = 1
	}
	now := time.Now()
	req := &model.ApprovalRequest{
		ID:                uuid.NewString(),
		Kind:              kind,
		Requester:         requester,
		Payload:           payload,
		CreatedAt:         now,
		ExpiresAt:         now.Add(g.cfg.RequestTTL),
		RequiredApprovers: required,
		Outcome:           model.ApprovalPending,
	}

	g.mu.Lock()
	g.pending[req.ID] = &pendingEntry{req: req, done: make(chan struct{})}
	g.mu.Unlock()

	if kc.AutoApprove != nil && kc.AutoApprove(payload) {
		req.Decisions = append(req.Decisions, model.ApprovalDecision{
			Approver: "auto", Role: "system", At: now, Reason: "auto-approval policy",
		})
		g.resolve(req.ID, model.ApprovalApproved)
	}
	return req, nil
}

// Approve records approver's decision. Returns an error if approver equals
// the requester and self-approval is not allowed for kind, or if role is
// not in kind's allow-list.
func (g *Gate) Approve(ctx context.Context, id, approver, role, reason string) error {
	return g.decide(ctx, id, approver, role, reason, false)
}

// Reject records approver's rejection, immediately resolving the request.
func (g *Gate) Reject(ctx context.Context, id, approver, role, reason string) error {
	return g.decide(ctx, id, approver, role, reason, true)
}

func (g *Gate) decide(ctx context.Context, id, approver, role, reason string, rejecting bool) error {
	g.mu.Lock()
	entry, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval: unknown request %s", id)
	}

	kc := g.cfg.Kinds[entry.req.Kind]
	if approver == entry.req.Requester && !kc.AllowSelfApproval {
		return fmt.Errorf("approval: self-approval forbidden for %s", entry.req.Kind)
	}
	if len(kc.AllowedRoles) > 0 && !roleAllowed(kc.AllowedRoles, role) {
		return fmt.Errorf("approval: role %q not permitted for %s", role, entry.req.Kind)
	}

	g.mu.Lock()
	if entry.req.Outcome != model.ApprovalPending {
		g.mu.Unlock()
		return fmt.Errorf("approval: request %s already resolved", id)
	}
	entry.req.Decisions = append(entry.req.Decisions, model.ApprovalDecision{
		Approver: approver, Role: role, At: time.Now(), Reason: reason, Rejected: rejecting,
	})
	terminal := rejecting || entry.req.ApprovalCount() >= entry.req.RequiredApprovers
	g.mu.Unlock()

	if !terminal {
		return nil
	}
	if rejecting {
		g.resolve(id, model.ApprovalRejected)
	} else {
		g.resolve(id, model.ApprovalApproved)
	}
	return nil
}

func roleAllowed(allowed []string, role string) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

func (g *Gate) resolve(id string, outcome model.ApprovalOutcome) {
	g.mu.Lock()
	entry, ok := g.pending[id]
	if !ok || entry.req.Outcome != model.ApprovalPending {
		g.mu.Unlock()
		return
	}
	entry.req.Outcome = outcome
	g.mu.Unlock()

	close(entry.done)
	_ = g.audit.Record(context.Background(), entry.req)

	switch outcome {
	case model.ApprovalApproved:
		if g.notifier.OnApproved != nil {
			g.notifier.OnApproved(entry.req)
		}
	case model.ApprovalRejected:
		if g.notifier.OnRejected != nil {
			g.notifier.OnRejected(entry.req)
		}
	case model.ApprovalExpired:
		if g.notifier.OnExpired != nil {
			g.notifier.OnExpired(entry.req)
		}
	}
}

// Wait blocks until id resolves, ctx is cancelled, or ctx's deadline
// elapses, returning orcherrors.NotApproved for rejection, expiry, or an
// unknown id. A request that resolved before Wait was called returns its
// outcome immediately.
func (g *Gate) Wait(ctx context.Context, id string) error {
	g.mu.Lock()
	entry, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval: unknown request %s: %w", id, orcherrors.NotApproved)
	}

	select {
	case <-entry.done:
		if entry.req.Outcome != model.ApprovalApproved {
			return orcherrors.NotApproved
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceSweepForTest runs one expiry sweep synchronously, letting tests
// exercise expiry without waiting a full minute for RunExpirySweep's
// ticker.
func (g *Gate) ForceSweepForTest() { g.sweepOnce() }

// RunExpirySweep ticks once a minute, expiring any pending request whose
// ExpiresAt has passed.
func (g *Gate) RunExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepOnce()
		}
	}
}

func (g *Gate) sweepOnce() {
	now := time.Now()
	g.mu.Lock()
	var expired []string
	for id, entry := range g.pending {
		if !now.After(entry.req.ExpiresAt) {
			continue
		}
		if entry.req.Outcome == model.ApprovalPending {
			expired = append(expired, id)
		} else {
			// resolved entries are kept until their expiry so a late Wait
			// still sees the outcome; after that they are dropped.
			delete(g.pending, id)
		}
	}
	g.mu.Unlock()

	for _, id := range expired {
		g.logger.Warn(context.Background(), "approval request expired", "id", id)
		g.resolve(id, model.ApprovalExpired)
	}
}
