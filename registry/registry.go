// Package registry implements the Agent Registry: a
// thread-safe identity -> WorkerHandle table that is the single source of
// truth for dispatch. Mutations come from the broker (install/evict, and
// reserve/release of in-flight tasks on send/receive); all lookups are
// O(1) and never block the broker's read loop, splitting between a cheap
// RLock-guarded read path and a
// Lock-guarded write path.
package registry

import (
	"sync"
	"time"

	"github.com/orchestrd/dataplane/model"
)

// Conn is the minimal capability the registry needs from a worker's
// transport to evict it; the IPC Broker's connection type implements this,
// keeping the registry free of any dependency on the wire protocol.
type Conn interface {
	Close() error
}

// Handle is the registry's live record for one worker. Its in-flight set
// changes only through Registry.Reserve/Release.
type Handle struct {
	Identity      model.WorkerIdentity
	PID           int
	Conn          Conn
	LastHeartbeat time.Time
	Status        model.WorkerStatus

	mu       sync.Mutex
	inFlight map[string]struct{}

	// latencyEWMA is an exponentially-weighted moving average of task
	// latency in milliseconds, updated by Release on task completion.
	latencyEWMA float64
	hasLatency  bool
}

const ewmaAlpha = 0.3

// QueueDepth returns the number of in-flight tasks.
func (h *Handle) QueueDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inFlight)
}

// reserve adds taskID to the in-flight set and marks the handle busy.
func (h *Handle) reserve(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inFlight == nil {
		h.inFlight = make(map[string]struct{})
	}
	h.inFlight[taskID] = struct{}{}
	h.Status = model.StatusBusy
}

// complete removes taskID from the in-flight set, records latency, and
// reverts status to idle when no tasks remain (unless already degraded).
func (h *Handle) complete(taskID string, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inFlight, taskID)
	if latency > 0 {
		ms := float64(latency.Milliseconds())
		if !h.hasLatency {
			h.latencyEWMA = ms
			h.hasLatency = true
		} else {
			h.latencyEWMA = ewmaAlpha*ms + (1-ewmaAlpha)*h.latencyEWMA
		}
	}
	if len(h.inFlight) == 0 && h.Status != model.StatusDegraded {
		h.Status = model.StatusIdle
	}
}

// InFlightIDs returns a snapshot slice of currently in-flight task ids.
func (h *Handle) InFlightIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.inFlight))
	for id := range h.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// HealthSnapshot is one identity's entry in Registry.SnapshotHealth.
type HealthSnapshot struct {
	Status        model.WorkerStatus
	QueueDepth    int
	LastHeartbeat time.Time
	EWMALatencyMS float64
}

// Registry is the thread-safe identity -> Handle table.
type Registry struct {
	mu      sync.RWMutex
	handles map[model.WorkerIdentity]*Handle
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{handles: make(map[model.WorkerIdentity]*Handle)}
}

// Install atomically replaces any existing handle for identity with h,
// closing the prior handle's connection (re-registration semantics from
// reconnects). Returns the replaced handle, or nil if none existed.
func (r *Registry) Install(h *Handle) *Handle {
	r.mu.Lock()
	prev := r.handles[h.Identity]
	r.handles[h.Identity] = h
	r.mu.Unlock()
	if prev != nil && prev.Conn != nil {
		_ = prev.Conn.Close()
	}
	return prev
}

// Evict removes the handle for identity if it is still the given handle
// (guards against evicting a handle that was already replaced by a
// re-registration) and closes its connection.
func (r *Registry) Evict(identity model.WorkerIdentity, h *Handle) {
	r.mu.Lock()
	cur, ok := r.handles[identity]
	if ok && cur == h {
		delete(r.handles, identity)
	}
	r.mu.Unlock()
	if ok && cur == h && h.Conn != nil {
		_ = h.Conn.Close()
	}
}

// Get returns the handle for identity, or nil if none is registered.
func (r *Registry) Get(identity model.WorkerIdentity) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[identity]
}

// List returns a snapshot slice of every currently registered handle.
func (r *Registry) List() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// SnapshotHealth returns a health summary for every registered identity.
func (r *Registry) SnapshotHealth() map[model.WorkerIdentity]HealthSnapshot {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	out := make(map[model.WorkerIdentity]HealthSnapshot, len(handles))
	for _, h := range handles {
		h.mu.Lock()
		out[h.Identity] = HealthSnapshot{
			Status:        h.Status,
			QueueDepth:    len(h.inFlight),
			LastHeartbeat: h.LastHeartbeat,
			EWMALatencyMS: h.latencyEWMA,
		}
		h.mu.Unlock()
	}
	return out
}

// Reserve records taskID as in-flight on the handle for identity. It is a
// no-op if identity is not registered (the caller is expected to have just
// looked the handle up).
func (r *Registry) Reserve(identity model.WorkerIdentity, taskID string) {
	if h := r.Get(identity); h != nil {
		h.reserve(taskID)
	}
}

// Release completes taskID on the handle for identity, recording latency.
func (r *Registry) Release(identity model.WorkerIdentity, taskID string, latency time.Duration) {
	if h := r.Get(identity); h != nil {
		h.complete(taskID, latency)
	}
}

// Degrade marks identity's handle as degraded, stopping new task delivery
// until its outbound queue drains (backpressure).
func (r *Registry) Degrade(identity model.WorkerIdentity) {
	if h := r.Get(identity); h != nil {
		h.mu.Lock()
		h.Status = model.StatusDegraded
		h.mu.Unlock()
	}
}

// Undegrade clears a degraded status back to idle/busy depending on
// in-flight count.
func (r *Registry) Undegrade(identity model.WorkerIdentity) {
	if h := r.Get(identity); h != nil {
		h.mu.Lock()
		if len(h.inFlight) == 0 {
			h.Status = model.StatusIdle
		} else {
			h.Status = model.StatusBusy
		}
		h.mu.Unlock()
	}
}
