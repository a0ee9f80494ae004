package breaker

import "sync"

// Registry is a process-wide name -> Breaker map, lazily populated. Callers
// obtain or create a named breaker and inherit the registry's default
// configuration and telemetry wiring.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	defaults Config
	opts     []Option
}

// NewRegistry constructs a Registry. Every breaker created through
// GetOrCreate uses defaults and opts.
func NewRegistry(defaults Config, opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
		opts:     opts,
	}
}

// GetOrCreate returns the named breaker, creating it with the registry's
// defaults on first use.
func (r *Registry) GetOrCreate(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.defaults, r.opts...)
	r.breakers[name] = b
	return b
}

// Snapshot returns a name -> Stats map for every breaker currently tracked,
// used by the driver API's health() query.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}
