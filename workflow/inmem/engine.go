// Package inmem is the non-durable workflow.Engine adapter: each execution
// is a goroutine, activities run in-process, and nothing survives a
// process restart: the same goroutine-per-execution shape, done-channel
// completion signal, and activity registry lookup as any other Engine
// adapter, specialized to workflow.Engine's workflow/activity vocabulary.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orchestrd/dataplane/workflow"
)

// Engine is the in-memory workflow.Engine implementation.
type Engine struct {
	mu         sync.RWMutex
	workflows  map[string]workflow.WorkflowFunc
	activities map[string]workflow.ActivityFunc
}

// New constructs an empty Engine.
func New() *Engine {
	return &Engine{
		workflows:  make(map[string]workflow.WorkflowFunc),
		activities: make(map[string]workflow.ActivityFunc),
	}
}

// RegisterWorkflow implements workflow.Engine.
func (e *Engine) RegisterWorkflow(def workflow.WorkflowDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[def.Name] = def.Func
}

// RegisterActivity implements workflow.Engine.
func (e *Engine) RegisterActivity(def workflow.ActivityDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities[def.Name] = def.Func
}

type handle struct {
	id       string
	done     chan struct{}
	result   any
	err      error
	cancel   context.CancelFunc
}

func (h *handle) ID() string { return h.id }

func (h *handle) Result(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *handle) Cancel() { h.cancel() }

// StartWorkflow implements workflow.Engine, spawning def.Func on its own
// goroutine bound to a cancellable child context.
func (e *Engine) StartWorkflow(ctx context.Context, req workflow.WorkflowStartRequest) (workflow.WorkflowHandle, error) {
	e.mu.RLock()
	fn, ok := e.workflows[req.WorkflowName]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inmem: unregistered workflow %q", req.WorkflowName)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{id: req.ID, done: make(chan struct{}), cancel: cancel}
	wfctx := &wfContext{ctx: runCtx, eng: e}

	go func() {
		defer close(h.done)
		h.result, h.err = fn(wfctx, req.Input)
	}()
	return h, nil
}

// wfContext implements workflow.WorkflowContext against this Engine.
type wfContext struct {
	ctx context.Context
	eng *Engine
}

func (w *wfContext) Context() context.Context { return w.ctx }
func (w *wfContext) Now() time.Time           { return time.Now() }

func (w *wfContext) Signal(name string) workflow.SignalChannel {
	return &signalChannel{} // in-memory adapter delivers no out-of-band signals
}

func (w *wfContext) ExecuteActivity(name string, input any, opts workflow.ActivityOptions) workflow.Future {
	w.eng.mu.RLock()
	fn, ok := w.eng.activities[name]
	w.eng.mu.RUnlock()
	if !ok {
		return &immediateFuture{err: fmt.Errorf("inmem: unregistered activity %q", name)}
	}

	f := &activityFuture{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		actCtx := w.ctx
		var cancel context.CancelFunc
		if opts.StartToCloseTimeout > 0 {
			actCtx, cancel = context.WithTimeout(w.ctx, opts.StartToCloseTimeout)
			defer cancel()
		}
		f.result, f.err = runWithRetry(actCtx, fn, input, opts.RetryPolicy)
	}()
	return f
}

func runWithRetry(ctx context.Context, fn workflow.ActivityFunc, input any, policy workflow.RetryPolicy) (any, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var result any
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err = fn(ctx, input)
		if err == nil {
			return result, nil
		}
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		delay := backoffDelay(policy, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return result, err
}

func backoffDelay(policy workflow.RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	mult := policy.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
	}
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	return d
}

type activityFuture struct {
	done   chan struct{}
	result any
	err    error
}

func (f *activityFuture) Get(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type immediateFuture struct{ err error }

func (f *immediateFuture) Get(context.Context) (any, error) { return nil, f.err }

type signalChannel struct{}

func (signalChannel) Receive(ctx context.Context) (any, bool) {
	<-ctx.Done()
	return nil, false
}
