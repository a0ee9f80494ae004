// Package temporalengine is the durable workflow.Engine adapter backed by
// go.temporal.io/sdk: each workflow.WorkflowDefinition is registered as a
// Temporal workflow and each workflow.ActivityDefinition as a Temporal
// activity, so a run survives a worker restart and can be resumed on any
// worker sharing the task queue. This is the durable alternate backend;
// the in-memory adapter (workflow/inmem) remains the default for
// single-process tests.
package temporalengine

import (
	"context"
	"fmt"
	"time"

	tclient "go.temporal.io/sdk/client"
	ttemporal "go.temporal.io/sdk/temporal"
	tworker "go.temporal.io/sdk/worker"
	twf "go.temporal.io/sdk/workflow"

	"github.com/orchestrd/dataplane/workflow"
)

// Engine hosts Temporal-backed workflow and activity registrations on one
// task queue.
type Engine struct {
	client    tclient.Client
	worker    tworker.Worker
	taskQueue string
}

// New constructs an Engine bound to an already-connected Temporal client
// and creates a worker on taskQueue. Call Run to begin polling.
func New(c tclient.Client, taskQueue string) *Engine {
	w := tworker.New(c, taskQueue, tworker.Options{})
	return &Engine{client: c, worker: w, taskQueue: taskQueue}
}

// Run blocks polling the task queue until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	stop := make(chan any)
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	if err := e.worker.Run(stop); err != nil {
		return fmt.Errorf("temporalengine: worker run: %w", err)
	}
	return nil
}

// RegisterWorkflow implements workflow.Engine by wrapping def.Func as a
// Temporal workflow function.
func (e *Engine) RegisterWorkflow(def workflow.WorkflowDefinition) {
	adapter := func(ctx twf.Context, input any) (any, error) {
		wfctx := newTemporalContext(ctx)
		return def.Func(wfctx, input)
	}
	e.worker.RegisterWorkflowWithOptions(adapter, tworker.RegisterWorkflowOptions{Name: def.Name})
}

// RegisterActivity implements workflow.Engine by wrapping def.Func as a
// Temporal activity function.
func (e *Engine) RegisterActivity(def workflow.ActivityDefinition) {
	adapter := func(ctx context.Context, input any) (any, error) {
		return def.Func(ctx, input)
	}
	e.worker.RegisterActivityWithOptions(adapter, tworker.RegisterActivityOptions{Name: def.Name})
}

// StartWorkflow implements workflow.Engine, starting an execution via the
// Temporal client.
func (e *Engine) StartWorkflow(ctx context.Context, req workflow.WorkflowStartRequest) (workflow.WorkflowHandle, error) {
	run, err := e.client.ExecuteWorkflow(ctx, tclient.StartWorkflowOptions{
		ID:        req.ID,
		TaskQueue: e.taskQueue,
	}, req.WorkflowName, req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporalengine: start workflow %s: %w", req.WorkflowName, err)
	}
	return &handle{client: e.client, run: run}, nil
}

type handle struct {
	client tclient.Client
	run    tclient.WorkflowRun
}

func (h *handle) ID() string { return h.run.GetID() }

func (h *handle) Result(ctx context.Context) (any, error) {
	var out any
	if err := h.run.Get(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *handle) Cancel() {
	_ = h.client.CancelWorkflow(context.Background(), h.run.GetID(), h.run.GetRunID())
}

// temporalContext adapts Temporal's deterministic twf.Context to
// workflow.WorkflowContext, and to context.Context so callers that need
// plain cancellation semantics still work.
type temporalContext struct {
	tctx twf.Context
	done chan struct{}
}

func newTemporalContext(tctx twf.Context) *temporalContext {
	w := &temporalContext{tctx: tctx, done: make(chan struct{})}
	twf.Go(tctx, func(ctx twf.Context) {
		ctx.Done().Receive(ctx, nil)
		close(w.done)
	})
	return w
}

func (w *temporalContext) Context() context.Context { return w }

func (w *temporalContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (w *temporalContext) Done() <-chan struct{}       { return w.done }
func (w *temporalContext) Err() error                  { return w.tctx.Err() }
func (w *temporalContext) Value(key any) any           { return w.tctx.Value(key) }

func (w *temporalContext) Now() time.Time { return twf.Now(w.tctx) }

func (w *temporalContext) Signal(name string) workflow.SignalChannel {
	return &signalChannel{ctx: w.tctx, ch: twf.GetSignalChannel(w.tctx, name)}
}

func (w *temporalContext) ExecuteActivity(name string, input any, opts workflow.ActivityOptions) workflow.Future {
	actx := twf.WithActivityOptions(w.tctx, twf.ActivityOptions{
		StartToCloseTimeout: opts.StartToCloseTimeout,
		RetryPolicy: &ttemporal.RetryPolicy{
			MaximumAttempts:    int32(opts.RetryPolicy.MaxAttempts),
			InitialInterval:    opts.RetryPolicy.BaseDelay,
			BackoffCoefficient: opts.RetryPolicy.Multiplier,
			MaximumInterval:    opts.RetryPolicy.MaxDelay,
		},
	})
	return &future{tctx: actx, f: twf.ExecuteActivity(actx, name, input)}
}

type future struct {
	tctx twf.Context
	f    twf.Future
}

func (f *future) Get(context.Context) (any, error) {
	var out any
	if err := f.f.Get(f.tctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type signalChannel struct {
	ctx twf.Context
	ch  twf.ReceiveChannel
}

func (s *signalChannel) Receive(context.Context) (any, bool) {
	var v any
	more := s.ch.Receive(s.ctx, &v)
	return v, more
}
