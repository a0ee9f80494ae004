// Package workflow implements the Workflow Engine: the
// ROUTE -> DISPATCH -> COLLECT -> SYNTHESIZE -> GATE -> FINALIZE state
// machine over one run. The durable-execution abstraction it runs on
// (Engine/WorkflowDefinition/ActivityDefinition/Future/SignalChannel) is
// a generic activity/workflow host so
// both an in-memory adapter (workflow/inmem) and a Temporal-backed adapter
// (workflow/temporalengine) can satisfy it.
package workflow

import (
	"context"
	"time"
)

// RetryPolicy bounds how many times, and how fast, a failed activity is
// retried by the Engine before the workflow sees a terminal error.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// ActivityOptions configures one ExecuteActivity call.
type ActivityOptions struct {
	StartToCloseTimeout time.Duration
	RetryPolicy         RetryPolicy
}

// Future is a pending activity result. Get blocks until the activity
// completes, ctx is cancelled, or the activity's own timeout elapses.
type Future interface {
	Get(ctx context.Context) (any, error)
}

// SignalChannel delivers out-of-band signals (e.g. a cancellation request)
// into a running workflow.
type SignalChannel interface {
	Receive(ctx context.Context) (any, bool)
}

// WorkflowContext is the host-provided handle a WorkflowFunc uses to
// execute activities and observe signals.
type WorkflowContext interface {
	Context() context.Context
	ExecuteActivity(name string, input any, opts ActivityOptions) Future
	Signal(name string) SignalChannel
	Now() time.Time
}

// WorkflowFunc is the business logic registered under a workflow name.
type WorkflowFunc func(wfctx WorkflowContext, input any) (any, error)

// ActivityFunc is the business logic registered under an activity name.
type ActivityFunc func(ctx context.Context, input any) (any, error)

// WorkflowDefinition names a WorkflowFunc for registration.
type WorkflowDefinition struct {
	Name string
	Func WorkflowFunc
}

// ActivityDefinition names an ActivityFunc for registration.
type ActivityDefinition struct {
	Name string
	Func ActivityFunc
}

// WorkflowStartRequest starts one workflow execution.
type WorkflowStartRequest struct {
	ID           string
	WorkflowName string
	Input        any
}

// WorkflowHandle references a started execution.
type WorkflowHandle interface {
	ID() string
	Result(ctx context.Context) (any, error)
	Cancel()
}

// Engine hosts workflow and activity definitions and runs executions.
// Two adapters exist: workflow/inmem (goroutine-per-execution, no
// durability) and workflow/temporalengine (go.temporal.io/sdk-backed,
// durable and horizontally scalable).
type Engine interface {
	RegisterWorkflow(def WorkflowDefinition)
	RegisterActivity(def ActivityDefinition)
	StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
}
