package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrd/dataplane/approval"
	"github.com/orchestrd/dataplane/breaker"
	"github.com/orchestrd/dataplane/ipc"
	"github.com/orchestrd/dataplane/model"
	"github.com/orchestrd/dataplane/registry"
	"github.com/orchestrd/dataplane/router"
	"github.com/orchestrd/dataplane/telemetry"
)

// RunWorkflowName is the name RunWorkflow is registered under.
const RunWorkflowName = "orchestration-run"

// DispatchActivityName is the name the dispatch-and-collect activity is
// registered under; both worker tasks and the synthesis task use it.
const DispatchActivityName = "dispatch-task"

// RunnerConfig bounds the RunState state machine's timing and approval
// policy.
type RunnerConfig struct {
	WorkerDeadline       time.Duration // per-task deadline handed to each worker
	RunDeadlineMultiplier int          // run deadline = WorkerDeadline * this, bounding COLLECT
	ApprovalKind          string       // critical-list kind gating FINALIZE, "" disables the gate
	ApprovalRequester     string
	RequireApprovalFor    map[model.Decision]bool
}

func (c *RunnerConfig) withDefaults() {
	if c.WorkerDeadline <= 0 {
		c.WorkerDeadline = 2 * time.Minute
	}
	if c.RunDeadlineMultiplier <= 0 {
		c.RunDeadlineMultiplier = 2
	}
}

// Runner wires the Router, Agent Registry, IPC Broker, breaker registry,
// and Approval Gate into one RunWorkflow: submit -> route -> resolve
// handles -> dispatch through the broker -> collect -> synthesize -> gate
// -> finalize.
type Runner struct {
	cfg      RunnerConfig
	engine   Engine
	router   *router.Cache
	registry *registry.Registry
	broker   *ipc.Broker
	breakers *breaker.Registry
	gate     *approval.Gate
	logger   telemetry.Logger
	metrics  telemetry.Metrics
}

// Option configures a Runner at construction.
type Option func(*Runner)

// WithLogger attaches a Logger, replacing the noop default.
func WithLogger(l telemetry.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithMetrics attaches a Metrics sink, replacing the noop default.
func WithMetrics(m telemetry.Metrics) Option { return func(r *Runner) { r.metrics = m } }

// WithApprovalGate wires an Approval Gate into FINALIZE.
func WithApprovalGate(g *approval.Gate) Option { return func(r *Runner) { r.gate = g } }

// NewRunner constructs a Runner and registers its workflow and activity on
// eng.
func NewRunner(cfg RunnerConfig, eng Engine, reg *registry.Registry, rtr *router.Cache, b *ipc.Broker, breakers *breaker.Registry, opts ...Option) *Runner {
	cfg.withDefaults()
	r := &Runner{
		cfg:      cfg,
		engine:   eng,
		router:   rtr,
		registry: reg,
		broker:   b,
		breakers: breakers,
		logger:   telemetry.NoopLogger{},
		metrics:  telemetry.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	eng.RegisterWorkflow(WorkflowDefinition{Name: RunWorkflowName, Func: r.runWorkflow})
	eng.RegisterActivity(ActivityDefinition{Name: DispatchActivityName, Func: r.dispatchActivity})
	return r
}

// Submit starts one run for ev, returning a handle whose Result is a
// *model.WorkflowResult.
func (r *Runner) Submit(ctx context.Context, ev model.ChangeEvent) (WorkflowHandle, error) {
	return r.engine.StartWorkflow(ctx, WorkflowStartRequest{
		ID:           uuid.NewString(),
		WorkflowName: RunWorkflowName,
		Input:        ev,
	})
}

// Health reports the driver's health surface.
type Health struct {
	Workers  map[model.WorkerIdentity]registry.HealthSnapshot
	Breakers map[string]model.BreakerMode
}

// Health implements the health() driver operation.
func (r *Runner) Health() Health {
	breakerModes := make(map[string]model.BreakerMode)
	for name, stats := range r.breakers.Snapshot() {
		breakerModes[name] = stats.Mode
	}
	return Health{
		Workers:  r.registry.SnapshotHealth(),
		Breakers: breakerModes,
	}
}

// runWorkflow is the ROUTE->DISPATCH->COLLECT->SYNTHESIZE->GATE->FINALIZE
// state machine, executed by whichever Engine adapter hosts it.
func (r *Runner) runWorkflow(wfctx WorkflowContext, input any) (any, error) {
	ev, ok := input.(model.ChangeEvent)
	if !ok {
		return nil, fmt.Errorf("workflow: unexpected input type %T", input)
	}
	runID := uuid.NewString()
	phase := model.PhaseRoute
	r.logger.Info(wfctx.Context(), "run started", "run_id", runID, "repository", ev.Repository, "branch", ev.Branch)
	r.metrics.IncCounter("workflow.run.started", 1)

	// ROUTE
	health := r.registry.SnapshotHealth()
	plan := r.router.Route(ev, health)
	if len(plan.Workers) == 0 {
		return nil, fmt.Errorf("workflow: routing plan empty for run %s", runID)
	}
	phase = advance(phase, model.PhaseDispatch)

	runDeadline := wfctx.Now().Add(r.cfg.WorkerDeadline * time.Duration(r.cfg.RunDeadlineMultiplier))

	// The synthesizer never analyzes the diff directly; it is excluded
	// from DISPATCH/COLLECT and instead runs once in SYNTHESIZE over the
	// artifacts the analysis workers collected.
	analysisWorkers := excludeSynthesizer(plan.Workers)

	// DISPATCH + COLLECT (overlap for parallel strategy: each future is
	// started before any is awaited).
	futures := make(map[model.WorkerIdentity]Future, len(analysisWorkers))
	for _, identity := range analysisWorkers {
		task := r.buildTask(identity, ev)
		opts := ActivityOptions{
			StartToCloseTimeout: r.cfg.WorkerDeadline,
			RetryPolicy:         RetryPolicy{MaxAttempts: 1},
		}
		futures[identity] = wfctx.ExecuteActivity(DispatchActivityName, task, opts)
		if plan.Strategy == router.StrategySequential {
			r.awaitInto(wfctx, futures, identity, runDeadline)
		}
	}
	phase = advance(phase, model.PhaseCollect)

	contributions := make([]model.WorkerContribution, 0, len(analysisWorkers))
	results := make(map[model.WorkerIdentity]*model.TaskResult, len(analysisWorkers))
	for _, identity := range analysisWorkers {
		res, errMsg := r.resolveFuture(wfctx, futures, identity, runDeadline)
		results[identity] = res
		contributions = append(contributions, model.WorkerContribution{Identity: identity, Result: res, Error: errMsg})
	}

	// SYNTHESIZE
	phase = advance(phase, model.PhaseSynthesize)
	synthTask := r.buildSynthesisTask(ev, results)
	synthFuture := wfctx.ExecuteActivity(DispatchActivityName, synthTask, ActivityOptions{
		StartToCloseTimeout: r.cfg.WorkerDeadline,
	})
	synthResult, synthErr := synthFuture.Get(wfctx.Context())
	var synthTR *model.TaskResult
	if synthErr == nil {
		if tr, ok := synthResult.(*model.TaskResult); ok {
			synthTR = tr
		}
	}
	contributions = append(contributions, model.WorkerContribution{
		Identity: model.IdentitySynthesizer,
		Result:   synthTR,
		Error:    errString(synthErr),
	})

	// GATE
	phase = advance(phase, model.PhaseGate)
	decision, critical, warnings := gateVerdict(contributions)

	if r.gate != nil && r.cfg.RequireApprovalFor[decision] {
		req, err := r.gate.CreateRequest(r.cfg.ApprovalKind, map[string]any{"run_id": runID, "decision": string(decision)}, r.cfg.ApprovalRequester)
		if err == nil {
			if waitErr := r.gate.Wait(wfctx.Context(), req.ID); waitErr != nil {
				decision = model.DecisionNeedsWork
				warnings = append(warnings, "finalization not approved: "+waitErr.Error())
			}
		}
	}

	// FINALIZE
	advance(phase, model.PhaseFinalize)
	r.logger.Info(wfctx.Context(), "run finalized", "run_id", runID, "decision", string(decision))
	r.metrics.IncCounter("workflow.run.finalized", 1, "decision", string(decision))
	return &model.WorkflowResult{
		RunID:           runID,
		Decision:        decision,
		Summary:         fmt.Sprintf("run %s: %d workers, strategy=%s", runID, len(plan.Workers), plan.Strategy),
		CriticalIssues:  critical,
		Recommendations: plan.Reasoning,
		Contributions:   contributions,
		Warnings:        warnings,
	}, nil
}

func excludeSynthesizer(workers []model.WorkerIdentity) []model.WorkerIdentity {
	out := make([]model.WorkerIdentity, 0, len(workers))
	for _, id := range workers {
		if id != model.IdentitySynthesizer {
			out = append(out, id)
		}
	}
	return out
}

func advance(from, to model.RunPhase) model.RunPhase {
	if !model.CanAdvance(from, to) {
		panic(fmt.Sprintf("workflow: illegal phase transition %s -> %s", from, to))
	}
	return to
}

func (r *Runner) awaitInto(wfctx WorkflowContext, futures map[model.WorkerIdentity]Future, identity model.WorkerIdentity, deadline time.Time) {
	ctx, cancel := context.WithDeadline(wfctx.Context(), deadline)
	defer cancel()
	_, _ = futures[identity].Get(ctx)
}

func (r *Runner) resolveFuture(wfctx WorkflowContext, futures map[model.WorkerIdentity]Future, identity model.WorkerIdentity, deadline time.Time) (*model.TaskResult, string) {
	ctx, cancel := context.WithDeadline(wfctx.Context(), deadline)
	defer cancel()
	val, err := futures[identity].Get(ctx)
	if err != nil {
		return &model.TaskResult{Status: model.TaskTimeout, Error: err.Error()}, err.Error()
	}
	tr, ok := val.(*model.TaskResult)
	if !ok {
		return &model.TaskResult{Status: model.TaskFailed, Error: "malformed activity result"}, "malformed activity result"
	}
	return tr, tr.Error
}

func (r *Runner) buildTask(identity model.WorkerIdentity, ev model.ChangeEvent) model.Task {
	return model.Task{
		ID:     uuid.NewString(),
		Target: identity,
		Scope:  ev.FilePaths(),
		Context: model.TaskContext{
			RepoRoot: ev.Repository,
			Commit:   ev.Commit,
			Branch:   ev.Branch,
		},
		Output:   fmt.Sprintf("/tmp/%s-%s.json", identity, ev.Commit),
		Deadline: time.Now().Add(r.cfg.WorkerDeadline),
	}
}

func (r *Runner) buildSynthesisTask(ev model.ChangeEvent, results map[model.WorkerIdentity]*model.TaskResult) model.Task {
	artifacts := make([]string, 0, len(results))
	for _, res := range results {
		if res != nil {
			artifacts = append(artifacts, res.Artifacts...)
		}
	}
	return model.Task{
		ID:     uuid.NewString(),
		Target: model.IdentitySynthesizer,
		Scope:  ev.FilePaths(),
		Context: model.TaskContext{
			RepoRoot: ev.Repository,
			Commit:   ev.Commit,
			Branch:   ev.Branch,
		},
		Output:   fmt.Sprintf("/tmp/synthesis-%s.json", ev.Commit),
		Config:   map[string]any{"artifacts": artifacts},
		Deadline: time.Now().Add(r.cfg.WorkerDeadline),
	}
}

// dispatchActivity is the one activity both worker and synthesizer tasks
// run through: it dispatches via the broker under the per-identity
// breaker, then collects the response.
func (r *Runner) dispatchActivity(ctx context.Context, input any) (any, error) {
	task, ok := input.(model.Task)
	if !ok {
		return nil, fmt.Errorf("workflow: unexpected activity input type %T", input)
	}
	b := r.breakers.GetOrCreate(string(task.Target))

	result, err := breaker.Execute(ctx, b, func(ctx context.Context) (*model.TaskResult, error) {
		deadlineMS := time.Until(task.Deadline).Milliseconds()
		if deadlineMS <= 0 {
			deadlineMS = r.cfg.WorkerDeadline.Milliseconds()
		}
		data := ipc.TaskData{
			Scope:      task.Scope,
			Context:    ipc.TaskContext(task.Context),
			Output:     task.Output,
			Config:     task.Config,
			DeadlineMS: deadlineMS,
		}
		if err := r.broker.Dispatch(ctx, task.Target, task.ID, data); err != nil {
			return nil, err
		}
		resp, err := r.broker.Collect(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		return toTaskResult(task.ID, resp), nil
	}, nil)
	if err != nil {
		r.logger.Warn(ctx, "dispatch activity failed", "task_id", task.ID, "target", string(task.Target), "error", err.Error())
		r.metrics.IncCounter("workflow.dispatch.failed", 1, "target", string(task.Target))
		if result == nil {
			result = &model.TaskResult{TaskID: task.ID, Status: model.TaskFailed, Error: err.Error()}
		}
		return result, nil
	}
	return result, nil
}

func toTaskResult(taskID string, resp ipc.ResponseData) *model.TaskResult {
	status := model.TaskFailed
	switch resp.Status {
	case ipc.ResponseDone:
		status = model.TaskDone
	case ipc.ResponseTimeout:
		status = model.TaskTimeout
	case ipc.ResponseCancelled:
		status = model.TaskCancelled
	}
	artifacts := make([]string, 0, len(resp.Results))
	for k := range resp.Results {
		artifacts = append(artifacts, k)
	}
	return &model.TaskResult{
		TaskID:    taskID,
		Status:    status,
		Artifacts: artifacts,
		KPIs:      model.KPIs{LatencyMS: resp.KPIs.LatencyMS, Tokens: int(resp.KPIs.Tokens), Findings: resp.KPIs.Findings},
		Error:     resp.Error,
	}
}

func gateVerdict(contributions []model.WorkerContribution) (model.Decision, []string, []string) {
	var critical, warnings []string
	failures := 0
	findings := 0
	for _, c := range contributions {
		if c.Result == nil || c.Result.Status != model.TaskDone {
			failures++
			critical = append(critical, fmt.Sprintf("%s: %s", c.Identity, nonEmpty(c.Error, "no result")))
			continue
		}
		findings += c.Result.KPIs.Findings
		if c.Result.KPIs.Findings > 0 {
			warnings = append(warnings, fmt.Sprintf("%s reported %d findings", c.Identity, c.Result.KPIs.Findings))
		}
	}
	switch {
	case failures > 0:
		return model.DecisionNeedsWork, critical, warnings
	case findings > 0:
		return model.DecisionRequestChanges, critical, warnings
	default:
		return model.DecisionApprove, critical, warnings
	}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
