// Package model defines the shared data entities passed between the
// orchestration dataplane's components: change events, worker identities and
// handles, tasks and their results, run state, approval requests, and breaker
// state. These are plain data types; behavior lives in the owning packages
// (registry owns WorkerHandle mutation, workflow owns RunState mutation, and
// so on).
package model

import "time"

// WorkerIdentity names one of the fixed analysis roles a worker process can
// register under. The set is stable across process restarts.
type WorkerIdentity string

const (
	IdentitySecurity      WorkerIdentity = "security"
	IdentityQuality       WorkerIdentity = "quality"
	IdentityArchitecture  WorkerIdentity = "architecture"
	IdentityDocumentation WorkerIdentity = "documentation"
	IdentitySynthesizer   WorkerIdentity = "synthesizer"
	IdentityObservability WorkerIdentity = "observability"
)

// WorkerStatus is the observed health of a registered worker.
type WorkerStatus string

const (
	StatusIdle     WorkerStatus = "idle"
	StatusBusy     WorkerStatus = "busy"
	StatusDegraded WorkerStatus = "degraded"
	StatusError    WorkerStatus = "error"
)

// FileChange describes one file touched by a ChangeEvent.
type FileChange struct {
	Path         string
	LinesAdded   int
	LinesRemoved int
}

// ChangeEvent is the immutable trigger for a workflow run. It is created by
// the driver, consumed once by the Workflow Engine's ROUTE phase, and never
// mutated afterward.
type ChangeEvent struct {
	Type       string
	Repository string
	Branch     string
	Commit     string
	Files      []FileChange
	Author     string
	Message    string
	Timestamp  time.Time
}

// TotalLinesChanged sums added and removed lines across all files.
func (e ChangeEvent) TotalLinesChanged() int {
	total := 0
	for _, f := range e.Files {
		total += f.LinesAdded + f.LinesRemoved
	}
	return total
}

// FilePaths returns the changed file paths in order.
func (e ChangeEvent) FilePaths() []string {
	paths := make([]string, len(e.Files))
	for i, f := range e.Files {
		paths[i] = f.Path
	}
	return paths
}

// TaskContext carries the repository coordinates a worker needs to locate
// the change it is analyzing.
type TaskContext struct {
	RepoRoot string
	Commit   string
	Branch   string
}

// Task is an immutable unit of dispatch sent to exactly one worker.
type Task struct {
	ID       string
	Target   WorkerIdentity
	Scope    []string
	Context  TaskContext
	Output   string
	Config   map[string]any
	Deadline time.Time
}

// TaskTerminalStatus is the terminal outcome of a dispatched task.
type TaskTerminalStatus string

const (
	TaskDone      TaskTerminalStatus = "done"
	TaskFailed    TaskTerminalStatus = "failed"
	TaskTimeout   TaskTerminalStatus = "timeout"
	TaskCancelled TaskTerminalStatus = "cancelled"
)

// KPIs are the per-task performance indicators reported by a worker.
type KPIs struct {
	LatencyMS int64
	Tokens    int
	Findings  int
}

// TaskResult is a worker's terminal reply to a dispatched Task.
type TaskResult struct {
	TaskID    string
	Status    TaskTerminalStatus
	Artifacts []string
	KPIs      KPIs
	Error     string
}

// RunPhase enumerates the Workflow Engine's state machine phases. Phases
// advance monotonically; no phase is revisited.
type RunPhase string

const (
	PhaseRoute      RunPhase = "ROUTE"
	PhaseDispatch   RunPhase = "DISPATCH"
	PhaseCollect    RunPhase = "COLLECT"
	PhaseSynthesize RunPhase = "SYNTHESIZE"
	PhaseGate       RunPhase = "GATE"
	PhaseFinalize   RunPhase = "FINALIZE"
)

// phaseOrder fixes the legal monotonic progression used to validate
// transitions against regression.
var phaseOrder = map[RunPhase]int{
	PhaseRoute:      0,
	PhaseDispatch:   1,
	PhaseCollect:    2,
	PhaseSynthesize: 3,
	PhaseGate:       4,
	PhaseFinalize:   5,
}

// CanAdvance reports whether the transition from 'from' to 'to' is a legal
// monotonic phase advance (strictly forward, no skipping backward).
func CanAdvance(from, to RunPhase) bool {
	fi, fok := phaseOrder[from]
	ti, tok := phaseOrder[to]
	return fok && tok && ti > fi
}

// Decision is the final verdict a WorkflowResult carries.
type Decision string

const (
	DecisionApprove        Decision = "approve"
	DecisionRequestChanges Decision = "request_changes"
	DecisionNeedsWork      Decision = "needs_work"
)

// WorkerContribution summarizes one worker's participation in a run for the
// final WorkflowResult.
type WorkerContribution struct {
	Identity WorkerIdentity
	Result   *TaskResult
	Error    string
}

// WorkflowResult is the terminal, user-visible output of one run.
type WorkflowResult struct {
	RunID           string
	Decision        Decision
	Summary         string
	CriticalIssues  []string
	Recommendations []string
	Contributions   []WorkerContribution
	Warnings        []string
}

// ApprovalOutcome is the terminal disposition of an ApprovalRequest.
type ApprovalOutcome string

const (
	ApprovalPending  ApprovalOutcome = "pending"
	ApprovalApproved ApprovalOutcome = "approved"
	ApprovalRejected ApprovalOutcome = "rejected"
	ApprovalExpired  ApprovalOutcome = "expired"
)

// ApprovalDecision records one approver's action on an ApprovalRequest.
type ApprovalDecision struct {
	Approver string
	Role     string
	At       time.Time
	Reason   string
	Rejected bool
}

// ApprovalRequest is a two-party confirmation gate on a critical operation.
type ApprovalRequest struct {
	ID           string
	Kind         string
	Requester    string
	Payload      map[string]any
	CreatedAt    time.Time
	ExpiresAt    time.Time
	RequiredApprovers int
	Decisions    []ApprovalDecision
	Outcome      ApprovalOutcome
}

// ApprovalCount returns the number of non-rejecting decisions recorded.
func (r *ApprovalRequest) ApprovalCount() int {
	n := 0
	for _, d := range r.Decisions {
		if !d.Rejected {
			n++
		}
	}
	return n
}

// BreakerMode is the circuit breaker's current state.
type BreakerMode string

const (
	BreakerClosed   BreakerMode = "closed"
	BreakerOpen     BreakerMode = "open"
	BreakerHalfOpen BreakerMode = "half_open"
)
