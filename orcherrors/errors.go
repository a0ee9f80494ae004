// Package orcherrors defines the error taxonomy shared by every dataplane
// component. Each kind is a distinct sentinel so callers can classify errors
// with errors.Is instead of string matching.
package orcherrors

import "errors"

// Sentinel error kinds. Component packages wrap these with context via
// fmt.Errorf's %w verb rather than defining parallel bespoke error types.
var (
	// Transient marks a recoverable failure (network blip, timeout, worker
	// restart). Retried per policy; observed by the circuit breaker.
	Transient = errors.New("transient error")

	// BreakerOpen is returned when a call is refused fast because its
	// breaker is open.
	BreakerOpen = errors.New("breaker open")

	// PoolExhausted is returned when acquire times out with no stream
	// available.
	PoolExhausted = errors.New("pool exhausted")

	// PoolClosed is returned by acquire after the pool has been shut down.
	PoolClosed = errors.New("pool closed")

	// WorkerUnavailable is returned when no live handle exists for a
	// required identity.
	WorkerUnavailable = errors.New("worker unavailable")

	// WorkerTimeout marks a heartbeat or task deadline exceeded.
	WorkerTimeout = errors.New("worker timeout")

	// WorkerBusy is returned when a worker's outbound queue is degraded and
	// cannot accept a new task.
	WorkerBusy = errors.New("worker busy")

	// AuthenticationFailed marks a bad token or unknown identity during the
	// broker handshake.
	AuthenticationFailed = errors.New("authentication failed")

	// ProtocolViolation marks a malformed frame or an out-of-sequence
	// message at a handshake step.
	ProtocolViolation = errors.New("protocol violation")

	// NotApproved marks an approval request that was rejected or expired.
	NotApproved = errors.New("not approved")

	// Cancelled marks cooperative cancellation. It is idempotent and is not
	// counted as a failure for KPI purposes.
	Cancelled = errors.New("cancelled")

	// Fatal marks an invariant breach. The run aborts and the error
	// surfaces unwrapped for operator intervention.
	Fatal = errors.New("fatal invariant breach")
)
