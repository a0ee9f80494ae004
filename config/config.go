// Package config defines the orchestration dataplane's enumerated
// configuration options: plain structs with documented
// defaults, no file-format parsing. cmd/orchestratord is responsible for
// populating these from flags or environment, keeping configuration as
// typed Go values rather than a
// generic map decoded at multiple layers.
package config

import "time"

// Broker configures the IPC Broker.
type Broker struct {
	SocketPath          string
	MaxConnections      int
	HandshakeTimeoutMS  int
	HeartbeatTimeoutMS  int
	AuthWindowMS        int
	MaxAuthAttempts     int
	AllowedAgents       []string
}

// DefaultBroker returns the documented Broker defaults.
func DefaultBroker(socketPath string, allowedAgents []string) Broker {
	return Broker{
		SocketPath:         socketPath,
		MaxConnections:     50,
		HandshakeTimeoutMS: 5000,
		HeartbeatTimeoutMS: 30000,
		AuthWindowMS:       60000,
		MaxAuthAttempts:    5,
		AllowedAgents:      allowedAgents,
	}
}

// Pool configures an outbound Connection Pool.
type Pool struct {
	Min                  int
	Max                  int
	AcquireTimeoutMS     int
	CreateTimeoutMS      int
	IdleTimeoutMS        int
	ReconnectBaseMS      int
	ReconnectMultiplier  float64
	ReconnectMaxMS       int
	MaxReconnectAttempts int
}

// DefaultPool returns reasonable defaults; Pool's numeric
// defaults unspecified beyond naming the options, so these mirror the
// Connection Pool package's own withDefaults().
func DefaultPool() Pool {
	return Pool{
		Min:                  0,
		Max:                  10,
		AcquireTimeoutMS:     5000,
		CreateTimeoutMS:      5000,
		IdleTimeoutMS:        5 * 60 * 1000,
		ReconnectBaseMS:      500,
		ReconnectMultiplier:  2,
		ReconnectMaxMS:       30000,
		MaxReconnectAttempts: 10,
	}
}

// Breaker configures a Circuit Breaker and its Retry Policy.
type Breaker struct {
	FailureThreshold   int
	TimeoutMS          int
	SuccessThreshold   int
	MaxRetries         int
	RetryBaseMS        int
	RetryMultiplier    float64
	RetryMaxMS         int
	FallbackTimeoutMS  int
}

// DefaultBreaker returns the documented Breaker defaults.
func DefaultBreaker() Breaker {
	return Breaker{
		FailureThreshold:  5,
		TimeoutMS:         60000,
		SuccessThreshold:  3,
		MaxRetries:        3,
		RetryBaseMS:       1000,
		RetryMultiplier:   2,
		RetryMaxMS:        30000,
		FallbackTimeoutMS: 5000,
	}
}

// Workflow configures per-identity task timeouts and gate thresholds.
type Workflow struct {
	PerTaskTimeoutMS    map[string]int
	BlockingSeverity    string
	TokenBudgetWarn     int
	LatencyBudgetWarnMS int
}

// DefaultWorkflow returns a Workflow config with a single fallback
// per-identity timeout; callers override per identity as needed.
func DefaultWorkflow(defaultTimeoutMS int) Workflow {
	return Workflow{
		PerTaskTimeoutMS:    map[string]int{"*": defaultTimeoutMS},
		BlockingSeverity:    "high",
		TokenBudgetWarn:     100000,
		LatencyBudgetWarnMS: 30000,
	}
}

// CriticalOperation is one entry in Approval.CriticalOperations.
type CriticalOperation struct {
	Kind          string
	Approvers     []string
	TimeoutMS     int
	RequiredRoles []string
	Conditions    map[string]any
}

// Approval configures the Approval Gate's critical-operation list.
type Approval struct {
	CriticalOperations     []CriticalOperation
	AllowSelfApproval      bool
	EmergencyOverrideRoles []string
}

// TaskTimeoutFor resolves identity's per-task timeout, falling back to
// the wildcard "*" entry, then to 2 minutes if neither is configured.
func (w Workflow) TaskTimeoutFor(identity string) time.Duration {
	if ms, ok := w.PerTaskTimeoutMS[identity]; ok {
		return time.Duration(ms) * time.Millisecond
	}
	if ms, ok := w.PerTaskTimeoutMS["*"]; ok {
		return time.Duration(ms) * time.Millisecond
	}
	return 2 * time.Minute
}
