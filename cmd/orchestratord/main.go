// Command orchestratord wires the Agent Registry, IPC Broker, Router,
// Circuit Breaker registry, Approval Gate, and Workflow Engine into one
// running orchestration dataplane. Wiring style is construct-then-wire-
// then-serve, with SIGINT/SIGTERM handling around the broker's blocking
// Serve loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/orchestrd/dataplane/approval"
	"github.com/orchestrd/dataplane/breaker"
	"github.com/orchestrd/dataplane/config"
	"github.com/orchestrd/dataplane/ipc"
	"github.com/orchestrd/dataplane/registry"
	"github.com/orchestrd/dataplane/router"
	"github.com/orchestrd/dataplane/telemetry"
	"github.com/orchestrd/dataplane/workflow"
	"github.com/orchestrd/dataplane/workflow/inmem"
)

func main() {
	socketPath := flag.String("socket", "/tmp/orchestratord.sock", "unix stream socket path")
	token := flag.String("token", os.Getenv("ORCHESTRATORD_TOKEN"), "shared worker auth token")
	allowedAgents := flag.String("allowed-agents", "security,quality,architecture,documentation,synthesizer", "comma-separated allowed worker identities")
	flag.Parse()

	if *token == "" {
		log.Fatal("orchestratord: no token configured; set -token or ORCHESTRATORD_TOKEN")
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	brokerCfg := config.DefaultBroker(*socketPath, strings.Split(*allowedAgents, ","))
	breakerCfg := config.DefaultBreaker()
	workflowCfg := config.DefaultWorkflow(2 * 60 * 1000)

	reg := registry.New()
	allowed := make(map[string]bool, len(brokerCfg.AllowedAgents))
	for _, a := range brokerCfg.AllowedAgents {
		allowed[strings.TrimSpace(a)] = true
	}

	b := ipc.New(ipc.Config{
		SocketPath:       brokerCfg.SocketPath,
		MaxConnections:   brokerCfg.MaxConnections,
		HandshakeTimeout: time.Duration(brokerCfg.HandshakeTimeoutMS) * time.Millisecond,
		HeartbeatTimeout: time.Duration(brokerCfg.HeartbeatTimeoutMS) * time.Millisecond,
		AuthWindow:       time.Duration(brokerCfg.AuthWindowMS) * time.Millisecond,
		MaxAuthAttempts:  brokerCfg.MaxAuthAttempts,
		AllowedAgents:    allowed,
		Token:            *token,
	}, reg, ipc.WithLogger(logger), ipc.WithMetrics(metrics))

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: breakerCfg.FailureThreshold,
		SuccessThreshold: breakerCfg.SuccessThreshold,
		Timeout:          time.Duration(breakerCfg.TimeoutMS) * time.Millisecond,
	}, breaker.WithLogger(logger), breaker.WithMetrics(metrics))

	routerCache := router.NewCache(time.Minute, router.DefaultRules())

	gate := approval.New(approval.Config{
		Kinds: map[string]approval.KindConfig{
			"finalize-needs-work": {
				RequiredApprovers: 1,
				AllowedRoles:      []string{"lead", "admin"},
			},
		},
	}, approval.WithLogger(logger))

	eng := inmem.New()
	runner := workflow.NewRunner(workflow.RunnerConfig{
		WorkerDeadline:        workflowCfg.TaskTimeoutFor("*"),
		RunDeadlineMultiplier: 2,
		ApprovalKind:          "finalize-needs-work",
		ApprovalRequester:     "orchestratord",
		RequireApprovalFor:    nil,
	}, eng, reg, routerCache, b, breakers, workflow.WithLogger(logger), workflow.WithMetrics(metrics), workflow.WithApprovalGate(gate))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go b.RunHeartbeatSweep(ctx)
	go gate.RunExpirySweep(ctx)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				routerCache.Purge()
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h := runner.Health()
				logger.Info(ctx, "health snapshot", "workers", len(h.Workers), "breakers", len(h.Breakers))
			}
		}
	}()

	logger.Info(ctx, "orchestratord starting", "socket", brokerCfg.SocketPath)
	if err := b.Serve(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Info(ctx, "orchestratord stopped")
}
