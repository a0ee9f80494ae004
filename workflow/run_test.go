package workflow_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrd/dataplane/breaker"
	"github.com/orchestrd/dataplane/ipc"
	"github.com/orchestrd/dataplane/model"
	"github.com/orchestrd/dataplane/registry"
	"github.com/orchestrd/dataplane/router"
	"github.com/orchestrd/dataplane/workflow"
	"github.com/orchestrd/dataplane/workflow/inmem"
)

func startTestBroker(t *testing.T) (*ipc.Broker, *registry.Registry, string, func()) {
	reg := registry.New()
	path := filepath.Join(t.TempDir(), fmt.Sprintf("wf-%d.sock", time.Now().UnixNano()))
	cfg := ipc.Config{
		SocketPath: path,
		Token:      "secret",
		AllowedAgents: map[string]bool{
			string(model.IdentityQuality):     true,
			string(model.IdentitySynthesizer): true,
		},
	}
	b := ipc.New(cfg, reg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = b.Serve(ctx) }()
	go b.RunHeartbeatSweep(ctx)

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	return b, reg, path, func() { cancel(); <-done }
}

// connectFakeWorker authenticates as agentID and auto-replies "done" with
// zero findings to every task it is dispatched.
func connectFakeWorker(t *testing.T, socketPath, agentID string) func() {
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)

	auth, _ := json.Marshal(ipc.AuthData{Token: "secret", AgentID: agentID})
	authEnv, _ := json.Marshal(ipc.Envelope{ID: "auth", Type: ipc.FrameAuth, Agent: agentID, Timestamp: time.Now(), Data: auth})
	_, err = w.Write(append(authEnv, '\n'))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			line, err := r.ReadBytes('\n')
			if err != nil {
				return
			}
			var env ipc.Envelope
			if json.Unmarshal(line, &env) != nil || env.Type != ipc.FrameTask {
				continue
			}
			resp := ipc.ResponseData{Status: ipc.ResponseDone, KPIs: ipc.ResponseKPIs{LatencyMS: 5, Findings: 0}}
			data, _ := json.Marshal(resp)
			replyEnv, _ := json.Marshal(ipc.Envelope{ID: env.ID, Type: ipc.FrameTask, Agent: agentID, Timestamp: time.Now(), Data: data})
			_, _ = w.Write(append(replyEnv, '\n'))
			_ = w.Flush()
		}
	}()
	return func() { close(stop); _ = conn.Close() }
}

func TestRunWorkflowEndToEndApproves(t *testing.T) {
	b, reg, socketPath, stopBroker := startTestBroker(t)
	defer stopBroker()

	stopQuality := connectFakeWorker(t, socketPath, string(model.IdentityQuality))
	defer stopQuality()
	stopSynth := connectFakeWorker(t, socketPath, string(model.IdentitySynthesizer))
	defer stopSynth()

	require.Eventually(t, func() bool {
		return reg.Get(model.IdentityQuality) != nil && reg.Get(model.IdentitySynthesizer) != nil
	}, time.Second, 10*time.Millisecond)

	rtrCache := router.NewCache(time.Minute, router.DefaultRules())
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 3, Timeout: time.Second})
	eng := inmem.New()
	runner := workflow.NewRunner(workflow.RunnerConfig{WorkerDeadline: 2 * time.Second}, eng, reg, rtrCache, b, breakers)

	ev := model.ChangeEvent{
		Repository: "/repo",
		Branch:     "feature/x",
		Commit:     "abc123",
		Files:      []model.FileChange{{Path: "main.go", LinesAdded: 10}},
	}
	handle, err := runner.Submit(context.Background(), ev)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := handle.Result(ctx)
	require.NoError(t, err)

	wr, ok := result.(*model.WorkflowResult)
	require.True(t, ok)
	require.Equal(t, model.DecisionApprove, wr.Decision)
	require.Len(t, wr.Contributions, 2) // quality's analysis + the synthesizer's synthesis
}
