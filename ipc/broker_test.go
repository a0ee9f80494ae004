package ipc_test

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

	"github.com/orchestrd/dataplane/ipc"
	"github.com/orchestrd/dataplane/model"
	"github.com/orchestrd/dataplane/orcherrors"
	"github.com/orchestrd/dataplane/registry"
)

func socketPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), fmt.Sprintf("broker-%d.sock", time.Now().UnixNano()))
}

func startBroker(t *testing.T, cfg ipc.Config, reg *registry.Registry) (*ipc.Broker, func()) {
	b := ipc.New(cfg, reg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Serve(ctx)
	}()
	go b.RunHeartbeatSweep(ctx)

	// wait for the socket file to appear before the test dials it.
	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.SocketPath)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	return b, func() {
		cancel()
		<-done
	}
}

func dialAndAuth(t *testing.T, path, token, agentID string) (net.Conn, *bufio.Reader) {
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)

	data, err := json.Marshal(ipc.AuthData{Token: token, AgentID: agentID})
	require.NoError(t, err)
	env := ipc.Envelope{ID: "auth-1", Type: ipc.FrameAuth, Agent: agentID, Timestamp: time.Now(), Data: data}
	b, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = w.Write(append(b, '\n'))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	return conn, r
}

func TestHandshakeAdmitsAllowedAgentWithCorrectToken(t *testing.T) {
	reg := registry.New()
	path := socketPath(t)
	cfg := ipc.Config{
		SocketPath:    path,
		Token:         "secret",
		AllowedAgents: map[string]bool{"coder": true},
	}
	_, stop := startBroker(t, cfg, reg)
	defer stop()

	conn, _ := dialAndAuth(t, path, "secret", "coder")
	defer conn.Close()

	require.Eventually(t, func() bool {
		return reg.Get(model.WorkerIdentity("coder")) != nil
	}, time.Second, 10*time.Millisecond)
}

func TestHandshakeRejectsWrongToken(t *testing.T) {
	reg := registry.New()
	path := socketPath(t)
	cfg := ipc.Config{SocketPath: path, Token: "secret", AllowedAgents: map[string]bool{"coder": true}}
	_, stop := startBroker(t, cfg, reg)
	defer stop()

	conn, r := dialAndAuth(t, path, "wrong", "coder")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := r.ReadByte()
	require.Error(t, err) // stream closed, no further bytes

	require.Nil(t, reg.Get(model.WorkerIdentity("coder")))
}

func TestDispatchAndCollectRoundTrip(t *testing.T) {
	reg := registry.New()
	path := socketPath(t)
	cfg := ipc.Config{SocketPath: path, Token: "secret", AllowedAgents: map[string]bool{"coder": true}}
	b, stop := startBroker(t, cfg, reg)
	defer stop()

	conn, r := dialAndAuth(t, path, "secret", "coder")
	defer conn.Close()
	w := bufio.NewWriter(conn)

	require.Eventually(t, func() bool {
		return reg.Get(model.WorkerIdentity("coder")) != nil
	}, time.Second, 10*time.Millisecond)

	taskData := ipc.TaskData{
		Scope:      []string{"main.go"},
		Context:    ipc.TaskContext{RepoRoot: "/repo", Commit: "abc", Branch: "main"},
		Output:     "/tmp/out.json",
		DeadlineMS: 5000,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Dispatch(context.Background(), model.WorkerIdentity("coder"), "task-1", taskData)
	}()
	require.NoError(t, <-errCh)

	env, err := readOneFrame(r)
	require.NoError(t, err)
	require.Equal(t, ipc.FrameTask, env.Type)
	require.Equal(t, "task-1", env.ID)

	resp := ipc.ResponseData{
		Status: ipc.ResponseDone,
		KPIs:   ipc.ResponseKPIs{LatencyMS: 12, Tokens: 100, Findings: 2},
	}
	respData, err := json.Marshal(resp)
	require.NoError(t, err)
	replyEnv := ipc.Envelope{ID: "task-1", Type: ipc.FrameTask, Agent: "coder", Timestamp: time.Now(), Data: respData}
	replyBytes, err := json.Marshal(replyEnv)
	require.NoError(t, err)
	_, err = w.Write(append(replyBytes, '\n'))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	collected, err := b.Collect(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, ipc.ResponseDone, collected.Status)
	require.Equal(t, 2, collected.KPIs.Findings)
}

func TestDispatchToUnknownWorkerFails(t *testing.T) {
	reg := registry.New()
	b := ipc.New(ipc.Config{SocketPath: socketPath(t), Token: "x"}, reg)
	err := b.Dispatch(context.Background(), model.WorkerIdentity("ghost"), "t1", ipc.TaskData{})
	require.ErrorIs(t, err, orcherrors.WorkerUnavailable)
}

func readOneFrame(r *bufio.Reader) (ipc.Envelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return ipc.Envelope{}, err
	}
	var env ipc.Envelope
	err = json.Unmarshal(line, &env)
	return env, err
}
