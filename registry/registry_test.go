package registry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrd/dataplane/model"
	"github.com/orchestrd/dataplane/registry"
)

type fakeConn struct{ closed bool }

func (c *fakeConn) Close() error { c.closed = true; return nil }

func TestInstallReplacesAndClosesPrior(t *testing.T) {
	r := registry.New()
	id := model.WorkerIdentity("coder")

	c1 := &fakeConn{}
	h1 := &registry.Handle{Identity: id, Conn: c1, Status: model.StatusIdle}
	require.Nil(t, r.Install(h1))

	c2 := &fakeConn{}
	h2 := &registry.Handle{Identity: id, Conn: c2, Status: model.StatusIdle}
	prev := r.Install(h2)
	require.Same(t, h1, prev)
	require.True(t, c1.closed)
	require.Same(t, h2, r.Get(id))
}

func TestEvictOnlyRemovesMatchingHandle(t *testing.T) {
	r := registry.New()
	id := model.WorkerIdentity("reviewer")
	h1 := &registry.Handle{Identity: id, Conn: &fakeConn{}}
	r.Install(h1)

	h2 := &registry.Handle{Identity: id, Conn: &fakeConn{}}
	r.Install(h2)

	// h1 was already replaced; evicting it must not remove h2.
	r.Evict(id, h1)
	require.Same(t, h2, r.Get(id))

	r.Evict(id, h2)
	require.Nil(t, r.Get(id))
}

func TestReserveReleaseTracksStatusAndLatency(t *testing.T) {
	r := registry.New()
	id := model.WorkerIdentity("tester")
	h := &registry.Handle{Identity: id, Status: model.StatusIdle}
	r.Install(h)

	r.Reserve(id, "task-1")
	require.Equal(t, model.StatusBusy, h.Status)
	require.Equal(t, 1, h.QueueDepth())

	r.Release(id, "task-1", 50*time.Millisecond)
	require.Equal(t, model.StatusIdle, h.Status)
	require.Equal(t, 0, h.QueueDepth())

	snap := r.SnapshotHealth()[id]
	require.InDelta(t, 50, snap.EWMALatencyMS, 0.01)
}

func TestDegradeBlocksIdleReversion(t *testing.T) {
	r := registry.New()
	id := model.WorkerIdentity("degraded-worker")
	h := &registry.Handle{Identity: id, Status: model.StatusIdle}
	r.Install(h)

	r.Reserve(id, "task-1")
	r.Degrade(id)
	r.Release(id, "task-1", 0)
	require.Equal(t, model.StatusDegraded, h.Status)

	r.Undegrade(id)
	require.Equal(t, model.StatusIdle, h.Status)
}

func TestListAndSnapshotHealth(t *testing.T) {
	r := registry.New()
	r.Install(&registry.Handle{Identity: model.WorkerIdentity("a"), Status: model.StatusIdle})
	r.Install(&registry.Handle{Identity: model.WorkerIdentity("b"), Status: model.StatusIdle})

	require.Len(t, r.List(), 2)
	require.Len(t, r.SnapshotHealth(), 2)
}
