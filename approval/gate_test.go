package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrd/dataplane/approval"
	"github.com/orchestrd/dataplane/orcherrors"
)

func testConfig() approval.Config {
	return approval.Config{
		Kinds: map[string]approval.KindConfig{
			"deploy": {
				AllowedRoles:      []string{"lead", "admin"},
				RequiredApprovers: 1,
			},
			"auto-kind": {
				AutoApprove: func(map[string]any) bool { return true },
			},
		},
		RequestTTL: time.Hour,
	}
}

func TestApproveResolvesWaiter(t *testing.T) {
	g := approval.New(testConfig())
	req, err := g.CreateRequest("deploy", nil, "alice")
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait(context.Background(), req.ID) }()

	require.NoError(t, g.Approve(context.Background(), req.ID, "bob", "lead", "looks good"))
	require.NoError(t, <-waitErr)
}

func TestSelfApprovalForbidden(t *testing.T) {
	g := approval.New(testConfig())
	req, err := g.CreateRequest("deploy", nil, "alice")
	require.NoError(t, err)

	err = g.Approve(context.Background(), req.ID, "alice", "lead", "self")
	require.Error(t, err)
}

func TestRoleNotAllowed(t *testing.T) {
	g := approval.New(testConfig())
	req, err := g.CreateRequest("deploy", nil, "alice")
	require.NoError(t, err)

	err = g.Approve(context.Background(), req.ID, "bob", "intern", "nope")
	require.Error(t, err)
}

func TestRejectFailsWaiterWithNotApproved(t *testing.T) {
	g := approval.New(testConfig())
	req, err := g.CreateRequest("deploy", nil, "alice")
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait(context.Background(), req.ID) }()

	require.NoError(t, g.Reject(context.Background(), req.ID, "bob", "lead", "blocked"))
	require.ErrorIs(t, <-waitErr, orcherrors.NotApproved)
}

func TestAutoApprovalBypassesWait(t *testing.T) {
	g := approval.New(testConfig())
	req, err := g.CreateRequest("auto-kind", nil, "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, g.Wait(ctx, req.ID))
}

func TestExpirySweepResolvesWaiterAsNotApproved(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTTL = time.Millisecond
	g := approval.New(cfg)
	req, err := g.CreateRequest("deploy", nil, "alice")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- g.Wait(ctx, req.ID) }()

	// drive the sweep manually rather than waiting a full minute for the
	// background ticker.
	g.ForceSweepForTest()
	require.ErrorIs(t, <-done, orcherrors.NotApproved)
}
