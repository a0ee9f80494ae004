package pool_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrd/dataplane/orcherrors"
	"github.com/orchestrd/dataplane/pool"
)

type fakeStream struct {
	connected atomic.Bool
}

func (s *fakeStream) Connect(context.Context) error { s.connected.Store(true); return nil }
func (s *fakeStream) Connected() bool                { return s.connected.Load() }
func (s *fakeStream) Close() error                   { s.connected.Store(false); return nil }

func dialer() pool.Stream { return &fakeStream{} }

func TestFirstAcquireReleaseAddsOneIdleStream(t *testing.T) {
	p := pool.New(dialer, pool.Config{Max: 3, AcquireTimeout: time.Second})
	before := p.Stats()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(h, nil)

	after := p.Stats()
	require.Equal(t, before.Size+1, after.Size)
	require.Equal(t, 1, after.Idle)
}

func TestAcquireExhaustedAtMax(t *testing.T) {
	p := pool.New(dialer, pool.Config{Max: 1, AcquireTimeout: 30 * time.Millisecond})
	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, orcherrors.PoolExhausted)

	p.Release(h1, nil)
}

func TestAcquireAfterCloseFailsPoolClosed(t *testing.T) {
	p := pool.New(dialer, pool.Config{Max: 2})
	require.NoError(t, p.Close())

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, orcherrors.PoolClosed)
}

func TestWithReleasesOnSuccessAndFailure(t *testing.T) {
	p := pool.New(dialer, pool.Config{Max: 1, AcquireTimeout: time.Second})

	_, err := pool.With(context.Background(), p, func(pool.Stream) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, p.Stats().Idle)

	_, err = pool.With(context.Background(), p, func(pool.Stream) (int, error) {
		return 0, assertErr
	})
	require.ErrorIs(t, err, assertErr)
	// the failed stream is discarded, not returned idle, and its slot is
	// released from size; a reconnect only refills the pool up to Min.
	require.Equal(t, 0, p.Stats().Idle)
}

var assertErr = orcherrors.Transient
