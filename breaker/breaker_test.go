package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrd/dataplane/breaker"
	"github.com/orchestrd/dataplane/model"
	"github.com/orchestrd/dataplane/orcherrors"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := breaker.New("test", breaker.Config{FailureThreshold: 3, Timeout: time.Hour})
	boom := errors.New("boom")
	fail := func(context.Context) (int, error) { return 0, boom }

	for range 3 {
		_, err := breaker.Execute(context.Background(), b, fail, nil)
		require.ErrorIs(t, err, boom)
	}
	require.Equal(t, model.BreakerOpen, b.Stats().Mode)

	_, err := breaker.Execute(context.Background(), b, fail, nil)
	require.ErrorIs(t, err, orcherrors.BreakerOpen)
}

func TestBreakerHalfOpenRecoversOnSuccesses(t *testing.T) {
	b := breaker.New("test", breaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
	})
	boom := errors.New("boom")
	fail := func(context.Context) (int, error) { return 0, boom }
	ok := func(context.Context) (int, error) { return 1, nil }

	_, err := breaker.Execute(context.Background(), b, fail, nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, model.BreakerOpen, b.Stats().Mode)

	time.Sleep(20 * time.Millisecond)

	_, err = breaker.Execute(context.Background(), b, ok, nil)
	require.NoError(t, err)
	require.Equal(t, model.BreakerHalfOpen, b.Stats().Mode)

	_, err = breaker.Execute(context.Background(), b, ok, nil)
	require.NoError(t, err)
	require.Equal(t, model.BreakerClosed, b.Stats().Mode)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := breaker.New("test", breaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
	})
	boom := errors.New("boom")
	fail := func(context.Context) (int, error) { return 0, boom }

	_, _ = breaker.Execute(context.Background(), b, fail, nil)
	time.Sleep(20 * time.Millisecond)

	_, err := breaker.Execute(context.Background(), b, fail, nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, model.BreakerOpen, b.Stats().Mode)
}

func TestBreakerFallbackInvokedWhenOpen(t *testing.T) {
	b := breaker.New("test", breaker.Config{FailureThreshold: 1, Timeout: time.Hour})
	boom := errors.New("boom")
	fail := func(context.Context) (int, error) { return 0, boom }
	_, _ = breaker.Execute(context.Background(), b, fail, nil)
	require.Equal(t, model.BreakerOpen, b.Stats().Mode)

	fallback := func(context.Context) (int, error) { return 42, nil }
	result, err := breaker.Execute(context.Background(), b, fail, fallback)
	require.NoError(t, err)
	require.Equal(t, 42, result)
}

func TestRetryDoStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	attempts := 0
	fn := func(context.Context) (int, error) {
		attempts++
		return 0, permanent
	}
	policy := breaker.RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Retryable:   func(error) bool { return false },
	}
	_, err := breaker.Do(context.Background(), nil, policy, fn)
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, attempts)
}

func TestRetryDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	fn := func(context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, orcherrors.Transient
		}
		return 7, nil
	}
	policy := breaker.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	result, err := breaker.Do(context.Background(), nil, policy, fn)
	require.NoError(t, err)
	require.Equal(t, 7, result)
	require.Equal(t, 3, attempts)
}

func TestRegistryGetOrCreateReusesBreaker(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Config{})
	a := reg.GetOrCreate("call-site")
	b := reg.GetOrCreate("call-site")
	require.Same(t, a, b)
}
