package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/orchestrd/dataplane/breaker"
)

// outcome is one call fed to a breaker sequence: true means the call
// succeeds, false means it fails. Timeouts are not modeled separately:
// Execute treats a context deadline error as an ordinary failure outcome.
type outcome bool

var errBoom = errors.New("boom")

func runSequence(outcomes []outcome, cfg breaker.Config) []string {
	b := breaker.New("seq", cfg)
	trace := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		fn := func(context.Context) (int, error) {
			if o {
				return 1, nil
			}
			return 0, errBoom
		}
		_, _ = breaker.Execute(context.Background(), b, fn, nil)
		trace = append(trace, string(b.Stats().Mode))
	}
	return trace
}

// TestBreakerTraceDeterministic verifies that replaying the same
// failure/success sequence against a fresh breaker with the same config
// yields the same mode trace every time, since transitions depend only on
// the counted outcomes and thresholds, never on wall-clock jitter within a
// single admitted call.
func TestBreakerTraceDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	cfg := breaker.Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Hour}

	properties.Property("replaying an outcome sequence reproduces the same trace", prop.ForAll(
		func(bits []bool) bool {
			outcomes := make([]outcome, len(bits))
			for i, v := range bits {
				outcomes[i] = outcome(v)
			}
			first := runSequence(outcomes, cfg)
			second := runSequence(outcomes, cfg)
			if len(first) != len(second) {
				return false
			}
			for i := range first {
				if first[i] != second[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
