//go:build property
// +build property

package kvs_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sujan174/Ai-Link-sub000/pkg/kvs"
)

// TestRateLimitAdmissionBound verifies the invariant C2's RateLimit action
// depends on (spec §4.4): no matter how many times IncrementIfUnder is
// called against one key within its window, the number of calls it admits
// (returns true) never exceeds the configured max.
func TestRateLimitAdmissionBound(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("admitted count never exceeds max", prop.ForAll(
		func(max int, attempts int) bool {
			store := kvs.NewFake()
			ctx := context.Background()
			admitted := 0
			for i := 0; i < attempts; i++ {
				ok, _, _, err := store.IncrementIfUnder(ctx, "k", time.Minute, int64(max))
				if err != nil {
					return false
				}
				if ok {
					admitted++
				}
			}
			return admitted <= max
		},
		gen.IntRange(1, 50),
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}
