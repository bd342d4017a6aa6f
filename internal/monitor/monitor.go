// Package monitor implements an exponentially backed-off reachability
// probe: sleep an initial delay, then repeatedly sleep
// 2^min(n,maxN)*50ms and ping, reporting HostUp as soon as a ping
// succeeds. Grounded on the backoff shape of agent/consul/client.go's
// RPC retry loop (capped exponential backoff with a maxN derived from
// an upper bound), adapted here from "retry an RPC" to "probe a dead
// host until it answers."
package monitor

import (
	"context"
	"math"
	"time"
)

const step = 50 * time.Millisecond

// Ping dials addr with a throwaway connection and reports reachability.
type Ping func(ctx context.Context) error

// Probe runs until ctx is canceled or ping succeeds, at which point
// onUp is invoked exactly once and Probe returns nil. If ctx is
// canceled first, Probe returns ctx.Err() without calling onUp.
func Probe(ctx context.Context, initial time.Duration, upperBound time.Duration, ping Ping, onUp func()) error {
	if upperBound <= 0 {
		upperBound = 60 * time.Second
	}
	maxN := int(math.Floor(math.Log2(float64(upperBound) / float64(step))))
	if maxN < 0 {
		maxN = 0
	}

	if err := sleep(ctx, initial); err != nil {
		return err
	}

	for n := 0; ; n++ {
		shift := n
		if shift > maxN {
			shift = maxN
		}
		delay := step * time.Duration(uint64(1)<<uint(shift))

		if err := sleep(ctx, delay); err != nil {
			return err
		}

		if err := ping(ctx); err == nil {
			onUp()
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
