package llm

import (
	"context"
	"sync"
	"time"
)

const (
	rateWindow = time.Minute
	// rateHeadroom keeps admissions under the provider limit so estimate
	// drift does not trip upstream throttling.
	rateHeadroom = 0.9
)

type spend struct {
	at     time.Time
	tokens int
}

// RateGate admits requests against per-model token-per-minute limits using a
// sliding sixty-second window. Keys without a configured limit pass through.
// Safe for concurrent use; a blocked Wait stalls only its caller.
type RateGate struct {
	mu     sync.Mutex
	limits map[string]int
	spent  map[string][]spend
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRateGate creates a gate from per-key token-per-minute limits. A nil
// clock uses time.Now.
func NewRateGate(limits map[string]int, clock func() time.Time) *RateGate {
	if clock == nil {
		clock = time.Now
	}
	return &RateGate{
		limits: limits,
		spent:  make(map[string][]spend),
		now:    clock,
		sleep:  sleepContext,
	}
}

// Wait blocks until tokens fit under the key's admission budget or ctx is
// cancelled. The reservation is recorded on admission.
func (g *RateGate) Wait(ctx context.Context, key string, tokens int) error {
	limit, ok := g.limits[key]
	if !ok || limit <= 0 {
		return nil
	}

	budget := int(float64(limit) * rateHeadroom)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		admitted, delay := g.admit(key, tokens, budget)
		if admitted {
			return nil
		}
		if err := g.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// admit reserves tokens when they fit; otherwise it returns how long until
// the oldest window entry expires.
func (g *RateGate) admit(key string, tokens, budget int) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	entries := g.prune(key, now)

	used := 0
	for _, s := range entries {
		used += s.tokens
	}

	// an oversized single request passes on an empty window; the provider
	// is the final arbiter of its own limits
	if used == 0 || used+tokens <= budget {
		g.spent[key] = append(entries, spend{at: now, tokens: tokens})
		return true, 0
	}

	wait := entries[0].at.Add(rateWindow).Sub(now)
	if wait <= 0 {
		wait = 10 * time.Millisecond
	}
	return false, wait
}

func (g *RateGate) prune(key string, now time.Time) []spend {
	entries := g.spent[key]
	cutoff := now.Add(-rateWindow)

	keep := entries[:0]
	for _, s := range entries {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	g.spent[key] = keep
	return keep
}
