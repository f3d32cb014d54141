package llm

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock drives the gate's sliding window; sleeps advance it instantly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testGate(limits map[string]int) (*RateGate, *fakeClock, *[]time.Duration) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	gate := NewRateGate(limits, clock.Now)

	var slept []time.Duration
	gate.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock.Advance(d)
		return nil
	}

	return gate, clock, &slept
}

func TestRateGateUnlimitedKey(t *testing.T) {
	gate, _, slept := testGate(map[string]int{"openai/gpt-strong": 1000})

	if err := gate.Wait(context.Background(), "openai/gpt-mini", 1_000_000); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if len(*slept) != 0 {
		t.Errorf("unlimited key slept %v, want none", *slept)
	}
}

func TestRateGateAdmitsUnderBudget(t *testing.T) {
	gate, _, slept := testGate(map[string]int{"openai/gpt-strong": 1000})

	// headroom trims the 1000 tpm limit to a 900 token budget
	for i := 0; i < 2; i++ {
		if err := gate.Wait(context.Background(), "openai/gpt-strong", 400); err != nil {
			t.Fatalf("Wait %d returned error: %v", i+1, err)
		}
	}
	if len(*slept) != 0 {
		t.Errorf("under-budget waits slept %v, want none", *slept)
	}
}

func TestRateGateBlocksUntilWindowExpires(t *testing.T) {
	gate, _, slept := testGate(map[string]int{"openai/gpt-strong": 1000})

	ctx := context.Background()
	if err := gate.Wait(ctx, "openai/gpt-strong", 400); err != nil {
		t.Fatalf("first Wait returned error: %v", err)
	}
	if err := gate.Wait(ctx, "openai/gpt-strong", 400); err != nil {
		t.Fatalf("second Wait returned error: %v", err)
	}

	// third request overflows the 900 budget until the first entry ages out
	if err := gate.Wait(ctx, "openai/gpt-strong", 400); err != nil {
		t.Fatalf("third Wait returned error: %v", err)
	}
	if len(*slept) != 1 {
		t.Fatalf("slept %d times, want 1", len(*slept))
	}
	if (*slept)[0] != time.Minute {
		t.Errorf("slept %v, want %v", (*slept)[0], time.Minute)
	}
}

func TestRateGateOversizedRequestPasses(t *testing.T) {
	gate, _, slept := testGate(map[string]int{"openai/gpt-strong": 1000})

	// a single request above the budget admits on an empty window rather
	// than deadlocking
	if err := gate.Wait(context.Background(), "openai/gpt-strong", 5000); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if len(*slept) != 0 {
		t.Errorf("oversized request slept %v, want none", *slept)
	}
}

func TestRateGateCancelledContext(t *testing.T) {
	gate, _, _ := testGate(map[string]int{"openai/gpt-strong": 1000})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := gate.Wait(ctx, "openai/gpt-strong", 400); err != context.Canceled {
		t.Fatalf("Wait returned %v, want context.Canceled", err)
	}
}

func TestRateGateKeysIsolated(t *testing.T) {
	gate, _, slept := testGate(map[string]int{
		"openai/gpt-strong": 1000,
		"gemini/gemini-pro": 1000,
	})

	ctx := context.Background()
	if err := gate.Wait(ctx, "openai/gpt-strong", 900); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if err := gate.Wait(ctx, "gemini/gemini-pro", 900); err != nil {
		t.Fatalf("Wait on second key returned error: %v", err)
	}
	if len(*slept) != 0 {
		t.Errorf("independent keys slept %v, want none", *slept)
	}
}
