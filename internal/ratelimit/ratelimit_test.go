package ratelimit

import (
	"testing"
	"time"
)

func TestAllowPerAgentWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := New(2)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("agent-a"); !ok {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	ok, wait := rl.Allow("agent-a")
	if ok || wait != time.Minute {
		t.Fatalf("third call should wait a minute, got %v %v", ok, wait)
	}
	if ok, _ := rl.Allow("agent-b"); !ok {
		t.Fatalf("agents must not share a bucket")
	}

	now = now.Add(time.Minute)
	if ok, _ := rl.Allow("agent-a"); !ok {
		t.Fatalf("bucket should refill after the window")
	}
}

func TestPruneDropsIdleAgents(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := New(5)
	rl.now = func() time.Time { return now }
	rl.Allow("a")
	rl.Allow("b")

	now = now.Add(30 * time.Second)
	rl.Allow("c")
	now = now.Add(31 * time.Second)

	if n := rl.Prune(); n != 2 {
		t.Fatalf("expected 2 pruned, got %d", n)
	}
	if _, ok := rl.lastReset["c"]; !ok {
		t.Fatalf("active agent was pruned")
	}
}

func TestZeroLimitDisablesLimiting(t *testing.T) {
	rl := New(0)
	for i := 0; i < 100; i++ {
		if ok, _ := rl.Allow("x"); !ok {
			t.Fatalf("limiting should be disabled")
		}
	}
}
