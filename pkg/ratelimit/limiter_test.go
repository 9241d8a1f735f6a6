package ratelimit

import (
	"testing"
	"time"
)

func TestInMemoryCountsWithinWindow(t *testing.T) {
	lim := NewInMemory(50 * time.Millisecond)
	key := "agent:agent-7"

	first := lim.Allow(key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := lim.Allow(key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := lim.Allow(key, 2)
	if third.Allowed {
		t.Fatalf("expected denial over limit, got %+v", third)
	}
	if third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("denied attempt should still count: %+v", third)
	}
}

func TestInMemoryWindowExpiry(t *testing.T) {
	lim := NewInMemory(40 * time.Millisecond)
	key := "agent:agent-7"

	lim.Allow(key, 1)
	if d := lim.Allow(key, 1); d.Allowed {
		t.Fatalf("expected denial before window rolls, got %+v", d)
	}
	time.Sleep(60 * time.Millisecond)
	fresh := lim.Allow(key, 1)
	if !fresh.Allowed || fresh.Count != 1 {
		t.Fatalf("expected fresh bucket after window, got %+v", fresh)
	}
}

func TestInMemoryKeysAreIndependent(t *testing.T) {
	lim := NewInMemory(time.Minute)
	lim.Allow("agent:a", 1)
	other := lim.Allow("agent:b", 1)
	if !other.Allowed || other.Count != 1 {
		t.Fatalf("expected separate counter per agent, got %+v", other)
	}
}

func TestInMemoryDefaults(t *testing.T) {
	lim := NewInMemory(0)
	if lim.window != time.Minute {
		t.Fatalf("expected one-minute default window, got %v", lim.window)
	}
	d := lim.Allow("agent:a", 0)
	if !d.Allowed || d.Limit != 1 {
		t.Fatalf("expected limit floor of 1, got %+v", d)
	}
}
