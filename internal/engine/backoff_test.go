package engine

import (
	"testing"
	"time"
)

func TestBackoffDoublesToMax(t *testing.T) {
	b := backoff{policy: RetryPolicy{MaxConsecutive: 10, Initial: time.Second, Max: 4 * time.Second}}

	expect := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, want := range expect {
		delay, ok := b.Fail()
		if !ok {
			t.Fatalf("attempt %d unexpectedly exhausted", i)
		}
		if delay != want {
			t.Fatalf("attempt %d: expected %s, got %s", i, want, delay)
		}
	}
}

func TestBackoffExhaustsBudget(t *testing.T) {
	b := backoff{policy: RetryPolicy{MaxConsecutive: 2, Initial: time.Millisecond, Max: time.Second}}
	if _, ok := b.Fail(); !ok {
		t.Fatalf("first failure should allow retry")
	}
	if _, ok := b.Fail(); !ok {
		t.Fatalf("second failure should allow retry")
	}
	if _, ok := b.Fail(); ok {
		t.Fatalf("third failure should exhaust the budget")
	}
}

func TestBackoffReset(t *testing.T) {
	b := backoff{policy: RetryPolicy{MaxConsecutive: 1, Initial: time.Second, Max: time.Minute}}
	if _, ok := b.Fail(); !ok {
		t.Fatalf("first failure should allow retry")
	}
	b.Reset()
	delay, ok := b.Fail()
	if !ok {
		t.Fatalf("reset should restore the budget")
	}
	if delay != time.Second {
		t.Fatalf("reset should restart the delay ladder, got %s", delay)
	}
	if b.Failures() != 1 {
		t.Fatalf("expected failure count 1 after reset, got %d", b.Failures())
	}
}

func TestBackoffUnlimitedBudget(t *testing.T) {
	b := backoff{policy: RetryPolicy{MaxConsecutive: 0, Initial: time.Millisecond, Max: time.Millisecond}}
	for i := 0; i < 100; i++ {
		if _, ok := b.Fail(); !ok {
			t.Fatalf("unlimited policy exhausted at attempt %d", i)
		}
	}
}
