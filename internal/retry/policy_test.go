package retry

import (
	"testing"
	"time"
)

// TestDefaultPolicy verifies the baseline default values.
func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Base != time.Second {
		t.Fatalf("expected base 1s got %v", p.Base)
	}
	if p.Cap != 30*time.Second {
		t.Fatalf("expected cap 30s got %v", p.Cap)
	}
	if p.MaxRetries != 3 {
		t.Fatalf("expected max retries 3 got %d", p.MaxRetries)
	}
}

// TestNewPolicyOverrides checks override precedence and clamping when base > cap.
func TestNewPolicyOverrides(t *testing.T) {
	p := NewPolicy(5*time.Second, 2*time.Second, 5)
	if p.Base != 2*time.Second {
		t.Fatalf("expected clamped base 2s got %v", p.Base)
	}
	if p.Cap != 2*time.Second {
		t.Fatalf("expected cap 2s got %v", p.Cap)
	}
	if p.MaxRetries != 5 {
		t.Fatalf("expected maxRetries 5 got %d", p.MaxRetries)
	}
}

// TestDelayDoublesAndCaps ensures exponential growth respects the cap.
func TestDelayDoublesAndCaps(t *testing.T) {
	p := NewPolicy(time.Second, 30*time.Second, 3)
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{7, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, c := range cases {
		if got := p.Delay(c.attempt); got != c.want {
			t.Fatalf("attempt %d expected %v got %v", c.attempt, c.want, got)
		}
	}
}

// TestDelayEdgeCases ensures non-positive attempts yield zero and negative attempts don't panic.
func TestDelayEdgeCases(t *testing.T) {
	p := NewPolicy(10*time.Millisecond, 20*time.Millisecond, 1)
	if d := p.Delay(0); d != 0 {
		t.Fatalf("attempt 0 expected 0 got %v", d)
	}
	if d := p.Delay(-1); d != 0 {
		t.Fatalf("attempt -1 expected 0 got %v", d)
	}
}

// TestExhausted covers the retry ceiling.
func TestExhausted(t *testing.T) {
	p := NewPolicy(time.Second, time.Minute, 3)
	if p.Exhausted(2) {
		t.Fatalf("retry 2 of 3 should not be exhausted")
	}
	if !p.Exhausted(3) {
		t.Fatalf("retry 3 of 3 should be exhausted")
	}
}

// TestValidate covers validation error paths.
func TestValidate(t *testing.T) {
	if err := (Policy{Base: 0, Cap: time.Second, MaxRetries: 1}).Validate(); err == nil {
		t.Fatalf("expected error for zero base")
	}
	if err := (Policy{Base: time.Second, Cap: 0, MaxRetries: 1}).Validate(); err == nil {
		t.Fatalf("expected error for zero cap")
	}
	if err := (Policy{Base: time.Second, Cap: 2 * time.Second, MaxRetries: -1}).Validate(); err == nil {
		t.Fatalf("expected error for negative retries")
	}
	if err := (Policy{Base: time.Second, Cap: 2 * time.Second, MaxRetries: 0}).Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
