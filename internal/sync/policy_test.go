package sync

import (
	"testing"
	"time"
)

func TestRetryPolicy_DelayDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestRetryPolicy_DelayZeroBase(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	if got := p.Delay(2); got != 0 {
		t.Errorf("Delay() = %v, want 0", got)
	}
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	if p.Exhausted(2) {
		t.Error("Exhausted(2) = true, want false")
	}
	if !p.Exhausted(3) {
		t.Error("Exhausted(3) = false, want true")
	}
	if !(RetryPolicy{}).Exhausted(0) {
		t.Error("zero policy should never retry")
	}
}
