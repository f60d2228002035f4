package relay

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestHeaderLimiterCleanIPNotThrottled(t *testing.T) {
	h := NewHeaderLimiter(1, 1)
	ip := net.ParseIP("203.0.113.10")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := h.Wait(ctx, ip); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("clean IP waited %v, want immediate pass", elapsed)
	}
}

func TestHeaderLimiterThrottlesAfterFailures(t *testing.T) {
	h := NewHeaderLimiter(1, 1)
	ip := net.ParseIP("203.0.113.11")

	// Burn the burst plus one: the bucket is now in debt.
	h.RecordFailure(ip)
	h.RecordFailure(ip)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.Wait(ctx, ip); err == nil {
		t.Fatal("expected throttled Wait to fail against a short deadline")
	}

	// Other IPs keep passing immediately.
	other := net.ParseIP("203.0.113.12")
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if err := h.Wait(ctx2, other); err != nil {
		t.Fatalf("unrelated IP throttled: %v", err)
	}
}

func TestHeaderLimiterForget(t *testing.T) {
	h := NewHeaderLimiter(1, 1)
	ip := net.ParseIP("203.0.113.13")

	h.RecordFailure(ip)
	h.RecordFailure(ip)
	h.Forget(ip)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.Wait(ctx, ip); err != nil {
		t.Fatalf("Wait after Forget: %v", err)
	}
}
