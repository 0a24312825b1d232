package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterBurst(t *testing.T) {
	l := NewLimiter(1, 3)

	// The bucket starts full, so the burst is immediately available.
	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("expected token %d within burst", i+1)
		}
	}
	if l.Allow() {
		t.Fatal("expected empty bucket after burst")
	}
}

func TestLimiterRefill(t *testing.T) {
	l := NewLimiter(100, 1)

	if !l.Allow() {
		t.Fatal("expected initial token")
	}
	if l.Allow() {
		t.Fatal("expected empty bucket")
	}

	// At 100 tokens/sec a token accrues within 10ms.
	time.Sleep(25 * time.Millisecond)
	if !l.Allow() {
		t.Fatal("expected token after refill window")
	}
}

func TestLimiterWaitPacing(t *testing.T) {
	l := NewLimiter(100, 1)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	}
	elapsed := time.Since(start)

	// First token is free, the remaining four accrue at 10ms each.
	if elapsed < 30*time.Millisecond {
		t.Errorf("5 waits finished in %v, pacing not applied", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("5 waits took %v, pacing far too slow", elapsed)
	}
}

func TestLimiterWaitCancellation(t *testing.T) {
	l := NewLimiter(0.01, 1) // one token per 100 seconds
	if !l.Allow() {
		t.Fatal("expected initial token")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Wait(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock on cancellation")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if !l.Allow() {
			t.Fatal("disabled limiter refused a token")
		}
	}
}

func TestPerServiceIsolation(t *testing.T) {
	p := NewPerService()
	p.Register("discovery", 1, 1)
	p.Register("transfer", 1, 5)

	if !p.Get("discovery").Allow() {
		t.Fatal("expected discovery token")
	}
	if p.Get("discovery").Allow() {
		t.Fatal("discovery bucket should be empty")
	}

	// Draining discovery leaves transfer untouched.
	for i := 0; i < 5; i++ {
		if !p.Get("transfer").Allow() {
			t.Fatalf("expected transfer token %d", i+1)
		}
	}
}

func TestPerServiceUnregisteredPassesThrough(t *testing.T) {
	p := NewPerService()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := p.Wait(ctx, "unknown"); err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("unregistered service waited %v", elapsed)
	}
}
