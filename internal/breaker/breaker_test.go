package breaker

import (
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenRequests: 2,
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := New("discover", testConfig())

	// Failures below the threshold keep the breaker closed.
	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("closed breaker refused call %d: %v", i, err)
		}
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}

	// The third consecutive failure opens it.
	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker refused call: %v", err)
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}

	var openErr *ErrOpen
	if err := b.Allow(); !errors.As(err, &openErr) {
		t.Fatalf("expected ErrOpen while open, got %v", err)
	}
	if openErr.RetryAfter <= 0 {
		t.Errorf("expected positive retry-after, got %v", openErr.RetryAfter)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New("discover", testConfig())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Fatalf("non-consecutive failures opened the breaker: %s", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 consecutive failures, got %s", b.State())
	}
}

func TestBreakerHalfOpenProbeBudget(t *testing.T) {
	b := New("transfer", testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(60 * time.Millisecond)

	// Exactly HalfOpenRequests probes are admitted.
	if err := b.Allow(); err != nil {
		t.Fatalf("first probe refused: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open after recovery timeout, got %s", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("second probe refused: %v", err)
	}
	if err := b.Allow(); err == nil {
		t.Fatal("third call admitted past the probe budget")
	}

	// Both probes succeeding closes the breaker.
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("closed before all probes reported: %s", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after probe successes, got %s", b.State())
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker refused call: %v", err)
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := New("transfer", testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe refused: %v", err)
	}
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("expected reopen after failed probe, got %s", b.State())
	}

	// The recovery clock restarted, so calls are refused again.
	if err := b.Allow(); err == nil {
		t.Fatal("expected refusal right after reopen")
	}

	// And a full recovery cycle works from the reopened state.
	time.Sleep(60 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe after second recovery refused: %v", err)
	}
	b.RecordSuccess()
	if err := b.Allow(); err != nil {
		t.Fatalf("second probe refused: %v", err)
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	transitions := make(chan string, 8)
	cfg := testConfig()
	cfg.OnStateChange = func(name, from, to string) {
		transitions <- from + ">" + to
	}

	b := New("discover", cfg)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	select {
	case tr := <-transitions:
		if tr != "closed>open" {
			t.Errorf("expected closed>open, got %s", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("no transition callback fired")
	}
}

func TestRegistryCreatesPerDomain(t *testing.T) {
	r := NewRegistry(testConfig())

	d := r.Get("discover")
	tr := r.Get("transfer")
	if d == tr {
		t.Fatal("expected distinct breakers per domain")
	}
	if r.Get("discover") != d {
		t.Fatal("expected the same breaker on repeat lookup")
	}

	// Opening one domain leaves the other untouched.
	for i := 0; i < 3; i++ {
		d.RecordFailure()
	}
	if d.State() != StateOpen {
		t.Fatalf("expected discover open, got %s", d.State())
	}
	if tr.State() != StateClosed {
		t.Fatalf("expected transfer closed, got %s", tr.State())
	}

	snaps := r.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
}
