package resource

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeSampler returns scripted readings
type fakeSampler struct {
	mu  sync.Mutex
	cpu float64
	mem float64
}

func (f *fakeSampler) Sample() (float64, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cpu, f.mem, nil
}

func (f *fakeSampler) set(cpu, mem float64) {
	f.mu.Lock()
	f.cpu = cpu
	f.mem = mem
	f.mu.Unlock()
}

func testLimits() Limits {
	return Limits{
		MaxCPUPercent:    80,
		MaxMemoryPercent: 80,
		CheckInterval:    10 * time.Millisecond,
	}
}

func TestMonitorAdmission(t *testing.T) {
	s := &fakeSampler{cpu: 50, mem: 40}
	m := NewMonitor(testLimits(), s)
	m.Start()
	defer m.Stop()

	if !m.CanAdmit() {
		t.Error("expected admission at 50/40 percent")
	}

	s.set(95, 40)
	time.Sleep(30 * time.Millisecond)

	if m.CanAdmit() {
		t.Error("expected denial at 95 percent cpu")
	}

	snap := m.Snapshot()
	if snap.Status != StatusCritical {
		t.Errorf("expected critical status, got %s", snap.Status)
	}
}

func TestMonitorStatusThresholds(t *testing.T) {
	tests := []struct {
		cpu, mem float64
		want     string
	}{
		{10, 10, StatusNormal},
		{75, 10, StatusNormal},
		{76, 10, StatusWarning},
		{10, 80, StatusWarning},
		{91, 10, StatusCritical},
		{10, 95, StatusCritical},
	}

	for _, tt := range tests {
		if got := statusFor(tt.cpu, tt.mem); got != tt.want {
			t.Errorf("statusFor(%v, %v) = %s, want %s", tt.cpu, tt.mem, got, tt.want)
		}
	}
}

func TestWaitAdmitBlocksUntilPressureClears(t *testing.T) {
	s := &fakeSampler{cpu: 95, mem: 40}
	m := NewMonitor(testLimits(), s)
	m.Start()
	defer m.Stop()

	time.Sleep(15 * time.Millisecond)
	if m.CanAdmit() {
		t.Fatal("expected denial before the test starts")
	}

	released := make(chan error, 1)
	go func() {
		released <- m.WaitAdmit(context.Background())
	}()

	// Still blocked while pressure holds.
	select {
	case <-released:
		t.Fatal("WaitAdmit returned under pressure")
	case <-time.After(40 * time.Millisecond):
	}

	s.set(30, 30)

	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("WaitAdmit returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitAdmit did not unblock after pressure cleared")
	}
}

func TestWaitAdmitHonorsCancellation(t *testing.T) {
	s := &fakeSampler{cpu: 95, mem: 95}
	m := NewMonitor(testLimits(), s)
	m.Start()
	defer m.Stop()

	time.Sleep(15 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	released := make(chan error, 1)
	go func() {
		released <- m.WaitAdmit(ctx)
	}()

	cancel()

	select {
	case err := <-released:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitAdmit did not unblock on cancellation")
	}
}

func TestMonitorOnSampleCallback(t *testing.T) {
	s := &fakeSampler{cpu: 42, mem: 17}
	m := NewMonitor(testLimits(), s)

	got := make(chan Snapshot, 16)
	m.OnSample = func(snap Snapshot) {
		select {
		case got <- snap:
		default:
		}
	}

	m.Start()
	defer m.Stop()

	select {
	case snap := <-got:
		if snap.CPUPercent != 42 || snap.MemoryPercent != 17 {
			t.Errorf("unexpected snapshot %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("OnSample never fired")
	}
}
