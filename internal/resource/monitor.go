package resource

import (
	"context"
	"sync"
	"time"

	"github.com/masshaul/masshaul/internal/logger"
)

// Resource status constants
const (
	StatusNormal   = "normal"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

const (
	warningPercent  = 75
	criticalPercent = 90
)

// Limits defines the admission thresholds
type Limits struct {
	MaxCPUPercent    float64
	MaxMemoryPercent float64
	CheckInterval    time.Duration
}

// DefaultLimits returns the standard admission thresholds
func DefaultLimits() Limits {
	return Limits{
		MaxCPUPercent:    80,
		MaxMemoryPercent: 80,
		CheckInterval:    5 * time.Second,
	}
}

// Snapshot is one utilization reading
type Snapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Status        string    `json:"status"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Sampler produces utilization readings. The production sampler reads
// procfs; tests inject deterministic values.
type Sampler interface {
	Sample() (cpuPercent, memoryPercent float64, err error)
}

// Monitor samples host utilization on an interval and converts it into
// an admission signal. Denied admission is backpressure: WaitAdmit
// blocks until utilization drops, it never fails the waiting work.
type Monitor struct {
	limits  Limits
	sampler Sampler
	log     *logger.Logger

	// OnSample, when set before Start, receives every reading.
	OnSample func(Snapshot)

	mu      sync.RWMutex
	current Snapshot
	changed chan struct{}

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewMonitor creates a monitor. A nil sampler selects the procfs
// sampler.
func NewMonitor(limits Limits, sampler Sampler) *Monitor {
	if limits.CheckInterval <= 0 {
		limits.CheckInterval = 5 * time.Second
	}
	if sampler == nil {
		sampler = newProcSampler()
	}
	return &Monitor{
		limits:   limits,
		sampler:  sampler,
		log:      logger.Default().WithComponent("resource"),
		changed:  make(chan struct{}),
		stopChan: make(chan struct{}),
	}
}

// Start launches the background sampler
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.sampleOnce()

	m.wg.Add(1)
	go m.run()
}

// Stop halts the background sampler
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.limits.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *Monitor) sampleOnce() {
	cpu, mem, err := m.sampler.Sample()
	if err != nil {
		m.log.Warn(context.Background(), "resource sample failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	snap := Snapshot{
		CPUPercent:    cpu,
		MemoryPercent: mem,
		Status:        statusFor(cpu, mem),
		SampledAt:     time.Now(),
	}

	m.mu.Lock()
	prev := m.current
	m.current = snap
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	if snap.Status != prev.Status && snap.Status != StatusNormal {
		m.log.Warn(context.Background(), "resource pressure", map[string]interface{}{
			"status":         snap.Status,
			"cpu_percent":    snap.CPUPercent,
			"memory_percent": snap.MemoryPercent,
		})
	}

	if m.OnSample != nil {
		m.OnSample(snap)
	}
}

// Snapshot returns the latest reading
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CanAdmit reports whether new work may start right now
func (m *Monitor) CanAdmit() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.admits(m.current)
}

func (m *Monitor) admits(s Snapshot) bool {
	return s.CPUPercent <= m.limits.MaxCPUPercent && s.MemoryPercent <= m.limits.MaxMemoryPercent
}

// WaitAdmit blocks until utilization is under the limits or ctx is done.
// It wakes on every new sample rather than polling a fixed delay.
func (m *Monitor) WaitAdmit(ctx context.Context) error {
	for {
		m.mu.RLock()
		ok := m.admits(m.current)
		changed := m.changed
		m.mu.RUnlock()

		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func statusFor(cpu, mem float64) string {
	peak := cpu
	if mem > peak {
		peak = mem
	}
	switch {
	case peak > criticalPercent:
		return StatusCritical
	case peak > warningPercent:
		return StatusWarning
	default:
		return StatusNormal
	}
}
