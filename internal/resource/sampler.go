package resource

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

const (
	procStatPath    = "/proc/stat"
	procMeminfoPath = "/proc/meminfo"
)

// procSampler reads utilization from procfs. CPU percent comes from the
// delta between consecutive aggregate counters, so the first sample
// after start reports zero. Hosts without procfs report zero on both
// axes and therefore never throttle.
type procSampler struct {
	mu          sync.Mutex
	prevIdle    uint64
	prevTotal   uint64
	hasPrev     bool
	unsupported bool
}

func newProcSampler() *procSampler {
	return &procSampler{}
}

func (s *procSampler) Sample() (float64, float64, error) {
	s.mu.Lock()
	if s.unsupported {
		s.mu.Unlock()
		return 0, 0, nil
	}
	s.mu.Unlock()

	cpu, cpuErr := s.cpuPercent()
	mem, memErr := memoryPercent()

	if cpuErr != nil && memErr != nil {
		s.mu.Lock()
		s.unsupported = true
		s.mu.Unlock()
		return 0, 0, fmt.Errorf("procfs unavailable, admission checks disabled: %v", cpuErr)
	}

	if cpuErr != nil {
		return 0, mem, cpuErr
	}
	if memErr != nil {
		return cpu, 0, memErr
	}
	return cpu, mem, nil
}

func (s *procSampler) cpuPercent() (float64, error) {
	data, err := os.ReadFile(procStatPath)
	if err != nil {
		return 0, err
	}

	var line string
	for _, l := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(l, "cpu ") {
			line = l
			break
		}
	}
	if line == "" {
		return 0, fmt.Errorf("no aggregate cpu line in %s", procStatPath)
	}

	fields := strings.Fields(line)[1:]
	var total, idle uint64
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s field %d: %w", procStatPath, i, err)
		}
		total += v
		// idle and iowait both count as not-busy
		if i == 3 || i == 4 {
			idle += v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasPrev {
		s.prevTotal, s.prevIdle = total, idle
		s.hasPrev = true
		return 0, nil
	}

	dTotal := total - s.prevTotal
	dIdle := idle - s.prevIdle
	s.prevTotal, s.prevIdle = total, idle

	if dTotal == 0 {
		return 0, nil
	}
	return float64(dTotal-dIdle) / float64(dTotal) * 100, nil
}

func memoryPercent() (float64, error) {
	data, err := os.ReadFile(procMeminfoPath)
	if err != nil {
		return 0, err
	}

	var total, available, free uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		case "MemFree:":
			free = v
		}
	}

	if total == 0 {
		return 0, fmt.Errorf("no MemTotal in %s", procMeminfoPath)
	}
	if available == 0 {
		// Older kernels lack MemAvailable
		available = free
	}

	return (1 - float64(available)/float64(total)) * 100, nil
}
