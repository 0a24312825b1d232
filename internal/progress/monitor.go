// Package progress aggregates scheduler events into per-job progress
// snapshots. Producers hand events to Record, which never blocks: when
// the buffer is full the event is dropped and counted, so a slow
// observer can only degrade display freshness, never transfer
// throughput. Consumers either pull snapshots or register callbacks
// that fire on a cadence.
package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/masshaul/masshaul/internal/logger"
	"github.com/masshaul/masshaul/internal/models"
)

// Config controls buffering and push cadence
type Config struct {
	// FlushInterval is how often callbacks fire for every active job
	// regardless of event volume.
	FlushInterval time.Duration
	// FlushEvery pushes a snapshot after this many item completions,
	// failures or skips, so short jobs report without waiting a tick.
	FlushEvery int
	// ETAWindow is how many recent item completions and byte samples
	// feed the moving-average rate estimates.
	ETAWindow int
	// BufferSize is the event channel capacity. Events beyond it drop.
	BufferSize int
}

// DefaultConfig returns the standard cadence
func DefaultConfig() Config {
	return Config{
		FlushInterval: 2 * time.Second,
		FlushEvery:    10,
		ETAWindow:     32,
		BufferSize:    4096,
	}
}

// Callback receives pushed snapshots. Callbacks run on the monitor's
// own goroutine; a slow callback delays other callbacks but never the
// producers.
type Callback func(models.Progress)

// byteSample pairs a moment with the cumulative byte count at that
// moment, for throughput estimation.
type byteSample struct {
	at    time.Time
	total int64
}

// jobState is the mutable accumulator behind one job's snapshot
type jobState struct {
	progress      models.Progress
	inflightBytes map[string]int64
	completions   []time.Time
	byteSamples   []byteSample
	sinceFlush    int
	finished      bool
}

func newJobState(jobID string) *jobState {
	return &jobState{
		progress:      models.Progress{JobID: jobID, Status: models.JobStatusRunning},
		inflightBytes: make(map[string]int64),
	}
}

// Monitor consumes events and maintains one snapshot per job
type Monitor struct {
	cfg     Config
	log     *logger.Logger
	events  chan models.Event
	dropped atomic.Uint64

	mu        sync.RWMutex
	jobs      map[string]*jobState
	callbacks []Callback

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a stopped monitor. Call Start before recording.
func NewMonitor(cfg Config) *Monitor {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = DefaultConfig().FlushEvery
	}
	if cfg.ETAWindow <= 0 {
		cfg.ETAWindow = DefaultConfig().ETAWindow
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &Monitor{
		cfg:    cfg,
		log:    logger.Default().WithComponent("progress"),
		events: make(chan models.Event, cfg.BufferSize),
		jobs:   make(map[string]*jobState),
	}
}

// AddCallback registers a push consumer. Register before Start; later
// registrations take effect on the next flush.
func (m *Monitor) AddCallback(cb Callback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Start launches the aggregation loop
func (m *Monitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)
	go m.run()
}

// Stop drains buffered events and halts the loop. After Stop returns,
// every event recorded before the call is reflected in snapshots.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	close(m.stopChan)
	m.wg.Wait()
	m.running = false
}

// Record hands an event to the monitor without blocking. Events that
// do not fit the buffer are dropped and counted.
func (m *Monitor) Record(ev models.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer
// was full.
func (m *Monitor) Dropped() uint64 {
	return m.dropped.Load()
}

// Seed installs the baseline counters for a job, replacing any previous
// state. The coordinator seeds from the persisted job before the run
// starts so resumed jobs report totals that include work finished in
// earlier runs.
func (m *Monitor) Seed(jobID string, base models.Progress) {
	base.JobID = jobID
	if base.Status == "" {
		base.Status = models.JobStatusRunning
	}

	js := newJobState(jobID)
	js.progress = base

	m.mu.Lock()
	m.jobs[jobID] = js
	m.mu.Unlock()
}

// Snapshot returns the current aggregate for a job. ok is false when
// the monitor has never seen the job.
func (m *Monitor) Snapshot(jobID string) (models.Progress, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	js, ok := m.jobs[jobID]
	if !ok {
		return models.Progress{}, false
	}
	return m.snapshotLocked(js), true
}

// FinishJob freezes a job at its terminal status, pushes the final
// snapshot to every callback and returns it. Events arriving after the
// finish still adjust counters but no longer trigger pushes.
func (m *Monitor) FinishJob(jobID, status string) models.Progress {
	m.mu.Lock()
	js, ok := m.jobs[jobID]
	if !ok {
		js = newJobState(jobID)
		m.jobs[jobID] = js
	}
	js.progress.Status = status
	js.finished = true
	snap := m.snapshotLocked(js)
	cbs := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(snap)
	}

	m.log.Debug(context.Background(), "job progress finalized", map[string]interface{}{
		"job_id":       jobID,
		"status":       status,
		"items_done":   snap.ItemsDone,
		"items_failed": snap.ItemsFailed,
		"bytes":        snap.BytesTransferred,
	})
	return snap
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
		case <-ticker.C:
			m.flushAll()
		case <-m.stopChan:
			// Drain whatever was already buffered so Stop is a barrier.
			for {
				select {
				case ev := <-m.events:
					m.apply(ev)
				default:
					return
				}
			}
		}
	}
}

// apply folds one event into its job's accumulator and fires callbacks
// when the event warrants an immediate push.
func (m *Monitor) apply(ev models.Event) {
	m.mu.Lock()

	js, ok := m.jobs[ev.JobID]
	if !ok {
		js = newJobState(ev.JobID)
		m.jobs[ev.JobID] = js
	}

	flushNow := false
	switch ev.Kind {
	case models.EventJobStatus:
		js.progress.Status = ev.Status
		flushNow = true

	case models.EventChannelStatus:
		switch ev.Status {
		case models.ChannelStatusDiscovered:
			js.progress.ItemsTotal += ev.Count
			flushNow = true
		case models.ChannelStatusDone, models.ChannelStatusFailed:
			js.progress.ChannelsDone++
			flushNow = true
		}

	case models.EventItemStatus:
		switch ev.Status {
		case models.ItemStatusCompleted:
			js.progress.ItemsDone++
			js.addBytes(eventItemKey(ev), ev.Bytes, true)
			js.recordCompletion(ev.At, m.cfg.ETAWindow)
			js.recordByteSample(ev.At, m.cfg.ETAWindow)
			js.sinceFlush++
		case models.ItemStatusFailed:
			js.progress.ItemsFailed++
			// Partial bytes stay counted; only the running baseline goes.
			delete(js.inflightBytes, eventItemKey(ev))
			js.sinceFlush++
		case models.ItemStatusSkipped:
			js.progress.ItemsSkipped++
			js.sinceFlush++
		}
		if js.sinceFlush >= m.cfg.FlushEvery {
			flushNow = true
		}

	case models.EventItemRetry:
		// The next attempt restarts its byte count from zero.
		delete(js.inflightBytes, eventItemKey(ev))

	case models.EventItemProgress:
		js.addBytes(eventItemKey(ev), ev.Bytes, false)
		js.recordByteSample(ev.At, m.cfg.ETAWindow)
	}

	var snap models.Progress
	var cbs []Callback
	if flushNow && !js.finished {
		js.sinceFlush = 0
		snap = m.snapshotLocked(js)
		cbs = append([]Callback(nil), m.callbacks...)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(snap)
	}
}

// flushAll pushes a snapshot of every unfinished job
func (m *Monitor) flushAll() {
	m.mu.Lock()
	snaps := make([]models.Progress, 0, len(m.jobs))
	for _, js := range m.jobs {
		if js.finished {
			continue
		}
		js.sinceFlush = 0
		snaps = append(snaps, m.snapshotLocked(js))
	}
	cbs := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()

	for _, snap := range snaps {
		for _, cb := range cbs {
			cb(snap)
		}
	}
}

// snapshotLocked materializes the exported snapshot. Callers hold m.mu.
func (m *Monitor) snapshotLocked(js *jobState) models.Progress {
	p := js.progress
	p.DroppedEvents = m.dropped.Load()
	p.UpdatedAt = time.Now().UTC()

	if n := len(js.completions); n >= 2 {
		elapsed := js.completions[n-1].Sub(js.completions[0]).Seconds()
		if elapsed > 0 {
			rate := float64(n-1) / elapsed
			if remaining := p.ItemsRemaining(); remaining > 0 && rate > 0 {
				p.ETASeconds = int64(float64(remaining)/rate + 0.5)
			}
		}
	}

	if n := len(js.byteSamples); n >= 2 {
		first, last := js.byteSamples[0], js.byteSamples[n-1]
		if dt := last.at.Sub(first.at).Seconds(); dt > 0 && last.total > first.total {
			p.RateBytesPerSec = float64(last.total-first.total) / dt
		}
	}

	return p
}

// addBytes folds a running per-item byte total into the job counter.
// Totals are cumulative within one attempt, so only the delta since the
// last report counts. final removes the item's baseline once its bytes
// are settled.
func (js *jobState) addBytes(key string, total int64, final bool) {
	if total > 0 {
		if delta := total - js.inflightBytes[key]; delta > 0 {
			js.progress.BytesTransferred += delta
		}
	}
	if final {
		delete(js.inflightBytes, key)
		return
	}
	if total > 0 {
		js.inflightBytes[key] = total
	}
}

func (js *jobState) recordCompletion(at time.Time, window int) {
	js.completions = append(js.completions, at)
	if len(js.completions) > window {
		js.completions = js.completions[len(js.completions)-window:]
	}
}

func (js *jobState) recordByteSample(at time.Time, window int) {
	js.byteSamples = append(js.byteSamples, byteSample{at: at, total: js.progress.BytesTransferred})
	if len(js.byteSamples) > window {
		js.byteSamples = js.byteSamples[len(js.byteSamples)-window:]
	}
}

func eventItemKey(ev models.Event) string {
	return ev.ChannelID + "/" + ev.ItemID
}
