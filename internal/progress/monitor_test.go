package progress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/masshaul/masshaul/internal/models"
)

func testConfig() Config {
	return Config{
		FlushInterval: 50 * time.Millisecond,
		FlushEvery:    10,
		ETAWindow:     32,
		BufferSize:    256,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMonitorAggregatesCounters(t *testing.T) {
	m := NewMonitor(testConfig())
	m.Seed("job_1", models.Progress{ChannelsTotal: 2})
	m.Start()

	m.Record(models.Event{JobID: "job_1", ChannelID: "ch_a", Kind: models.EventChannelStatus, Status: models.ChannelStatusDiscovered, Count: 3})
	m.Record(models.Event{JobID: "job_1", ChannelID: "ch_b", Kind: models.EventChannelStatus, Status: models.ChannelStatusDiscovered, Count: 2})

	m.Record(models.Event{JobID: "job_1", ChannelID: "ch_a", ItemID: "v1", Kind: models.EventItemStatus, Status: models.ItemStatusCompleted, Bytes: 100})
	m.Record(models.Event{JobID: "job_1", ChannelID: "ch_a", ItemID: "v2", Kind: models.EventItemStatus, Status: models.ItemStatusFailed, Err: "boom"})
	m.Record(models.Event{JobID: "job_1", ChannelID: "ch_a", ItemID: "v3", Kind: models.EventItemStatus, Status: models.ItemStatusSkipped})
	m.Record(models.Event{JobID: "job_1", ChannelID: "ch_b", ItemID: "v4", Kind: models.EventItemStatus, Status: models.ItemStatusCompleted, Bytes: 50})

	m.Record(models.Event{JobID: "job_1", ChannelID: "ch_a", Kind: models.EventChannelStatus, Status: models.ChannelStatusDone})
	m.Record(models.Event{JobID: "job_1", ChannelID: "ch_b", Kind: models.EventChannelStatus, Status: models.ChannelStatusFailed, Err: "discovery exhausted"})

	// Stop drains the buffer, so everything above is applied.
	m.Stop()

	snap, ok := m.Snapshot("job_1")
	if !ok {
		t.Fatal("expected a snapshot for job_1")
	}
	if snap.ChannelsTotal != 2 || snap.ChannelsDone != 2 {
		t.Errorf("channels = %d/%d, want 2/2", snap.ChannelsDone, snap.ChannelsTotal)
	}
	if snap.ItemsTotal != 5 {
		t.Errorf("ItemsTotal = %d, want 5", snap.ItemsTotal)
	}
	if snap.ItemsDone != 2 || snap.ItemsFailed != 1 || snap.ItemsSkipped != 1 {
		t.Errorf("items done/failed/skipped = %d/%d/%d, want 2/1/1", snap.ItemsDone, snap.ItemsFailed, snap.ItemsSkipped)
	}
	if snap.BytesTransferred != 150 {
		t.Errorf("BytesTransferred = %d, want 150", snap.BytesTransferred)
	}
	if snap.ItemsRemaining() != 1 {
		t.Errorf("ItemsRemaining = %d, want 1", snap.ItemsRemaining())
	}
}

func TestMonitorSeedBaseline(t *testing.T) {
	m := NewMonitor(testConfig())
	m.Seed("job_r", models.Progress{
		ChannelsTotal:    3,
		ChannelsDone:     1,
		ItemsTotal:       10,
		ItemsDone:        4,
		ItemsFailed:      1,
		BytesTransferred: 1000,
	})
	m.Start()

	m.Record(models.Event{JobID: "job_r", ChannelID: "ch", ItemID: "v", Kind: models.EventItemStatus, Status: models.ItemStatusCompleted, Bytes: 200})
	m.Stop()

	snap, _ := m.Snapshot("job_r")
	if snap.ItemsDone != 5 {
		t.Errorf("ItemsDone = %d, want 5 (seed 4 + 1)", snap.ItemsDone)
	}
	if snap.BytesTransferred != 1200 {
		t.Errorf("BytesTransferred = %d, want 1200", snap.BytesTransferred)
	}
	if snap.ChannelsTotal != 3 || snap.ChannelsDone != 1 {
		t.Errorf("channels = %d/%d, want 1/3", snap.ChannelsDone, snap.ChannelsTotal)
	}
}

func TestRecordNeverBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 8
	m := NewMonitor(cfg)
	// Deliberately not started: nothing consumes the buffer.

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			m.Record(models.Event{JobID: "job_x", Kind: models.EventItemProgress, Bytes: int64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked with a full buffer")
	}

	if m.Dropped() == 0 {
		t.Error("expected dropped events with an overrun buffer")
	}
	if m.Dropped() != 1000-8 {
		t.Errorf("Dropped = %d, want %d", m.Dropped(), 1000-8)
	}
}

func TestFlushEveryPushesCallback(t *testing.T) {
	cfg := testConfig()
	cfg.FlushInterval = time.Hour // isolate the per-item trigger
	cfg.FlushEvery = 2
	m := NewMonitor(cfg)

	var pushes int32
	var lastDone int32
	m.AddCallback(func(p models.Progress) {
		atomic.AddInt32(&pushes, 1)
		atomic.StoreInt32(&lastDone, int32(p.ItemsDone))
	})

	m.Seed("job_f", models.Progress{ItemsTotal: 4})
	m.Start()
	defer m.Stop()

	m.Record(models.Event{JobID: "job_f", ChannelID: "ch", ItemID: "v1", Kind: models.EventItemStatus, Status: models.ItemStatusCompleted})
	m.Record(models.Event{JobID: "job_f", ChannelID: "ch", ItemID: "v2", Kind: models.EventItemStatus, Status: models.ItemStatusCompleted})

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&pushes) >= 1 })

	if got := atomic.LoadInt32(&lastDone); got != 2 {
		t.Errorf("pushed snapshot ItemsDone = %d, want 2", got)
	}
}

func TestPeriodicFlush(t *testing.T) {
	cfg := testConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	m := NewMonitor(cfg)

	var pushes int32
	m.AddCallback(func(models.Progress) { atomic.AddInt32(&pushes, 1) })

	m.Seed("job_t", models.Progress{})
	m.Start()
	defer m.Stop()

	// No events at all: the ticker alone must push.
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&pushes) >= 2 })
}

func TestETAFromCompletionTimes(t *testing.T) {
	m := NewMonitor(testConfig())
	m.Seed("job_eta", models.Progress{ItemsTotal: 8})
	m.Start()

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		m.Record(models.Event{
			JobID:     "job_eta",
			ChannelID: "ch",
			ItemID:    fmt.Sprintf("v%d", i),
			Kind:      models.EventItemStatus,
			Status:    models.ItemStatusCompleted,
			At:        base.Add(time.Duration(i) * 2 * time.Second),
		})
	}
	m.Stop()

	snap, _ := m.Snapshot("job_eta")
	// 3 completions spaced 2s apart -> 0.5 items/sec; 5 remaining -> 10s.
	if snap.ETASeconds != 10 {
		t.Errorf("ETASeconds = %d, want 10", snap.ETASeconds)
	}
}

func TestByteDeltaAccounting(t *testing.T) {
	m := NewMonitor(testConfig())
	m.Seed("job_b", models.Progress{ItemsTotal: 2})
	m.Start()

	// Running totals for one item, then its completion total.
	m.Record(models.Event{JobID: "job_b", ChannelID: "ch", ItemID: "v1", Kind: models.EventItemProgress, Bytes: 512})
	m.Record(models.Event{JobID: "job_b", ChannelID: "ch", ItemID: "v1", Kind: models.EventItemProgress, Bytes: 1024})
	m.Record(models.Event{JobID: "job_b", ChannelID: "ch", ItemID: "v1", Kind: models.EventItemStatus, Status: models.ItemStatusCompleted, Bytes: 2048})

	// A second item moves some bytes, then fails: partial traffic stays.
	m.Record(models.Event{JobID: "job_b", ChannelID: "ch", ItemID: "v2", Kind: models.EventItemProgress, Bytes: 100})
	m.Record(models.Event{JobID: "job_b", ChannelID: "ch", ItemID: "v2", Kind: models.EventItemStatus, Status: models.ItemStatusFailed, Err: "reset"})

	m.Stop()

	snap, _ := m.Snapshot("job_b")
	if snap.BytesTransferred != 2048+100 {
		t.Errorf("BytesTransferred = %d, want %d", snap.BytesTransferred, 2048+100)
	}
}

func TestRetryResetsByteBaseline(t *testing.T) {
	m := NewMonitor(testConfig())
	m.Seed("job_retry", models.Progress{ItemsTotal: 1})
	m.Start()

	m.Record(models.Event{JobID: "job_retry", ChannelID: "ch", ItemID: "v1", Kind: models.EventItemProgress, Bytes: 500})
	m.Record(models.Event{JobID: "job_retry", ChannelID: "ch", ItemID: "v1", Kind: models.EventItemRetry, Attempt: 1, Err: "timeout"})
	// Second attempt restarts from zero; its running total must count
	// in full, not as a negative delta.
	m.Record(models.Event{JobID: "job_retry", ChannelID: "ch", ItemID: "v1", Kind: models.EventItemProgress, Bytes: 300})
	m.Record(models.Event{JobID: "job_retry", ChannelID: "ch", ItemID: "v1", Kind: models.EventItemStatus, Status: models.ItemStatusCompleted, Bytes: 800})

	m.Stop()

	snap, _ := m.Snapshot("job_retry")
	if snap.BytesTransferred != 500+800 {
		t.Errorf("BytesTransferred = %d, want %d", snap.BytesTransferred, 500+800)
	}
}

func TestFinishJobPushesFinalSnapshot(t *testing.T) {
	m := NewMonitor(testConfig())

	var mu sync.Mutex
	var final models.Progress
	m.AddCallback(func(p models.Progress) {
		mu.Lock()
		final = p
		mu.Unlock()
	})

	m.Seed("job_done", models.Progress{ItemsTotal: 1, ItemsDone: 1})
	m.Start()
	m.Stop()

	m.FinishJob("job_done", models.JobStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	if final.Status != models.JobStatusCompleted {
		t.Errorf("final status = %s, want %s", final.Status, models.JobStatusCompleted)
	}
	if final.JobID != "job_done" {
		t.Errorf("final job = %s, want job_done", final.JobID)
	}

	snap, ok := m.Snapshot("job_done")
	if !ok || snap.Status != models.JobStatusCompleted {
		t.Errorf("snapshot after finish = %+v, want completed", snap)
	}
}

func TestSnapshotUnknownJob(t *testing.T) {
	m := NewMonitor(testConfig())
	if _, ok := m.Snapshot("nope"); ok {
		t.Error("expected ok=false for an unseeded job")
	}
}
