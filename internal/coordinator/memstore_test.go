package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/masshaul/masshaul/internal/db"
	"github.com/masshaul/masshaul/internal/models"
)

// memStore is an in-memory implementation of the coordinator's store
// interfaces, mirroring the SQL repositories' semantics closely enough
// for lifecycle tests.
type memStore struct {
	mu           sync.Mutex
	jobs         map[string]*models.Job
	jobOrder     []string
	channels     map[string]map[string]*models.Channel
	channelOrder map[string][]string
	items        map[string]map[string]*models.Item
	progress     map[string]*db.ProgressRecord
}

func newMemStore() *memStore {
	return &memStore{
		jobs:         make(map[string]*models.Job),
		channels:     make(map[string]map[string]*models.Channel),
		channelOrder: make(map[string][]string),
		items:        make(map[string]map[string]*models.Item),
		progress:     make(map[string]*db.ProgressRecord),
	}
}

// --- JobStore --------------------------------------------------------

func (m *memStore) Create(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	cp.CreatedAt = time.Now()
	m.jobs[job.ID] = &cp
	m.jobOrder = append(m.jobOrder, job.ID)
	return nil
}

func (m *memStore) Get(_ context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, db.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) List(_ context.Context, limit, offset int) ([]models.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	var out []models.Job
	// Newest first, like the SQL repository.
	for i := len(m.jobOrder) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, *m.jobs[m.jobOrder[i]])
	}
	return out, len(m.jobOrder), nil
}

func (m *memStore) MarkStarted(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return db.ErrJobNotFound
	}
	j.Status = models.JobStatusRunning
	j.Error = ""
	j.CompletedAt = nil
	if j.StartedAt == nil {
		now := time.Now()
		j.StartedAt = &now
	}
	return nil
}

func (m *memStore) MarkFinished(_ context.Context, jobID, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return db.ErrJobNotFound
	}
	j.Status = status
	j.Error = errMsg
	now := time.Now()
	j.CompletedAt = &now
	return nil
}

// --- ChannelStore ----------------------------------------------------

func (m *memStore) Upsert(_ context.Context, ch *models.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[ch.JobID] == nil {
		m.channels[ch.JobID] = make(map[string]*models.Channel)
	}
	if _, exists := m.channels[ch.JobID][ch.ChannelID]; !exists {
		m.channelOrder[ch.JobID] = append(m.channelOrder[ch.JobID], ch.ChannelID)
	}
	cp := *ch
	m.channels[ch.JobID][ch.ChannelID] = &cp
	return nil
}

func (m *memStore) ListChannels(_ context.Context, jobID string) ([]models.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Channel
	for _, id := range m.channelOrder[jobID] {
		out = append(out, *m.channels[jobID][id])
	}
	return out, nil
}

func (m *memStore) CountStatuses(_ context.Context, jobID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, ch := range m.channels[jobID] {
		counts[ch.Status]++
	}
	return counts, nil
}

func (m *memStore) setChannelStatus(jobID, channelID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[jobID][channelID]; ok {
		ch.Status = status
	}
}

func (m *memStore) channelStatus(jobID, channelID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[jobID][channelID]
	if !ok {
		return ""
	}
	return ch.Status
}

// --- ItemStore -------------------------------------------------------

func (m *memStore) seedItem(it models.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items[it.JobID] == nil {
		m.items[it.JobID] = make(map[string]*models.Item)
	}
	cp := it
	m.items[it.JobID][it.ChannelID+"/"+it.ItemID] = &cp
}

func (m *memStore) ListIncomplete(_ context.Context, jobID string) ([]models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Item
	for _, it := range m.items[jobID] {
		if it.NeedsTransfer() {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].Ordinal < out[j].Ordinal
	})
	return out, nil
}

func (m *memStore) CountItemStatuses(_ context.Context, jobID string) (*db.ItemStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &db.ItemStats{}
	for _, it := range m.items[jobID] {
		stats.Total++
		switch it.DownloadStatus {
		case models.ItemStatusPending:
			stats.Pending++
		case models.ItemStatusInProgress:
			stats.InProgress++
		case models.ItemStatusCompleted:
			stats.Completed++
			stats.Bytes += it.Bytes
		case models.ItemStatusFailed:
			stats.Failed++
		case models.ItemStatusSkipped:
			stats.Skipped++
		}
		if it.PermanentFailure {
			stats.PermanentFailures++
		}
	}
	return stats, nil
}

// --- ProgressStore ---------------------------------------------------

func (m *memStore) UpsertProgress(_ context.Context, rec *db.ProgressRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.UpdatedAt = time.Now()
	m.progress[rec.JobID] = &cp
	return nil
}

func (m *memStore) GetProgress(_ context.Context, jobID string) (*db.ProgressRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.progress[jobID]
	if !ok {
		return nil, db.ErrProgressNotFound
	}
	cp := *rec
	return &cp, nil
}

// The store interfaces overlap in method names (List, Get,
// CountStatuses), so thin adapters present each facet separately.
// memStore itself satisfies JobStore.

type memChannels struct{ s *memStore }

func (m memChannels) Upsert(ctx context.Context, ch *models.Channel) error {
	return m.s.Upsert(ctx, ch)
}

func (m memChannels) List(ctx context.Context, jobID string) ([]models.Channel, error) {
	return m.s.ListChannels(ctx, jobID)
}

func (m memChannels) CountStatuses(ctx context.Context, jobID string) (map[string]int, error) {
	return m.s.CountStatuses(ctx, jobID)
}

type memItems struct{ s *memStore }

func (m memItems) ListIncomplete(ctx context.Context, jobID string) ([]models.Item, error) {
	return m.s.ListIncomplete(ctx, jobID)
}

func (m memItems) CountStatuses(ctx context.Context, jobID string) (*db.ItemStats, error) {
	return m.s.CountItemStatuses(ctx, jobID)
}

type memProgress struct{ s *memStore }

func (m memProgress) Upsert(ctx context.Context, rec *db.ProgressRecord) error {
	return m.s.UpsertProgress(ctx, rec)
}

func (m memProgress) Get(ctx context.Context, jobID string) (*db.ProgressRecord, error) {
	return m.s.GetProgress(ctx, jobID)
}
