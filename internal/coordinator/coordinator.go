// Package coordinator owns the job lifecycle: creation, the run loop,
// resume, cancel and status assembly. It is the only writer of job
// status; channel and item writes belong to the scheduler. Run loops
// live on a background context so an API request ending never kills
// the job it started.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/masshaul/masshaul/internal/breaker"
	"github.com/masshaul/masshaul/internal/db"
	apperrors "github.com/masshaul/masshaul/internal/errors"
	"github.com/masshaul/masshaul/internal/logger"
	"github.com/masshaul/masshaul/internal/metrics"
	"github.com/masshaul/masshaul/internal/models"
	"github.com/masshaul/masshaul/internal/progress"
	"github.com/masshaul/masshaul/internal/resource"
	"github.com/masshaul/masshaul/internal/scheduler"
	"github.com/masshaul/masshaul/internal/validators"
)

// finalizeTimeout bounds the bookkeeping writes after a run loop ends,
// when the run's own context is already dead.
const finalizeTimeout = 15 * time.Second

// JobStore is the job persistence the coordinator needs
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, jobID string) (*models.Job, error)
	List(ctx context.Context, limit, offset int) ([]models.Job, int, error)
	MarkStarted(ctx context.Context, jobID string) error
	MarkFinished(ctx context.Context, jobID, status, errMsg string) error
}

// ChannelStore is the channel persistence the coordinator needs
type ChannelStore interface {
	Upsert(ctx context.Context, ch *models.Channel) error
	List(ctx context.Context, jobID string) ([]models.Channel, error)
	CountStatuses(ctx context.Context, jobID string) (map[string]int, error)
}

// ItemStore is the item persistence the coordinator needs
type ItemStore interface {
	ListIncomplete(ctx context.Context, jobID string) ([]models.Item, error)
	CountStatuses(ctx context.Context, jobID string) (*db.ItemStats, error)
}

// ProgressStore persists periodic progress snapshots per job
type ProgressStore interface {
	Upsert(ctx context.Context, rec *db.ProgressRecord) error
	Get(ctx context.Context, jobID string) (*db.ProgressRecord, error)
}

// ResourceView exposes the host utilization snapshot for status replies
type ResourceView interface {
	Snapshot() resource.Snapshot
}

// Runner executes one job's channel set. Production runners are built
// by scheduler.New; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, job *models.Job, work []scheduler.ChannelWork) error
}

// RunnerFactory builds the runner for one job, typically binding the
// job's storage backend choice to a sink. A factory error is treated as
// a fatal configuration failure and settles the job synchronously.
type RunnerFactory func(job *models.Job) (Runner, error)

// Defaults fills unset fields of a job config at creation time. The
// filled snapshot is immutable afterwards; resume replays it even if
// server defaults changed in between.
type Defaults struct {
	MaxItemsPerChannel           int
	MaxConcurrentChannels        int
	MaxConcurrentItemsPerChannel int
	MaxConcurrentItems           int
	MaxRetries                   int
	DownloadMode                 string
	StorageBackend               string
	ChannelTimeout               time.Duration
}

// RunRequest is a validated-enough job creation payload. ChannelRefs
// are raw operator input; everything else has API-layer defaults
// already applied or is zero.
type RunRequest struct {
	Name   string
	Config models.JobConfig
}

// JobStatus is the assembled status reply: durable rows plus the live
// views that only exist in memory.
type JobStatus struct {
	Job       *models.Job        `json:"job"`
	Channels  []models.Channel   `json:"channels"`
	Progress  *models.Progress   `json:"progress,omitempty"`
	Breakers  []breaker.Snapshot `json:"breakers,omitempty"`
	Resources *resource.Snapshot `json:"resources,omitempty"`
}

// Options wires a Coordinator. Jobs, Channels, Items and NewRunner are
// required; the rest degrade gracefully when nil.
type Options struct {
	Jobs      JobStore
	Channels  ChannelStore
	Items     ItemStore
	Progress  ProgressStore
	Validator *validators.Registry
	Monitor   *progress.Monitor
	Breakers  *breaker.Registry
	Resources ResourceView
	Metrics   *metrics.Metrics
	NewRunner RunnerFactory
	Defaults  Defaults
}

type run struct {
	cancel        context.CancelFunc
	done          chan struct{}
	userCancelled atomic.Bool
}

// Coordinator drives jobs from creation to a terminal status
type Coordinator struct {
	jobs          JobStore
	channels      ChannelStore
	items         ItemStore
	progressStore ProgressStore
	validator     *validators.Registry
	monitor       *progress.Monitor
	breakers      *breaker.Registry
	resources     ResourceView
	met           *metrics.Metrics
	newRunner     RunnerFactory
	defaults      Defaults
	log           *logger.Logger

	baseCtx   context.Context
	closeBase context.CancelFunc
	closeOnce sync.Once

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// New builds a coordinator and registers its progress persistence
// callback with the monitor. The monitor must be started by the caller.
func New(opts Options) *Coordinator {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Validator == nil {
		opts.Validator = validators.DefaultRegistry()
	}
	if opts.Monitor == nil {
		opts.Monitor = progress.NewMonitor(progress.DefaultConfig())
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		jobs:          opts.Jobs,
		channels:      opts.Channels,
		items:         opts.Items,
		progressStore: opts.Progress,
		validator:     opts.Validator,
		monitor:       opts.Monitor,
		breakers:      opts.Breakers,
		resources:     opts.Resources,
		met:           opts.Metrics,
		newRunner:     opts.NewRunner,
		defaults:      opts.Defaults,
		log:           logger.Default().WithComponent("coordinator"),
		baseCtx:       baseCtx,
		closeBase:     cancel,
		runs:          make(map[string]*run),
	}

	if c.progressStore != nil {
		c.monitor.AddCallback(c.persistProgress)
	}
	return c
}

// Run validates the request, creates the job and its channel rows, and
// spawns the run loop. It returns the new job ID as soon as the run is
// underway; progress is observed via Status and the live transports.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (string, error) {
	if len(req.Config.ChannelRefs) == 0 {
		return "", apperrors.ValidationError("at least one channel reference is required")
	}

	cfg, err := c.applyDefaults(req.Config)
	if err != nil {
		return "", err
	}

	type resolved struct {
		key string
		url string
	}
	var chans []resolved
	seen := make(map[string]bool)
	for _, ref := range req.Config.ChannelRefs {
		res := c.validator.Validate(ref)
		if !res.Valid {
			return "", apperrors.ChannelInvalid(ref, res.Error)
		}
		key := channelKey(res)
		if seen[key] {
			c.log.Warn(ctx, "duplicate channel reference collapsed", map[string]interface{}{
				"ref":         ref,
				"channel_key": key,
			})
			continue
		}
		seen[key] = true

		url := res.Canonical
		if url == "" {
			url = res.URL
		}
		chans = append(chans, resolved{key: key, url: url})
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "job"
	}

	job := &models.Job{
		ID:            GenerateJobID(name),
		Name:          name,
		Config:        cfg,
		Status:        models.JobStatusPending,
		ChannelsTotal: len(chans),
	}
	if err := c.jobs.Create(ctx, job); err != nil {
		return "", apperrors.DatabaseError("failed to create job").WithCause(err)
	}

	work := make([]scheduler.ChannelWork, 0, len(chans))
	for _, rc := range chans {
		ch := models.Channel{
			JobID:     job.ID,
			ChannelID: rc.key,
			URL:       rc.url,
			Status:    models.ChannelStatusPending,
		}
		if err := c.channels.Upsert(ctx, &ch); err != nil {
			return "", apperrors.DatabaseError("failed to create channel rows").WithCause(err)
		}
		work = append(work, scheduler.ChannelWork{Channel: ch})
	}

	c.log.Info(ctx, "job created", map[string]interface{}{
		"job_id":   job.ID,
		"name":     job.Name,
		"channels": len(chans),
	})

	base := models.Progress{
		JobID:         job.ID,
		Status:        models.JobStatusRunning,
		ChannelsTotal: len(chans),
	}
	if err := c.start(ctx, job, work, base); err != nil {
		return job.ID, err
	}
	return job.ID, nil
}

// Resume reloads a job's remaining work and re-runs it. Channels whose
// items all settled stay untouched; channels with incomplete items are
// re-run from the stored rows; channels whose discovery never finished
// are discovered again. Resuming a completed job is a no-op.
func (c *Coordinator) Resume(ctx context.Context, jobID string) error {
	c.mu.Lock()
	_, active := c.runs[jobID]
	c.mu.Unlock()
	if active {
		return apperrors.Conflict("job is already running")
	}

	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return mapJobErr(err)
	}
	if job.Status == models.JobStatusCompleted {
		return nil
	}

	chans, err := c.channels.List(ctx, jobID)
	if err != nil {
		return apperrors.DatabaseError("failed to list channels").WithCause(err)
	}
	incomplete, err := c.items.ListIncomplete(ctx, jobID)
	if err != nil {
		return apperrors.DatabaseError("failed to list incomplete items").WithCause(err)
	}
	stats, err := c.items.CountStatuses(ctx, jobID)
	if err != nil {
		return apperrors.DatabaseError("failed to count item statuses").WithCause(err)
	}

	byChannel := make(map[string][]models.Item)
	for _, it := range incomplete {
		byChannel[it.ChannelID] = append(byChannel[it.ChannelID], it)
	}

	var work []scheduler.ChannelWork
	channelsDone := 0
	for i := range chans {
		ch := chans[i]
		remaining := byChannel[ch.ChannelID]
		switch {
		case len(remaining) > 0:
			work = append(work, scheduler.ChannelWork{Channel: ch, Items: remaining})
		case ch.Status != models.ChannelStatusDone && ch.ItemsTotal == 0:
			// Discovery never finished for this channel; run it again.
			work = append(work, scheduler.ChannelWork{Channel: ch})
		default:
			channelsDone++
		}
	}

	if len(work) == 0 {
		// Nothing left to run; settle the books from the rows.
		status, note := c.settle(ctx, job)
		c.finish(ctx, job, status, note)
		return nil
	}

	c.log.Info(ctx, "resuming job", map[string]interface{}{
		"job_id":           jobID,
		"channels_pending": len(work),
		"items_pending":    len(incomplete),
	})

	base := models.Progress{
		JobID:            job.ID,
		Status:           models.JobStatusRunning,
		ChannelsTotal:    len(chans),
		ChannelsDone:     channelsDone,
		ItemsTotal:       stats.Total,
		ItemsDone:        stats.Completed,
		ItemsFailed:      stats.Failed,
		ItemsSkipped:     stats.Skipped,
		BytesTransferred: stats.Bytes,
	}
	return c.start(ctx, job, work, base)
}

// Cancel stops an active run. Everything blocking on the run context
// unblocks; in-flight items stay in_progress and the job turns
// cancelled once the loop drains. Cancelling a job this process is not
// running settles it directly, covering runs lost to a crash.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) error {
	c.mu.Lock()
	r, active := c.runs[jobID]
	c.mu.Unlock()

	if active {
		r.userCancelled.Store(true)
		r.cancel()
		c.log.Info(ctx, "cancel requested", map[string]interface{}{"job_id": jobID})
		return nil
	}

	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return mapJobErr(err)
	}
	if job.IsTerminal() {
		return apperrors.Conflict("job already " + job.Status)
	}

	c.finish(ctx, job, models.JobStatusCancelled, "")
	return nil
}

// Status assembles the job row, its channels, and whatever live views
// exist: the in-memory progress snapshot while the run is active, the
// persisted counters row afterwards, breaker and resource snapshots.
func (c *Coordinator) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, mapJobErr(err)
	}
	chans, err := c.channels.List(ctx, jobID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to list channels").WithCause(err)
	}

	st := &JobStatus{Job: job, Channels: chans}

	if p, ok := c.monitor.Snapshot(jobID); ok {
		st.Progress = &p
	} else if c.progressStore != nil {
		rec, err := c.progressStore.Get(ctx, jobID)
		switch {
		case err == nil:
			p := progressFromRecord(job, rec)
			st.Progress = &p
		case !errors.Is(err, db.ErrProgressNotFound):
			c.log.Warn(ctx, "progress row read failed", map[string]interface{}{
				"job_id": jobID,
				"error":  err.Error(),
			})
		}
	}

	if c.breakers != nil {
		st.Breakers = c.breakers.Snapshots()
	}
	if c.resources != nil {
		snap := c.resources.Snapshot()
		st.Resources = &snap
	}
	return st, nil
}

// List pages through jobs, newest first
func (c *Coordinator) List(ctx context.Context, limit, offset int) ([]models.Job, int, error) {
	return c.jobs.List(ctx, limit, offset)
}

// Running reports whether this process is actively driving the job
func (c *Coordinator) Running(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[jobID]
	return ok
}

// Close cancels every active run and waits for the loops to drain.
// Interrupted jobs keep status running so a restarted process can
// resume them; only an operator cancel marks a job cancelled.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeOnce.Do(c.closeBase)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start registers the run and spawns its loop. The loop runs on the
// coordinator's base context, not the caller's request context.
func (c *Coordinator) start(ctx context.Context, job *models.Job, work []scheduler.ChannelWork, base models.Progress) error {
	runner, err := c.newRunner(job)
	if err != nil {
		c.log.Error(ctx, "runner construction failed", err, map[string]interface{}{
			"job_id": job.ID,
		})
		c.finish(ctx, job, models.JobStatusFailed, err.Error())
		return err
	}

	runCtx, cancel := context.WithCancel(c.baseCtx)
	r := &run{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if _, exists := c.runs[job.ID]; exists {
		c.mu.Unlock()
		cancel()
		return apperrors.Conflict("job is already running")
	}
	c.runs[job.ID] = r
	c.mu.Unlock()

	if err := c.jobs.MarkStarted(ctx, job.ID); err != nil {
		c.mu.Lock()
		delete(c.runs, job.ID)
		c.mu.Unlock()
		cancel()
		return apperrors.DatabaseError("failed to mark job started").WithCause(err)
	}
	job.Status = models.JobStatusRunning

	c.monitor.Seed(job.ID, base)
	c.met.IncJobsActive()

	c.wg.Add(1)
	go c.runLoop(runCtx, job, runner, work, r)
	return nil
}

func (c *Coordinator) runLoop(ctx context.Context, job *models.Job, runner Runner, work []scheduler.ChannelWork, r *run) {
	defer c.wg.Done()
	defer close(r.done)
	defer c.met.DecJobsActive()
	defer func() {
		c.mu.Lock()
		delete(c.runs, job.ID)
		c.mu.Unlock()
	}()

	c.log.Info(ctx, "run loop started", map[string]interface{}{
		"job_id":   job.ID,
		"channels": len(work),
	})

	err := runner.Run(ctx, job, work)

	// The run context may be dead by now; finalization writes get their
	// own deadline.
	fctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	switch {
	case err != nil && apperrors.IsFatal(err):
		c.finish(fctx, job, models.JobStatusFailed, err.Error())
	case ctx.Err() != nil:
		if r.userCancelled.Load() {
			c.finish(fctx, job, models.JobStatusCancelled, "")
		} else {
			// Process shutdown: the job stays running in the store so a
			// restart can resume it where it stopped.
			c.log.Info(fctx, "run interrupted by shutdown, job left resumable", map[string]interface{}{
				"job_id": job.ID,
			})
		}
	case err != nil:
		c.finish(fctx, job, models.JobStatusFailed, err.Error())
	default:
		status, note := c.settle(fctx, job)
		c.finish(fctx, job, status, note)
	}
}

// settle derives the terminal status from the channel rows after a run
// that ended without a fatal error or cancellation.
func (c *Coordinator) settle(ctx context.Context, job *models.Job) (string, string) {
	counts, err := c.channels.CountStatuses(ctx, job.ID)
	if err != nil {
		c.log.Error(ctx, "channel status count failed during finalize", err, map[string]interface{}{
			"job_id": job.ID,
		})
		return models.JobStatusCompleted, ""
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	failed := counts[models.ChannelStatusFailed]

	switch {
	case total == 0:
		return models.JobStatusCompleted, ""
	case failed == total:
		return models.JobStatusFailed, fmt.Sprintf("all %d channels failed", total)
	case failed > 0 && !job.Config.ContinueOnError:
		return models.JobStatusFailed, fmt.Sprintf("stopped after channel failure (%d of %d channels failed)", failed, total)
	case failed > 0:
		return models.JobStatusCompleted, fmt.Sprintf("%d of %d channels failed", failed, total)
	default:
		return models.JobStatusCompleted, ""
	}
}

// finish records the terminal status and freezes the live progress view
func (c *Coordinator) finish(ctx context.Context, job *models.Job, status, note string) {
	if err := c.jobs.MarkFinished(ctx, job.ID, status, note); err != nil {
		c.log.Error(ctx, "failed to mark job finished", err, map[string]interface{}{
			"job_id": job.ID,
			"status": status,
		})
	}
	job.Status = status
	c.monitor.FinishJob(job.ID, status)

	fields := map[string]interface{}{
		"job_id": job.ID,
		"status": status,
	}
	if note != "" {
		fields["note"] = note
	}
	c.log.Info(ctx, "job finished", fields)
}

// persistProgress is the monitor callback writing the counters row.
// Runs outside the event hot path; failures cost durability of the
// display row only.
func (c *Coordinator) persistProgress(p models.Progress) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &db.ProgressRecord{
		JobID:            p.JobID,
		ChannelsTotal:    p.ChannelsTotal,
		ChannelsDone:     p.ChannelsDone,
		ItemsTotal:       p.ItemsTotal,
		ItemsDone:        p.ItemsDone,
		ItemsFailed:      p.ItemsFailed,
		ItemsSkipped:     p.ItemsSkipped,
		BytesTransferred: p.BytesTransferred,
	}
	if err := c.progressStore.Upsert(ctx, rec); err != nil {
		c.log.Warn(ctx, "progress row write failed", map[string]interface{}{
			"job_id": p.JobID,
			"error":  err.Error(),
		})
	}
}

// applyDefaults fills unset config fields and rejects nonsense values
func (c *Coordinator) applyDefaults(cfg models.JobConfig) (models.JobConfig, error) {
	d := c.defaults
	if cfg.MaxItemsPerChannel == 0 {
		cfg.MaxItemsPerChannel = d.MaxItemsPerChannel
	}
	if cfg.MaxConcurrentChannels == 0 {
		cfg.MaxConcurrentChannels = d.MaxConcurrentChannels
	}
	if cfg.MaxConcurrentItemsPerChannel == 0 {
		cfg.MaxConcurrentItemsPerChannel = d.MaxConcurrentItemsPerChannel
	}
	if cfg.MaxConcurrentItems == 0 {
		cfg.MaxConcurrentItems = d.MaxConcurrentItems
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.DownloadMode == "" {
		cfg.DownloadMode = d.DownloadMode
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = d.StorageBackend
	}
	if cfg.ChannelTimeout == 0 {
		cfg.ChannelTimeout = d.ChannelTimeout
	}

	for name, v := range map[string]int{
		"max_items_per_channel":            cfg.MaxItemsPerChannel,
		"max_concurrent_channels":          cfg.MaxConcurrentChannels,
		"max_concurrent_items_per_channel": cfg.MaxConcurrentItemsPerChannel,
		"max_concurrent_items":             cfg.MaxConcurrentItems,
		"max_retries":                      cfg.MaxRetries,
	} {
		if v < 0 {
			return cfg, apperrors.ValidationError(name + " must not be negative")
		}
	}

	switch cfg.DownloadMode {
	case "", models.ModeStreamToS3, models.ModeLocalThenUpload, models.ModeLocalOnly:
	default:
		return cfg, apperrors.ValidationError("unknown download_mode " + cfg.DownloadMode)
	}
	return cfg, nil
}

func progressFromRecord(job *models.Job, rec *db.ProgressRecord) models.Progress {
	return models.Progress{
		JobID:            job.ID,
		Status:           job.Status,
		ChannelsTotal:    rec.ChannelsTotal,
		ChannelsDone:     rec.ChannelsDone,
		ItemsTotal:       rec.ItemsTotal,
		ItemsDone:        rec.ItemsDone,
		ItemsFailed:      rec.ItemsFailed,
		ItemsSkipped:     rec.ItemsSkipped,
		BytesTransferred: rec.BytesTransferred,
		UpdatedAt:        rec.UpdatedAt,
	}
}

func mapJobErr(err error) error {
	if errors.Is(err, db.ErrJobNotFound) {
		return apperrors.JobNotFound()
	}
	return apperrors.DatabaseError("job lookup failed").WithCause(err)
}
