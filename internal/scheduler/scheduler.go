// Package scheduler executes one job's channel set under nested
// concurrency bounds. A fixed pool of channel workers fans out over the
// channels; inside each channel a pool of item workers moves items,
// and every in-flight item additionally holds a slot in a job-wide
// semaphore. The per-channel cap and the global cap are independent
// ceilings and both must admit an item before its transfer starts.
//
// Before any remote work the scheduler waits on the resource monitor,
// so host pressure turns into backpressure instead of failures, and on
// the failure domain's circuit breaker, so a struggling remote is
// probed instead of hammered.
package scheduler

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/masshaul/masshaul/internal/breaker"
	"github.com/masshaul/masshaul/internal/db"
	"github.com/masshaul/masshaul/internal/deadletter"
	apperrors "github.com/masshaul/masshaul/internal/errors"
	"github.com/masshaul/masshaul/internal/logger"
	"github.com/masshaul/masshaul/internal/metrics"
	"github.com/masshaul/masshaul/internal/models"
	"github.com/masshaul/masshaul/internal/storage"
	"github.com/masshaul/masshaul/internal/ytdlp"
)

// ChannelStore is the slice of channel persistence the scheduler needs
type ChannelStore interface {
	UpdateStatus(ctx context.Context, jobID, channelID, status, errMsg string) error
	MarkDiscovered(ctx context.Context, jobID, channelID, title string, itemsTotal int) error
}

// ItemStore is the slice of item persistence the scheduler needs. The
// implementation must refuse RecordAttemptStart for items that are
// already completed or permanently failed by returning
// db.ErrItemNotFound.
type ItemStore interface {
	UpsertDiscovered(ctx context.Context, jobID string, descriptors []models.ItemDescriptor) error
	RecordAttemptStart(ctx context.Context, jobID, channelID, itemID string) (int, error)
	MarkCompleted(ctx context.Context, jobID, channelID, itemID, storageKey string, bytes int64) (bool, error)
	MarkFailed(ctx context.Context, jobID, channelID, itemID, errorClass, errMsg string, permanent bool) error
	MarkSkipped(ctx context.Context, jobID, channelID, itemID, reason string) error
	HasCompletedDuplicate(ctx context.Context, jobID, identityHash, channelID, itemID string) (bool, error)
}

// Discoverer lists a channel's items without transferring anything
type Discoverer interface {
	Discover(ctx context.Context, channelURL string, maxItems int) ([]models.ItemDescriptor, error)
}

// Transferrer moves one item's bytes into the sink
type Transferrer interface {
	Transfer(ctx context.Context, item models.ItemDescriptor, sink storage.Sink, progress ytdlp.ProgressFunc) (models.TransferOutcome, error)
}

// EventSink receives state transition and progress events. Record must
// never block.
type EventSink interface {
	Record(ev models.Event)
}

// Admitter gates new work on host resource headroom
type Admitter interface {
	WaitAdmit(ctx context.Context) error
}

// DeadLetters records items that exhausted their retry budget
type DeadLetters interface {
	Push(ctx context.Context, entry *deadletter.Entry) error
}

// Deps wires the scheduler to its collaborators. Admitter, Events and
// DeadLetters may be nil, which disables the respective concern.
type Deps struct {
	Channels    ChannelStore
	Items       ItemStore
	Discoverer  Discoverer
	Transferrer Transferrer
	Sink        storage.Sink
	Breakers    *breaker.Registry
	Admitter    Admitter
	Events      EventSink
	DeadLetters DeadLetters
	Metrics     *metrics.Metrics

	// TransferRetry and DiscoveryRetry shape backoff timing. The
	// attempt budget itself comes from the job config.
	TransferRetry  *apperrors.RetryConfig
	DiscoveryRetry *apperrors.RetryConfig
}

// ChannelWork is one channel's unit of execution. Items carries the
// pre-loaded transfer list on resume; when empty the channel is
// (re)discovered first.
type ChannelWork struct {
	Channel models.Channel
	Items   []models.Item
}

// Scheduler runs a single job. Build one per run; it holds per-run
// state and is not reusable.
type Scheduler struct {
	deps Deps
	cfg  models.JobConfig
	log  *logger.Logger

	globalSlots chan struct{}

	mu        sync.Mutex
	fatalErr  error
	cancelRun context.CancelFunc
}

// New builds a scheduler for one job using the job's own config
// snapshot, so concurrency and retry budgets follow the job rather than
// the server's current defaults.
func New(deps Deps, cfg models.JobConfig) *Scheduler {
	cfg = normalizeConfig(cfg)

	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}
	if deps.TransferRetry == nil {
		deps.TransferRetry = apperrors.DefaultRetryConfig()
	}
	if deps.DiscoveryRetry == nil {
		deps.DiscoveryRetry = apperrors.DiscoveryRetryConfig()
	}

	return &Scheduler{
		deps:        deps,
		cfg:         cfg,
		log:         logger.Default().WithComponent("scheduler"),
		globalSlots: make(chan struct{}, cfg.MaxConcurrentItems),
	}
}

func normalizeConfig(cfg models.JobConfig) models.JobConfig {
	if cfg.MaxConcurrentChannels < 1 {
		cfg.MaxConcurrentChannels = 1
	}
	if cfg.MaxConcurrentItemsPerChannel < 1 {
		cfg.MaxConcurrentItemsPerChannel = 1
	}
	if cfg.MaxConcurrentItems < 1 {
		cfg.MaxConcurrentItems = cfg.MaxConcurrentChannels * cfg.MaxConcurrentItemsPerChannel
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return cfg
}

// Run processes the channel set and blocks until every admitted channel
// reached a terminal state or the context was canceled. Channels are
// dispatched in input order. The returned error is non-nil only for a
// job-level abort: a fatal configuration error or caller cancellation.
// Per-channel and per-item failures are recorded in the store and do
// not surface here.
func (s *Scheduler) Run(ctx context.Context, job *models.Job, work []ChannelWork) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	s.log.Info(ctx, "run starting", map[string]interface{}{
		"job_id":            job.ID,
		"channels":          len(work),
		"max_channels":      s.cfg.MaxConcurrentChannels,
		"max_items_per_ch":  s.cfg.MaxConcurrentItemsPerChannel,
		"max_items_global":  s.cfg.MaxConcurrentItems,
		"max_retries":       s.cfg.MaxRetries,
		"continue_on_error": s.cfg.ContinueOnError,
	})

	workCh := make(chan ChannelWork)
	var wg sync.WaitGroup

	workers := s.cfg.MaxConcurrentChannels
	if workers > len(work) {
		workers = len(work)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cw := range workCh {
				s.processChannel(runCtx, job, cw)
			}
		}()
	}

feed:
	for _, cw := range work {
		select {
		case workCh <- cw:
		case <-runCtx.Done():
			break feed
		}
	}
	close(workCh)
	wg.Wait()

	if err := s.fatal(); err != nil {
		return err
	}
	return ctx.Err()
}

// abort stops the whole run because of an error no retry can fix
func (s *Scheduler) abort(err error) {
	s.mu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	cancel := s.cancelRun
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// stopRemaining cancels channels that have not started yet without
// recording a fatal error, for continue_on_error=false.
func (s *Scheduler) stopRemaining() {
	s.mu.Lock()
	cancel := s.cancelRun
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Scheduler) fatal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// processChannel drives one channel from admission to a terminal
// status. On job cancellation the channel is left non-terminal so a
// resume pass picks it up again.
func (s *Scheduler) processChannel(ctx context.Context, job *models.Job, cw ChannelWork) {
	if ctx.Err() != nil {
		return
	}

	ch := cw.Channel

	s.deps.Metrics.IncChannelsInflight()
	defer s.deps.Metrics.DecChannelsInflight()

	chCtx := ctx
	if s.cfg.ChannelTimeout > 0 {
		var cancel context.CancelFunc
		chCtx, cancel = context.WithTimeout(ctx, s.cfg.ChannelTimeout)
		defer cancel()
	}

	// Host headroom before any remote call.
	if err := s.waitAdmit(chCtx); err != nil {
		s.finishChannel(ctx, chCtx, job, ch, errors.New("timed out waiting for resource headroom"))
		return
	}

	var queue []itemWork
	if len(cw.Items) > 0 {
		// Resume path: the transfer list is already persisted.
		s.setChannelStatus(ctx, job, ch.ChannelID, models.ChannelStatusProcessing, "")
		queue = make([]itemWork, 0, len(cw.Items))
		for i := range cw.Items {
			it := &cw.Items[i]
			desc := it.Descriptor()
			desc.ChannelID = ch.ChannelID
			queue = append(queue, itemWork{desc: desc, identity: it.IdentityHash})
		}
	} else {
		descs, err := s.discoverChannel(chCtx, job, &ch)
		if err != nil {
			if apperrors.ClassificationOf(err) == apperrors.ClassFatalConfig {
				s.abort(err)
			}
			s.finishChannel(ctx, chCtx, job, ch, err)
			return
		}
		queue = make([]itemWork, 0, len(descs))
		for _, d := range descs {
			queue = append(queue, itemWork{
				desc:     d,
				identity: db.CalculateIdentityHash(d.ChannelID, d.Title, d.DurationSec),
			})
		}
	}

	itemCh := make(chan itemWork)
	var wg sync.WaitGroup

	workers := s.cfg.MaxConcurrentItemsPerChannel
	if workers > len(queue) {
		workers = len(queue)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for iw := range itemCh {
				s.processItem(chCtx, job, ch.ChannelID, iw)
			}
		}()
	}

	// Items are handed out in discovery order; completion order is up
	// to the workers.
feed:
	for _, iw := range queue {
		select {
		case itemCh <- iw:
		case <-chCtx.Done():
			break feed
		}
	}
	close(itemCh)
	wg.Wait()

	s.finishChannel(ctx, chCtx, job, ch, nil)
}

// finishChannel writes the channel's terminal status and emits the
// matching event. A nil cause with a live context means the channel ran
// to completion; a dead channel context means it timed out; a dead run
// context means the job was canceled and the channel stays as is.
func (s *Scheduler) finishChannel(ctx, chCtx context.Context, job *models.Job, ch models.Channel, cause error) {
	if ctx.Err() != nil {
		// Job canceled: no terminal status, resume will revisit.
		return
	}

	if cause == nil && chCtx.Err() != nil {
		cause = errors.New("channel processing timed out")
	}

	if cause == nil {
		s.setChannelStatus(ctx, job, ch.ChannelID, models.ChannelStatusDone, "")
		s.log.Info(ctx, "channel done", map[string]interface{}{
			"job_id":     job.ID,
			"channel_id": ch.ChannelID,
		})
		return
	}

	s.setChannelStatus(ctx, job, ch.ChannelID, models.ChannelStatusFailed, cause.Error())
	s.log.Error(ctx, "channel failed", cause, map[string]interface{}{
		"job_id":     job.ID,
		"channel_id": ch.ChannelID,
	})

	if !s.cfg.ContinueOnError {
		s.log.Warn(ctx, "stopping remaining channels after failure", map[string]interface{}{
			"job_id":     job.ID,
			"channel_id": ch.ChannelID,
		})
		s.stopRemaining()
	}
}

// discoverChannel lists the channel with breaker gating and classified
// retries, persists the discovered items and moves the channel into
// processing. Items are stored under the job's channel key regardless
// of what identity the remote listing reports, so retries and resumes
// stay consistent.
func (s *Scheduler) discoverChannel(ctx context.Context, job *models.Job, ch *models.Channel) ([]models.ItemDescriptor, error) {
	s.setChannelStatus(ctx, job, ch.ChannelID, models.ChannelStatusDiscovering, "")

	br := s.deps.Breakers.Get(breakerDomain("discover", ch.URL))

	var descs []models.ItemDescriptor
	attempt := 0
	for {
		if err := s.waitBreaker(ctx, br); err != nil {
			return nil, err
		}

		attempt++
		var err error
		descs, err = s.deps.Discoverer.Discover(ctx, ch.URL, s.cfg.MaxItemsPerChannel)
		if err == nil {
			br.RecordSuccess()
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		class := apperrors.ClassificationOf(err)
		s.feedBreaker(br, class)

		if class == apperrors.ClassFatalConfig || !apperrors.IsRetryable(err) || attempt >= s.cfg.MaxRetries {
			return nil, err
		}

		delay := apperrors.CalculateBackoff(attempt, s.deps.DiscoveryRetry, class)
		s.log.Warn(ctx, "discovery failed, retrying", map[string]interface{}{
			"job_id":     job.ID,
			"channel_id": ch.ChannelID,
			"attempt":    attempt,
			"class":      string(class),
			"delay":      delay.String(),
			"error":      err.Error(),
		})
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}

	title := ch.Title
	for i := range descs {
		if descs[i].ChannelTitle != "" {
			title = descs[i].ChannelTitle
			break
		}
	}
	for i := range descs {
		descs[i].ChannelID = ch.ChannelID
	}

	// Item rows land before the channel claims them, so a crash between
	// the two writes never strands a channel whose items were lost.
	if err := s.deps.Items.UpsertDiscovered(ctx, job.ID, descs); err != nil {
		return nil, apperrors.DatabaseError("failed to persist discovered items").WithCause(err)
	}
	if err := s.deps.Channels.MarkDiscovered(ctx, job.ID, ch.ChannelID, title, len(descs)); err != nil {
		return nil, apperrors.DatabaseError("failed to record discovery").WithCause(err)
	}

	s.emit(models.Event{
		JobID:     job.ID,
		ChannelID: ch.ChannelID,
		Kind:      models.EventChannelStatus,
		Status:    models.ChannelStatusDiscovered,
		Count:     len(descs),
	})
	s.log.Info(ctx, "channel discovered", map[string]interface{}{
		"job_id":     job.ID,
		"channel_id": ch.ChannelID,
		"items":      len(descs),
	})

	s.setChannelStatus(ctx, job, ch.ChannelID, models.ChannelStatusProcessing, "")
	return descs, nil
}

// setChannelStatus persists a channel transition and emits its event
func (s *Scheduler) setChannelStatus(ctx context.Context, job *models.Job, channelID, status, errMsg string) {
	if err := s.deps.Channels.UpdateStatus(ctx, job.ID, channelID, status, errMsg); err != nil {
		s.log.Error(ctx, "channel status write failed", err, map[string]interface{}{
			"job_id":     job.ID,
			"channel_id": channelID,
			"status":     status,
		})
	}
	s.emit(models.Event{
		JobID:     job.ID,
		ChannelID: channelID,
		Kind:      models.EventChannelStatus,
		Status:    status,
		Err:       errMsg,
	})
}

// waitBreaker holds the caller until the breaker admits a call. An open
// circuit parks the unit for the breaker's remaining recovery time; it
// is never treated as a failure.
func (s *Scheduler) waitBreaker(ctx context.Context, br *breaker.Breaker) error {
	for {
		err := br.Allow()
		if err == nil {
			return nil
		}

		delay := time.Second
		var open *breaker.ErrOpen
		if errors.As(err, &open) && open.RetryAfter > 0 {
			delay = open.RetryAfter
		}

		s.log.Debug(ctx, "breaker open, holding work", map[string]interface{}{
			"breaker": br.Snapshot().Name,
			"delay":   delay.String(),
		})
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

// feedBreaker translates an error class into breaker bookkeeping. Only
// trouble reaching the remote counts against the domain's health: a
// remote that answers "this item is gone" is up, and local disk or
// caller input problems say nothing about it.
func (s *Scheduler) feedBreaker(br *breaker.Breaker, class apperrors.Classification) {
	switch class {
	case apperrors.ClassTransientNetwork, apperrors.ClassRateLimited:
		br.RecordFailure()
	case apperrors.ClassResourceUnavailableRemote:
		br.RecordSuccess()
	}
}

func (s *Scheduler) waitAdmit(ctx context.Context) error {
	if s.deps.Admitter == nil {
		return ctx.Err()
	}
	return s.deps.Admitter.WaitAdmit(ctx)
}

func (s *Scheduler) emit(ev models.Event) {
	if s.deps.Events != nil {
		s.deps.Events.Record(ev)
	}
}

// breakerDomain keys a breaker by operation and remote host, so a dead
// enumeration endpoint never blocks transfers that still work and one
// bad host never blocks another.
func breakerDomain(op, rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return op + ":" + strings.ToLower(u.Host)
	}
	return op
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
