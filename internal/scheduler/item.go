package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/masshaul/masshaul/internal/breaker"
	"github.com/masshaul/masshaul/internal/db"
	"github.com/masshaul/masshaul/internal/deadletter"
	apperrors "github.com/masshaul/masshaul/internal/errors"
	"github.com/masshaul/masshaul/internal/models"
)

// itemWork is one item queued inside a channel's pool
type itemWork struct {
	desc     models.ItemDescriptor
	identity string
}

// processItem drives one item until it settles or the context dies.
// Every transfer attempt holds a global slot; backoff and breaker
// waiting happen with the slot released so a sleeping item never
// starves a runnable one. On cancellation the item is left in_progress
// and a resume pass re-admits it.
func (s *Scheduler) processItem(ctx context.Context, job *models.Job, channelID string, iw itemWork) {
	if ctx.Err() != nil {
		return
	}

	if s.skipDuplicate(ctx, job, channelID, iw) {
		return
	}

	br := s.deps.Breakers.Get(breakerDomain("transfer", iw.desc.SourceURL))

	for {
		// Resource headroom first, then a global slot. The breaker is
		// checked after the slot so an open circuit releases capacity
		// instead of camping on it.
		if err := s.waitAdmit(ctx); err != nil {
			return
		}
		if !s.acquireGlobal(ctx) {
			return
		}

		if err := br.Allow(); err != nil {
			s.releaseGlobal()

			delay := time.Second
			var open *breaker.ErrOpen
			if errors.As(err, &open) && open.RetryAfter > 0 {
				delay = open.RetryAfter
			}
			s.log.Debug(ctx, "breaker open, requeueing item", map[string]interface{}{
				"job_id":     job.ID,
				"channel_id": channelID,
				"item_id":    iw.desc.ItemID,
				"delay":      delay.String(),
			})
			if err := sleepCtx(ctx, delay); err != nil {
				return
			}
			continue
		}

		retryIn, done := s.attemptOnce(ctx, job, channelID, iw, br)
		s.releaseGlobal()
		if done {
			return
		}
		if err := sleepCtx(ctx, retryIn); err != nil {
			return
		}
	}
}

// skipDuplicate settles the item without an attempt when another item
// with the same content identity already completed in this job.
func (s *Scheduler) skipDuplicate(ctx context.Context, job *models.Job, channelID string, iw itemWork) bool {
	if iw.identity == "" {
		return false
	}

	dup, err := s.deps.Items.HasCompletedDuplicate(ctx, job.ID, iw.identity, channelID, iw.desc.ItemID)
	if err != nil {
		s.log.Error(ctx, "duplicate lookup failed", err, map[string]interface{}{
			"job_id":  job.ID,
			"item_id": iw.desc.ItemID,
		})
		return false
	}
	if !dup {
		return false
	}

	reason := "duplicate of an item already transferred in this job"
	if err := s.deps.Items.MarkSkipped(ctx, job.ID, channelID, iw.desc.ItemID, reason); err != nil {
		s.log.Error(ctx, "skip write failed", err, map[string]interface{}{
			"job_id":  job.ID,
			"item_id": iw.desc.ItemID,
		})
		return false
	}

	s.deps.Metrics.IncItemsSkipped()
	s.emit(models.Event{
		JobID:     job.ID,
		ChannelID: channelID,
		ItemID:    iw.desc.ItemID,
		Kind:      models.EventItemStatus,
		Status:    models.ItemStatusSkipped,
		Err:       reason,
	})
	s.log.Info(ctx, "item skipped as duplicate", map[string]interface{}{
		"job_id":     job.ID,
		"channel_id": channelID,
		"item_id":    iw.desc.ItemID,
	})
	return true
}

// attemptOnce runs a single transfer attempt while the caller holds a
// global slot. It returns done=true when the item settled (or the run
// is over for it) and otherwise the backoff to sleep before the next
// attempt.
func (s *Scheduler) attemptOnce(ctx context.Context, job *models.Job, channelID string, iw itemWork, br *breaker.Breaker) (time.Duration, bool) {
	// The attempt is counted before any bytes move, so a crash between
	// here and the outcome still consumed budget.
	attempt, err := s.deps.Items.RecordAttemptStart(ctx, job.ID, channelID, iw.desc.ItemID)
	if err != nil {
		if errors.Is(err, db.ErrItemNotFound) {
			// Settled by an earlier run or by duplicate collapse.
			return 0, true
		}
		if ctx.Err() != nil {
			return 0, true
		}
		// Leave the item pending; a resume pass retries it with the
		// bookkeeping hopefully back.
		s.log.Error(ctx, "attempt bookkeeping failed", err, map[string]interface{}{
			"job_id":  job.ID,
			"item_id": iw.desc.ItemID,
		})
		return 0, true
	}

	s.emit(models.Event{
		JobID:     job.ID,
		ChannelID: channelID,
		ItemID:    iw.desc.ItemID,
		Kind:      models.EventItemStatus,
		Status:    models.ItemStatusInProgress,
		Attempt:   attempt,
	})

	s.deps.Metrics.IncItemsInflight()
	outcome, terr := s.deps.Transferrer.Transfer(ctx, iw.desc, s.deps.Sink, func(n int64) {
		s.emit(models.Event{
			JobID:     job.ID,
			ChannelID: channelID,
			ItemID:    iw.desc.ItemID,
			Kind:      models.EventItemProgress,
			Bytes:     n,
		})
	})
	s.deps.Metrics.DecItemsInflight()

	if terr == nil {
		br.RecordSuccess()
		s.settleCompleted(ctx, job, channelID, iw, outcome)
		return 0, true
	}

	if ctx.Err() != nil {
		// Canceled mid-flight: stays in_progress for resume, the
		// attempt remains spent.
		return 0, true
	}

	class := apperrors.ClassificationOf(terr)
	s.feedBreaker(br, class)

	if class == apperrors.ClassFatalConfig {
		s.log.Error(ctx, "fatal configuration error, aborting run", terr, map[string]interface{}{
			"job_id":  job.ID,
			"item_id": iw.desc.ItemID,
		})
		s.abort(terr)
		return 0, true
	}

	if apperrors.IsRetryable(terr) && attempt < s.cfg.MaxRetries {
		delay := apperrors.CalculateBackoff(attempt, s.deps.TransferRetry, class)
		s.emit(models.Event{
			JobID:     job.ID,
			ChannelID: channelID,
			ItemID:    iw.desc.ItemID,
			Kind:      models.EventItemRetry,
			Attempt:   attempt,
			Err:       terr.Error(),
		})
		s.log.Warn(ctx, "transfer failed, retrying", map[string]interface{}{
			"job_id":     job.ID,
			"channel_id": channelID,
			"item_id":    iw.desc.ItemID,
			"attempt":    attempt,
			"class":      string(class),
			"delay":      delay.String(),
			"error":      terr.Error(),
		})
		return delay, false
	}

	s.settleFailed(ctx, job, channelID, iw, attempt, class, terr)
	return 0, true
}

func (s *Scheduler) settleCompleted(ctx context.Context, job *models.Job, channelID string, iw itemWork, outcome models.TransferOutcome) {
	transitioned, err := s.deps.Items.MarkCompleted(ctx, job.ID, channelID, iw.desc.ItemID, outcome.StorageKey, outcome.Bytes)
	if err != nil {
		s.log.Error(ctx, "completion write failed", err, map[string]interface{}{
			"job_id":  job.ID,
			"item_id": iw.desc.ItemID,
		})
		return
	}
	if !transitioned {
		// Completed is terminal; a concurrent writer got there first.
		return
	}

	s.deps.Metrics.IncItemsCompleted()
	s.deps.Metrics.AddBytesTransferred(outcome.Bytes)
	s.emit(models.Event{
		JobID:     job.ID,
		ChannelID: channelID,
		ItemID:    iw.desc.ItemID,
		Kind:      models.EventItemStatus,
		Status:    models.ItemStatusCompleted,
		Bytes:     outcome.Bytes,
	})
	s.log.Info(ctx, "item completed", map[string]interface{}{
		"job_id":      job.ID,
		"channel_id":  channelID,
		"item_id":     iw.desc.ItemID,
		"bytes":       outcome.Bytes,
		"storage_key": outcome.StorageKey,
	})
}

// settleFailed marks the item permanently failed and dead-letters it.
// It runs for non-retryable classes and for an exhausted budget alike.
func (s *Scheduler) settleFailed(ctx context.Context, job *models.Job, channelID string, iw itemWork, attempt int, class apperrors.Classification, cause error) {
	msg := cause.Error()
	if err := s.deps.Items.MarkFailed(ctx, job.ID, channelID, iw.desc.ItemID, string(class), msg, true); err != nil {
		s.log.Error(ctx, "failure write failed", err, map[string]interface{}{
			"job_id":  job.ID,
			"item_id": iw.desc.ItemID,
		})
	}

	s.deps.Metrics.IncItemsFailed()
	s.emit(models.Event{
		JobID:     job.ID,
		ChannelID: channelID,
		ItemID:    iw.desc.ItemID,
		Kind:      models.EventItemStatus,
		Status:    models.ItemStatusFailed,
		Attempt:   attempt,
		Permanent: true,
		Err:       msg,
	})
	s.log.Error(ctx, "item failed permanently", cause, map[string]interface{}{
		"job_id":     job.ID,
		"channel_id": channelID,
		"item_id":    iw.desc.ItemID,
		"attempts":   attempt,
		"class":      string(class),
	})

	if s.deps.DeadLetters == nil {
		return
	}
	entry := &deadletter.Entry{
		JobID:      job.ID,
		ChannelID:  channelID,
		ItemID:     iw.desc.ItemID,
		Title:      iw.desc.Title,
		SourceURL:  iw.desc.SourceURL,
		Attempts:   attempt,
		ErrorClass: string(class),
		Error:      msg,
	}
	if err := s.deps.DeadLetters.Push(ctx, entry); err != nil {
		s.log.Error(ctx, "dead-letter push failed", err, map[string]interface{}{
			"job_id":  job.ID,
			"item_id": iw.desc.ItemID,
		})
		return
	}
	s.deps.Metrics.IncDeadLetters()
}

func (s *Scheduler) acquireGlobal(ctx context.Context) bool {
	select {
	case s.globalSlots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) releaseGlobal() {
	<-s.globalSlots
}
