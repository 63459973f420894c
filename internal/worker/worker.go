// Package worker drives review processing: lease from the queue, mark
// processing, analyze, persist, acknowledge. Failures route through the
// retry policy back to the pending lane or into the dead-letter lane.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/javedharis/reviewq/internal/analysis"
	"github.com/javedharis/reviewq/internal/queue"
	"github.com/javedharis/reviewq/internal/resultstore"
	"github.com/javedharis/reviewq/internal/retry"
	"github.com/javedharis/reviewq/internal/review"
	"github.com/javedharis/reviewq/internal/status"
	"github.com/javedharis/reviewq/pkg/log"
)

// Options tunes a worker's loop.
type Options struct {
	// LeaseTimeout is how long a delivery may be held before the queue
	// reclaims it.
	LeaseTimeout time.Duration
	// PollInterval is the base idle sleep when the queue is empty.
	PollInterval time.Duration
	// AnalysisTimeout bounds a single analyzer call.
	AnalysisTimeout time.Duration
	// Policy decides retry vs dead-letter after failures.
	Policy retry.Policy
}

func (o *Options) withDefaults() {
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.AnalysisTimeout <= 0 {
		o.AnalysisTimeout = 60 * time.Second
	}
	def := retry.DefaultPolicy()
	if o.Policy.MaxRetries <= 0 {
		o.Policy.MaxRetries = def.MaxRetries
	}
	if o.Policy.BaseDelay <= 0 {
		o.Policy.BaseDelay = def.BaseDelay
	}
	if o.Policy.MaxDelay <= 0 {
		o.Policy.MaxDelay = def.MaxDelay
	}
}

// Worker processes reviews one at a time.
type Worker struct {
	id       string
	queue    *queue.Queue
	tracker  *status.Tracker
	analyzer analysis.Analyzer
	results  *resultstore.Store
	opts     Options
	logger   log.Logger
	rng      *rand.Rand
}

// New builds a worker with the given id.
func New(id string, q *queue.Queue, tr *status.Tracker, an analysis.Analyzer, rs *resultstore.Store, opts Options, logger log.Logger) *Worker {
	opts.withDefaults()
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Worker{
		id:       id,
		queue:    q,
		tracker:  tr,
		analyzer: an,
		results:  rs,
		opts:     opts,
		logger:   logger.WithComponent("worker").With(log.F("worker_id", id)),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run loops until ctx is canceled. Per-review failures are absorbed by the
// retry path; only storage-level errors are returned and halt the worker.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return nil
		}

		// maintenance: return crashed deliveries to the pending lane
		if _, err := w.queue.ReclaimExpired(ctx, 0); err != nil {
			return err
		}

		leased, err := w.queue.Lease(ctx, w.id, w.opts.LeaseTimeout, 0)
		if errors.Is(err, queue.ErrEmptyQueue) {
			if !w.idle(ctx) {
				w.logger.Info("worker stopping")
				return nil
			}
			continue
		}
		if err != nil {
			return err
		}

		if err := w.process(ctx, leased); err != nil {
			return err
		}
	}
}

// idle sleeps for the poll interval plus jitter. Returns false when ctx
// was canceled during the sleep.
func (w *Worker) idle(ctx context.Context) bool {
	jitter := time.Duration(w.rng.Int63n(int64(w.opts.PollInterval)/2 + 1))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.opts.PollInterval + jitter):
		return true
	}
}

// process runs one delivery end to end. Returns an error only for
// storage-level failures.
func (w *Worker) process(ctx context.Context, leased *queue.Leased) error {
	rid := leased.Review.ID

	attempt, err := w.tracker.MarkProcessing(ctx, rid)
	if errors.Is(err, status.ErrInvalidTransition) {
		return w.reconcile(ctx, rid)
	}
	if errors.Is(err, status.ErrNotFound) {
		// Queue entry without a status record: half-finished admission.
		// Remove it; the producer surface is the only way back in.
		w.logger.Warn("dropping untracked delivery", log.F("review_id", rid))
		if err := w.queue.Acknowledge(ctx, rid); err != nil && !errors.Is(err, queue.ErrNotInFlight) && !errors.Is(err, queue.ErrNotFound) {
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}
	w.logger.Debug("processing review", log.F("review_id", rid), log.F("attempt", attempt))

	actx, cancel := context.WithTimeout(ctx, w.opts.AnalysisTimeout)
	result, aerr := w.analyzer.Analyze(actx, leased.Review)
	cancel()
	if aerr != nil {
		return w.fail(ctx, rid, attempt, aerr)
	}

	// Persist before acknowledging: losing the ack costs a redelivery,
	// losing the result would cost the work.
	if err := w.results.SaveResult(leased.Review, result); err != nil {
		return w.fail(ctx, rid, attempt, err)
	}

	if err := w.tracker.MarkCompleted(ctx, rid, &result); err != nil {
		if errors.Is(err, status.ErrInvalidTransition) {
			w.logger.Warn("abandoning delivery at completion", log.F("review_id", rid), log.Err(err))
			return nil
		}
		return err
	}
	if err := w.queue.Acknowledge(ctx, rid); err != nil {
		if errors.Is(err, queue.ErrNotInFlight) || errors.Is(err, queue.ErrNotFound) {
			w.logger.Warn("lease lost before acknowledge", log.F("review_id", rid), log.Err(err))
			return nil
		}
		return err
	}
	w.logger.Info("review completed", log.F("review_id", rid), log.F("attempt", attempt))
	return nil
}

// reconcile resolves a delivery whose status record disagrees with the
// queue, which happens when a worker crashed mid-iteration and the lease
// was reclaimed. The tracker is authoritative.
func (w *Worker) reconcile(ctx context.Context, rid string) error {
	rec, err := w.tracker.Get(ctx, rid)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return nil
		}
		return err
	}
	switch rec.Status {
	case review.StatusProcessing:
		// A crashed worker left the record in processing. Fold it back to
		// pending and let this delivery carry on; the lost attempt stays
		// counted.
		if err := w.tracker.MarkRetry(ctx, rid, "lease expired before completion"); err != nil {
			if errors.Is(err, status.ErrInvalidTransition) {
				return nil
			}
			return err
		}
		w.logger.Info("recovered crashed delivery", log.F("review_id", rid))
		if err := w.queue.Requeue(ctx, rid, 0, 0); err != nil && !errors.Is(err, queue.ErrNotInFlight) && !errors.Is(err, queue.ErrNotFound) {
			return err
		}
		return nil
	case review.StatusCompleted:
		// Crash between completion and acknowledge: the result is already
		// persisted, so just finish the acknowledge.
		w.logger.Info("acknowledging already-completed review", log.F("review_id", rid))
		if err := w.queue.Acknowledge(ctx, rid); err != nil && !errors.Is(err, queue.ErrNotInFlight) && !errors.Is(err, queue.ErrNotFound) {
			return err
		}
		return nil
	case review.StatusFailed:
		// Crash between the failed mark and the dead-letter move.
		w.logger.Info("dead-lettering already-failed review", log.F("review_id", rid))
		if err := w.queue.DeadLetter(ctx, rid, rec.LastError, 0); err != nil && !errors.Is(err, queue.ErrNotInFlight) && !errors.Is(err, queue.ErrNotFound) {
			return err
		}
		return nil
	default:
		return nil
	}
}

// fail routes a failed attempt through the retry policy.
func (w *Worker) fail(ctx context.Context, rid string, attempt int, cause error) error {
	d := retry.Decide(attempt, w.opts.Policy)
	if d.Retry {
		if err := w.tracker.MarkRetry(ctx, rid, cause.Error()); err != nil {
			if errors.Is(err, status.ErrInvalidTransition) {
				w.logger.Warn("abandoning delivery at retry", log.F("review_id", rid), log.Err(err))
				return nil
			}
			return err
		}
		if err := w.queue.Requeue(ctx, rid, d.Delay, 0); err != nil {
			if errors.Is(err, queue.ErrNotInFlight) || errors.Is(err, queue.ErrNotFound) {
				w.logger.Warn("lease lost before requeue", log.F("review_id", rid), log.Err(err))
				return nil
			}
			return err
		}
		w.logger.Info("review scheduled for retry",
			log.F("review_id", rid), log.F("attempt", attempt),
			log.F("delay", d.Delay.String()), log.Err(cause))
		return nil
	}

	if err := w.tracker.MarkFailed(ctx, rid, cause.Error()); err != nil {
		if errors.Is(err, status.ErrInvalidTransition) {
			w.logger.Warn("abandoning delivery at dead-letter", log.F("review_id", rid), log.Err(err))
			return nil
		}
		return err
	}
	if err := w.queue.DeadLetter(ctx, rid, cause.Error(), 0); err != nil {
		if errors.Is(err, queue.ErrNotInFlight) || errors.Is(err, queue.ErrNotFound) {
			return nil
		}
		return err
	}
	w.logger.Warn("review dead-lettered",
		log.F("review_id", rid), log.F("attempt", attempt), log.Err(cause))
	return nil
}
