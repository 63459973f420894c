package ingest

import (
	"context"
	"errors"

	"github.com/javedharis/reviewq/internal/queue"
	"github.com/javedharis/reviewq/internal/review"
	"github.com/javedharis/reviewq/internal/status"
	"github.com/javedharis/reviewq/pkg/log"
)

// Producer validates reviews and admits them into the pipeline: a status
// record first, then the queue entry. Admission is idempotent on review
// ID; a review that has ever been submitted (whatever its current status)
// is not admitted twice.
type Producer struct {
	queue   *queue.Queue
	tracker *status.Tracker
	logger  log.Logger
}

// NewProducer builds a Producer.
func NewProducer(q *queue.Queue, tr *status.Tracker, logger log.Logger) *Producer {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Producer{queue: q, tracker: tr, logger: logger.WithComponent("producer")}
}

// Summary reports the outcome of a batch enqueue.
type Summary struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
	Invalid int `json:"invalid"`
}

// Enqueue admits a single review. Returns false when the review was
// already known and nothing was done.
func (p *Producer) Enqueue(ctx context.Context, rv review.Review) (bool, error) {
	if err := rv.Validate(); err != nil {
		return false, err
	}
	if _, err := p.tracker.Get(ctx, rv.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, status.ErrNotFound) {
		return false, err
	}

	// Status record first: a crash between the two writes leaves a pending
	// record without a queue entry, which the status surface makes visible,
	// rather than a queued review with no trackable status.
	if err := p.tracker.Initialize(ctx, rv); err != nil {
		return false, err
	}
	added, err := p.queue.Enqueue(ctx, rv)
	if err != nil {
		return false, err
	}
	p.logger.Debug("admitted review", log.F("review_id", rv.ID), log.F("added", added))
	return added, nil
}

// EnqueueBatch admits many reviews, skipping duplicates and counting
// invalid rows instead of aborting the batch.
func (p *Producer) EnqueueBatch(ctx context.Context, reviews []review.Review) (Summary, error) {
	var s Summary
	for _, rv := range reviews {
		added, err := p.Enqueue(ctx, rv)
		switch {
		case errors.Is(err, review.ErrInvalidReview):
			p.logger.Warn("skipping invalid review", log.F("review_id", rv.ID), log.Err(err))
			s.Invalid++
		case err != nil:
			return s, err
		case added:
			s.Added++
		default:
			s.Skipped++
		}
	}
	p.logger.Info("batch enqueue finished",
		log.F("added", s.Added), log.F("skipped", s.Skipped), log.F("invalid", s.Invalid))
	return s, nil
}
