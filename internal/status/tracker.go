package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/javedharis/reviewq/internal/review"
	pebblestore "github.com/javedharis/reviewq/internal/storage/pebble"
	"github.com/javedharis/reviewq/pkg/log"
)

var (
	// ErrNotFound is returned when no status record exists for a review.
	ErrNotFound = errors.New("status: review not found")
	// ErrInvalidTransition is returned when a mark would violate the
	// status state machine.
	ErrInvalidTransition = errors.New("status: invalid transition")
)

// Record is the status snapshot stored per review.
// Keyed at rs/{queue}/status/{review_id}.
type Record struct {
	ReviewID     string                   `json:"review_id"`
	Status       review.ProcessingStatus  `json:"status"`
	AttemptCount int                      `json:"attempt_count"`
	LastError    string                   `json:"last_error,omitempty"`
	Rating       int                      `json:"rating"`
	SubmittedAt  time.Time                `json:"submitted_at"`
	Result       *review.StructuredResult `json:"result,omitempty"`
	UpdatedAtMs  int64                    `json:"updated_at_ms"`
}

// Counts reports how many reviews sit in each status.
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Tracker maintains per-review status records on Pebble with a strict
// state machine:
//
//	pending    -> processing
//	processing -> completed | pending (retry) | failed
//	failed     -> pending (explicit requeue, attempts reset)
//
// AttemptCount increments on the pending->processing transition, so it
// counts deliveries, including ones lost to worker crashes.
type Tracker struct {
	db     *pebblestore.DB
	queue  string
	logger log.Logger

	// mu serializes read-modify-write cycles on status records.
	mu sync.Mutex
}

// Open initializes a tracker for the named queue.
func Open(db *pebblestore.DB, queue string, logger log.Logger) (*Tracker, error) {
	if queue == "" || strings.Contains(queue, "/") {
		return nil, fmt.Errorf("status: invalid queue name %q", queue)
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Tracker{
		db:     db,
		queue:  queue,
		logger: logger.WithComponent("status").With(log.F("queue", queue)),
	}, nil
}

// statusPrefix returns the base prefix for status records.
// Format: rs/{queue}/status/
func statusPrefix(queue string) string {
	return "rs/" + queue + "/status/"
}

func statusKey(queue, reviewID string) []byte {
	return []byte(statusPrefix(queue) + reviewID)
}

func keyRange(prefix string) ([]byte, []byte) {
	start := []byte(prefix)
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xFF
	return start, end
}

func (t *Tracker) load(reviewID string) (*Record, error) {
	raw, err := t.db.Get(statusKey(t.queue, reviewID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reviewID)
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("status: decode record for %s: %w", reviewID, err)
	}
	return &rec, nil
}

func (t *Tracker) store(ctx context.Context, rec *Record) error {
	rec.UpdatedAtMs = time.Now().UnixMilli()
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b := t.db.NewBatch()
	defer b.Close()
	if err := b.Set(statusKey(t.queue, rec.ReviewID), raw, nil); err != nil {
		return err
	}
	return t.db.CommitBatch(ctx, b)
}

// Initialize creates a pending status record for a newly enqueued review.
// It is idempotent: an existing record, whatever its status, is left alone.
func (t *Tracker) Initialize(ctx context.Context, rv review.Review) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.load(rv.ID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return t.store(ctx, &Record{
		ReviewID:    rv.ID,
		Status:      review.StatusPending,
		Rating:      rv.Rating,
		SubmittedAt: rv.Date,
	})
}

// MarkProcessing transitions pending -> processing and increments the
// attempt count. Returns the attempt number this delivery represents.
func (t *Tracker) MarkProcessing(ctx context.Context, reviewID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.load(reviewID)
	if err != nil {
		return 0, err
	}
	if rec.Status != review.StatusPending {
		return 0, fmt.Errorf("%w: %s -> processing for %s", ErrInvalidTransition, rec.Status, reviewID)
	}
	rec.Status = review.StatusProcessing
	rec.AttemptCount++
	if err := t.store(ctx, rec); err != nil {
		return 0, err
	}
	return rec.AttemptCount, nil
}

// MarkCompleted transitions processing -> completed and records the
// analyzer result.
func (t *Tracker) MarkCompleted(ctx context.Context, reviewID string, result *review.StructuredResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.load(reviewID)
	if err != nil {
		return err
	}
	if rec.Status != review.StatusProcessing {
		return fmt.Errorf("%w: %s -> completed for %s", ErrInvalidTransition, rec.Status, reviewID)
	}
	rec.Status = review.StatusCompleted
	rec.LastError = ""
	rec.Result = result
	return t.store(ctx, rec)
}

// MarkRetry transitions processing -> pending after a transient failure,
// keeping the attempt count and recording the error.
func (t *Tracker) MarkRetry(ctx context.Context, reviewID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.load(reviewID)
	if err != nil {
		return err
	}
	if rec.Status != review.StatusProcessing {
		return fmt.Errorf("%w: %s -> pending for %s", ErrInvalidTransition, rec.Status, reviewID)
	}
	rec.Status = review.StatusPending
	rec.LastError = reason
	return t.store(ctx, rec)
}

// MarkFailed transitions processing -> failed once retries are exhausted.
func (t *Tracker) MarkFailed(ctx context.Context, reviewID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.load(reviewID)
	if err != nil {
		return err
	}
	if rec.Status != review.StatusProcessing {
		return fmt.Errorf("%w: %s -> failed for %s", ErrInvalidTransition, rec.Status, reviewID)
	}
	rec.Status = review.StatusFailed
	rec.LastError = reason
	return t.store(ctx, rec)
}

// ResetAttempts transitions failed -> pending with a fresh retry budget.
// The previous failure reason stays in LastError until the next transition.
func (t *Tracker) ResetAttempts(ctx context.Context, reviewID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.load(reviewID)
	if err != nil {
		return err
	}
	if rec.Status != review.StatusFailed {
		return fmt.Errorf("%w: %s -> pending (reset) for %s", ErrInvalidTransition, rec.Status, reviewID)
	}
	rec.Status = review.StatusPending
	rec.AttemptCount = 0
	return t.store(ctx, rec)
}

// ResetAllFailed applies ResetAttempts to every failed review in one
// atomic batch. Returns the number of records reset.
func (t *Tracker) ResetAllFailed(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lo, hi := keyRange(statusPrefix(t.queue))
	iter, err := t.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := t.db.NewBatch()
	defer b.Close()
	nowMs := time.Now().UnixMilli()
	reset := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if rec.Status != review.StatusFailed {
			continue
		}
		rec.Status = review.StatusPending
		rec.AttemptCount = 0
		rec.UpdatedAtMs = nowMs
		raw, err := json.Marshal(&rec)
		if err != nil {
			return reset, err
		}
		if err := b.Set(append([]byte(nil), iter.Key()...), raw, nil); err != nil {
			return reset, err
		}
		reset++
	}
	if reset == 0 {
		return 0, nil
	}
	if err := t.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	return reset, nil
}

// Get returns the status record for a review.
func (t *Tracker) Get(ctx context.Context, reviewID string) (*Record, error) {
	return t.load(reviewID)
}

// Counts reports status populations from a consistent snapshot.
func (t *Tracker) Counts(ctx context.Context) (Counts, error) {
	snap := t.db.NewSnapshot()
	defer snap.Close()

	lo, hi := keyRange(statusPrefix(t.queue))
	iter, err := snap.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return Counts{}, err
	}
	defer iter.Close()

	var c Counts
	for ok := iter.First(); ok; ok = iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		switch rec.Status {
		case review.StatusPending:
			c.Pending++
		case review.StatusProcessing:
			c.Processing++
		case review.StatusCompleted:
			c.Completed++
		case review.StatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

// AppendClear adds a range delete covering all status records to b, so an
// admin clear can commit queue and status deletes as one batch.
func (t *Tracker) AppendClear(b *pebble.Batch) error {
	lo, hi := keyRange(statusPrefix(t.queue))
	return b.DeleteRange(lo, hi, nil)
}

// Clear removes every status record in one atomic batch.
func (t *Tracker) Clear(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.db.NewBatch()
	defer b.Close()
	if err := t.AppendClear(b); err != nil {
		return err
	}
	return t.db.CommitBatch(ctx, b)
}
