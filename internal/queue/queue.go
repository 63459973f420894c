package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/javedharis/reviewq/internal/review"
	pebblestore "github.com/javedharis/reviewq/internal/storage/pebble"
	"github.com/javedharis/reviewq/pkg/id"
	"github.com/javedharis/reviewq/pkg/log"
)

// Lane markers. Every known review is in exactly one lane.
const (
	lanePending  = "pending"
	laneInFlight = "in_flight"
	laneFailed   = "failed"
)

var (
	// ErrEmptyQueue is returned by Lease when no review is ready.
	ErrEmptyQueue = errors.New("queue: no review ready")
	// ErrNotInFlight is returned when an operation requires an active lease.
	ErrNotInFlight = errors.New("queue: review is not in flight")
	// ErrNotFound is returned when the review is not in the queue at all.
	ErrNotFound = errors.New("queue: review not found")
)

// leaseRecord is the JSON value stored at lease/{review_id}.
type leaseRecord struct {
	WorkerID    string `json:"worker_id"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
	Token       string `json:"token"`
}

// failedRecord is the JSON value stored at failed/{review_id}.
type failedRecord struct {
	Reason     string `json:"reason"`
	FailedAtMs int64  `json:"failed_at_ms"`
}

// Leased is a review handed to a worker under a lease.
type Leased struct {
	Review      review.Review
	Token       id.ID
	WorkerID    string
	ExpiresAtMs int64
}

// Counts reports the population of each lane.
type Counts struct {
	Pending  int `json:"pending"`
	Delayed  int `json:"delayed"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
}

// Queue is a durable three-lane review queue on Pebble. Reviews wait in the
// pending lane in FIFO order, move to in-flight under a lease when a worker
// dequeues them, and land in the failed lane when retries are exhausted.
// All lane moves are batch-atomic.
type Queue struct {
	db     *pebblestore.DB
	name   string
	gen    *id.Generator
	logger log.Logger

	// mu serializes mutations so two workers cannot lease the same review.
	mu sync.Mutex
}

// Open initializes a queue named name on db. The name becomes a key prefix
// and must not contain '/'.
func Open(db *pebblestore.DB, name string, logger log.Logger) (*Queue, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("queue: invalid queue name %q", name)
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Queue{
		db:     db,
		name:   name,
		gen:    id.NewGenerator(),
		logger: logger.WithComponent("queue").With(log.F("queue", name)),
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue adds a review to the pending lane. It is idempotent on review ID:
// if the review is already in any lane the call is a no-op and added is false.
func (q *Queue) Enqueue(ctx context.Context, rv review.Review) (added bool, err error) {
	if err := rv.Validate(); err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.Get(laneKey(q.name, rv.ID)); err == nil {
		return false, nil
	} else if !errors.Is(err, pebblestore.ErrNotFound) {
		return false, err
	}

	token := q.gen.Next()
	encoded, err := encodeReview(token, rv)
	if err != nil {
		return false, err
	}

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Set(reviewKey(q.name, rv.ID), encoded, nil); err != nil {
		return false, err
	}
	if err := b.Set(laneKey(q.name, rv.ID), []byte(lanePending), nil); err != nil {
		return false, err
	}
	if err := b.Set(pendingKey(q.name, token), []byte(rv.ID), nil); err != nil {
		return false, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return false, err
	}
	q.logger.Debug("enqueued review", log.F("review_id", rv.ID), log.F("token", token.String()))
	return true, nil
}

// promoteDue moves delayed retries whose fire time has passed into the
// pending index. Committed separately so the subsequent pending scan sees
// the promoted entries.
func (q *Queue) promoteDue(ctx context.Context, nowMs int64) error {
	lo, hi := keyRange(queuePrefix(q.name) + prefixDelay)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	promoted := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(lo)+8+16 {
			continue
		}
		fire := int64(binary.BigEndian.Uint64(k[len(lo) : len(lo)+8]))
		if fire > nowMs {
			break
		}
		var token id.ID
		copy(token[:], k[len(k)-16:])
		reviewID := append([]byte(nil), iter.Value()...)
		if err := b.Delete(k, nil); err != nil {
			return err
		}
		if err := b.Set(pendingKey(q.name, token), reviewID, nil); err != nil {
			return err
		}
		promoted++
	}
	if promoted == 0 {
		return nil
	}
	return q.db.CommitBatch(ctx, b)
}

// Lease dequeues the oldest pending review and places it in flight under a
// lease held by workerID for leaseTimeout. Returns ErrEmptyQueue when no
// review is ready. If nowMs <= 0, time.Now().UnixMilli() is used.
func (q *Queue) Lease(ctx context.Context, workerID string, leaseTimeout time.Duration, nowMs int64) (*Leased, error) {
	if workerID == "" {
		return nil, errors.New("queue: empty worker id")
	}
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	if leaseTimeout <= 0 {
		leaseTimeout = 30 * time.Second
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.promoteDue(ctx, nowMs); err != nil {
		return nil, err
	}

	lo, hi := keyRange(queuePrefix(q.name) + prefixPending)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(lo)+16 {
			continue
		}
		var token id.ID
		copy(token[:], k[len(k)-16:])
		reviewID := string(iter.Value())

		encoded, errGet := q.db.Get(reviewKey(q.name, reviewID))
		if errGet != nil {
			// orphaned index entry; drop it and keep scanning
			_ = b.Delete(k, nil)
			_ = b.Delete(laneKey(q.name, reviewID), nil)
			continue
		}
		_, rv, okDec := decodeReview(encoded)
		if !okDec {
			q.logger.Warn("dropping corrupt review record", log.F("review_id", reviewID))
			_ = b.Delete(k, nil)
			_ = b.Delete(reviewKey(q.name, reviewID), nil)
			_ = b.Delete(laneKey(q.name, reviewID), nil)
			continue
		}

		expires := nowMs + leaseTimeout.Milliseconds()
		lease, err := json.Marshal(leaseRecord{WorkerID: workerID, ExpiresAtMs: expires, Token: token.String()})
		if err != nil {
			return nil, err
		}
		if err := b.Set(leaseKey(q.name, reviewID), lease, nil); err != nil {
			return nil, err
		}
		if err := b.Set(leaseIdxKey(q.name, expires, reviewID), nil, nil); err != nil {
			return nil, err
		}
		if err := b.Set(laneKey(q.name, reviewID), []byte(laneInFlight), nil); err != nil {
			return nil, err
		}
		if err := b.Delete(k, nil); err != nil {
			return nil, err
		}
		if err := q.db.CommitBatch(ctx, b); err != nil {
			return nil, err
		}
		return &Leased{Review: rv, Token: token, WorkerID: workerID, ExpiresAtMs: expires}, nil
	}

	// commit any orphan cleanup we accumulated
	if b.Len() > 0 {
		_ = q.db.CommitBatch(ctx, b)
	}
	return nil, ErrEmptyQueue
}

// getLease loads and verifies the in-flight state for reviewID.
func (q *Queue) getLease(reviewID string) (leaseRecord, error) {
	var lr leaseRecord
	lane, err := q.db.Get(laneKey(q.name, reviewID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return lr, fmt.Errorf("%w: %s", ErrNotFound, reviewID)
	}
	if err != nil {
		return lr, err
	}
	if string(lane) != laneInFlight {
		return lr, fmt.Errorf("%w: %s is in lane %s", ErrNotInFlight, reviewID, lane)
	}
	raw, err := q.db.Get(leaseKey(q.name, reviewID))
	if err != nil {
		return lr, fmt.Errorf("queue: lease for %s: %w", reviewID, err)
	}
	if err := json.Unmarshal(raw, &lr); err != nil {
		return lr, fmt.Errorf("queue: decode lease for %s: %w", reviewID, err)
	}
	return lr, nil
}

// Acknowledge removes a successfully processed review from the queue. The
// review must be in flight.
func (q *Queue) Acknowledge(ctx context.Context, reviewID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lr, err := q.getLease(reviewID)
	if err != nil {
		return err
	}

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(leaseKey(q.name, reviewID), nil); err != nil {
		return err
	}
	if err := b.Delete(leaseIdxKey(q.name, lr.ExpiresAtMs, reviewID), nil); err != nil {
		return err
	}
	if err := b.Delete(reviewKey(q.name, reviewID), nil); err != nil {
		return err
	}
	if err := b.Delete(laneKey(q.name, reviewID), nil); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}

// Requeue returns an in-flight review to the pending lane, optionally after
// delay. The original ordering token is preserved. If nowMs <= 0,
// time.Now().UnixMilli() is used.
func (q *Queue) Requeue(ctx context.Context, reviewID string, delay time.Duration, nowMs int64) error {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	lr, err := q.getLease(reviewID)
	if err != nil {
		return err
	}
	token, err := id.Parse(lr.Token)
	if err != nil {
		return fmt.Errorf("queue: lease token for %s: %w", reviewID, err)
	}

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(leaseKey(q.name, reviewID), nil); err != nil {
		return err
	}
	if err := b.Delete(leaseIdxKey(q.name, lr.ExpiresAtMs, reviewID), nil); err != nil {
		return err
	}
	if delay > 0 {
		fire := nowMs + delay.Milliseconds()
		if err := b.Set(delayKey(q.name, fire, token), []byte(reviewID), nil); err != nil {
			return err
		}
	} else {
		if err := b.Set(pendingKey(q.name, token), []byte(reviewID), nil); err != nil {
			return err
		}
	}
	if err := b.Set(laneKey(q.name, reviewID), []byte(lanePending), nil); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}

// DeadLetter moves an in-flight review to the failed lane with a reason.
// The payload is kept so the review can be requeued later. If nowMs <= 0,
// time.Now().UnixMilli() is used.
func (q *Queue) DeadLetter(ctx context.Context, reviewID, reason string, nowMs int64) error {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	lr, err := q.getLease(reviewID)
	if err != nil {
		return err
	}
	rec, err := json.Marshal(failedRecord{Reason: reason, FailedAtMs: nowMs})
	if err != nil {
		return err
	}

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(leaseKey(q.name, reviewID), nil); err != nil {
		return err
	}
	if err := b.Delete(leaseIdxKey(q.name, lr.ExpiresAtMs, reviewID), nil); err != nil {
		return err
	}
	if err := b.Set(failedKey(q.name, reviewID), rec, nil); err != nil {
		return err
	}
	if err := b.Set(laneKey(q.name, reviewID), []byte(laneFailed), nil); err != nil {
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	q.logger.Info("dead-lettered review", log.F("review_id", reviewID), log.F("reason", reason))
	return nil
}

// ReclaimExpired scans the lease expiry index and returns reviews whose
// leases have expired to the pending lane, preserving their original
// ordering tokens. If nowMs <= 0, time.Now().UnixMilli() is used.
func (q *Queue) ReclaimExpired(ctx context.Context, nowMs int64) (int, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	lo, hi := keyRange(queuePrefix(q.name) + prefixLeaseIdx)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	reclaimed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(lo)+8+1 {
			continue
		}
		exp := int64(binary.BigEndian.Uint64(k[len(lo) : len(lo)+8]))
		if exp > nowMs {
			break
		}
		reviewID := string(k[len(lo)+8:])

		raw, errGet := q.db.Get(leaseKey(q.name, reviewID))
		if errGet != nil {
			// stale index entry left behind by an earlier lane move
			_ = b.Delete(k, nil)
			continue
		}
		var lr leaseRecord
		if err := json.Unmarshal(raw, &lr); err != nil || lr.ExpiresAtMs != exp {
			_ = b.Delete(k, nil)
			continue
		}
		token, errTok := id.Parse(lr.Token)
		if errTok != nil {
			_ = b.Delete(k, nil)
			continue
		}

		if err := b.Delete(k, nil); err != nil {
			return reclaimed, err
		}
		if err := b.Delete(leaseKey(q.name, reviewID), nil); err != nil {
			return reclaimed, err
		}
		if err := b.Set(pendingKey(q.name, token), []byte(reviewID), nil); err != nil {
			return reclaimed, err
		}
		if err := b.Set(laneKey(q.name, reviewID), []byte(lanePending), nil); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	if b.Len() == 0 {
		return 0, nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		q.logger.Info("reclaimed expired leases", log.F("count", reclaimed))
	}
	return reclaimed, nil
}

// RequeueFailed moves every dead-lettered review back to the pending lane
// with a fresh ordering token. Returns the number of reviews requeued.
func (q *Queue) RequeueFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	lo, hi := keyRange(queuePrefix(q.name) + prefixFailed)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	moved := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		reviewID := string(iter.Key()[len(lo):])
		token := q.gen.Next()
		if err := b.Delete(iter.Key(), nil); err != nil {
			return moved, err
		}
		if err := b.Set(pendingKey(q.name, token), []byte(reviewID), nil); err != nil {
			return moved, err
		}
		if err := b.Set(laneKey(q.name, reviewID), []byte(lanePending), nil); err != nil {
			return moved, err
		}
		moved++
	}
	if moved == 0 {
		return 0, nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	q.logger.Info("requeued failed reviews", log.F("count", moved))
	return moved, nil
}

// Counts reports lane populations from a consistent snapshot.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	snap := q.db.NewSnapshot()
	defer snap.Close()

	var c Counts
	count := func(prefix string) (int, error) {
		lo, hi := keyRange(queuePrefix(q.name) + prefix)
		iter, err := snap.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
		if err != nil {
			return 0, err
		}
		defer iter.Close()
		n := 0
		for ok := iter.First(); ok; ok = iter.Next() {
			n++
		}
		return n, nil
	}

	var err error
	if c.Pending, err = count(prefixPending); err != nil {
		return c, err
	}
	if c.Delayed, err = count(prefixDelay); err != nil {
		return c, err
	}
	if c.InFlight, err = count(prefixLease); err != nil {
		return c, err
	}
	if c.Failed, err = count(prefixFailed); err != nil {
		return c, err
	}
	return c, nil
}

// AppendClear adds a range delete covering the entire queue keyspace to b.
// Callers compose it with other deletes (the status tracker's) so an admin
// clear commits as one atomic batch.
func (q *Queue) AppendClear(b *pebble.Batch) error {
	lo, hi := keyRange(queuePrefix(q.name))
	return b.DeleteRange(lo, hi, nil)
}

// Clear removes every review from every lane in one atomic batch.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.db.NewBatch()
	defer b.Close()
	if err := q.AppendClear(b); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}
