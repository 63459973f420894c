package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/javedharis/reviewq/internal/review"
	pebblestore "github.com/javedharis/reviewq/internal/storage/pebble"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	q, err := Open(db, "reviews", nil)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func testReview(n int) review.Review {
	return review.Review{
		ID:     fmt.Sprintf("r-%03d", n),
		Date:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Rating: 1 + n%5,
		Text:   fmt.Sprintf("review body %d", n),
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	added, err := q.Enqueue(ctx, testReview(1))
	if err != nil || !added {
		t.Fatalf("first enqueue: added=%v err=%v", added, err)
	}
	added, err = q.Enqueue(ctx, testReview(1))
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if added {
		t.Fatal("duplicate enqueue reported added=true")
	}

	c, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if c.Pending != 1 {
		t.Fatalf("pending=%d want 1", c.Pending)
	}
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	q := newTestQueue(t)
	rv := testReview(1)
	rv.Rating = 0
	if _, err := q.Enqueue(context.Background(), rv); !errors.Is(err, review.ErrInvalidReview) {
		t.Fatalf("want ErrInvalidReview, got %v", err)
	}
}

func TestLeaseFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, testReview(i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		leased, err := q.Lease(ctx, "w1", time.Minute, 0)
		if err != nil {
			t.Fatalf("lease %d: %v", i, err)
		}
		if want := fmt.Sprintf("r-%03d", i); leased.Review.ID != want {
			t.Fatalf("lease %d got %s want %s", i, leased.Review.ID, want)
		}
	}
	if _, err := q.Lease(ctx, "w1", time.Minute, 0); !errors.Is(err, ErrEmptyQueue) {
		t.Fatalf("want ErrEmptyQueue, got %v", err)
	}
}

func TestAcknowledgeRemoves(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testReview(1)); err != nil {
		t.Fatal(err)
	}
	leased, err := q.Lease(ctx, "w1", time.Minute, 0)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := q.Acknowledge(ctx, leased.Review.ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	c, _ := q.Counts(ctx)
	if c.Pending != 0 || c.InFlight != 0 || c.Failed != 0 {
		t.Fatalf("counts after ack: %+v", c)
	}
	if err := q.Acknowledge(ctx, leased.Review.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second ack: want ErrNotFound, got %v", err)
	}
}

func TestAcknowledgeRequiresLease(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testReview(1)); err != nil {
		t.Fatal(err)
	}
	if err := q.Acknowledge(ctx, "r-001"); !errors.Is(err, ErrNotInFlight) {
		t.Fatalf("ack of pending review: want ErrNotInFlight, got %v", err)
	}
	if err := q.Requeue(ctx, "r-001", 0, 0); !errors.Is(err, ErrNotInFlight) {
		t.Fatalf("requeue of pending review: want ErrNotInFlight, got %v", err)
	}
}

func TestRequeuePreservesOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, testReview(i)); err != nil {
			t.Fatal(err)
		}
	}
	leased, err := q.Lease(ctx, "w1", time.Minute, 0)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if leased.Review.ID != "r-000" {
		t.Fatalf("leased %s want r-000", leased.Review.ID)
	}
	if err := q.Requeue(ctx, "r-000", 0, 0); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	// The original token is preserved, so r-000 still sorts before r-001.
	leased, err = q.Lease(ctx, "w1", time.Minute, 0)
	if err != nil {
		t.Fatalf("lease after requeue: %v", err)
	}
	if leased.Review.ID != "r-000" {
		t.Fatalf("leased %s want r-000 first again", leased.Review.ID)
	}
}

func TestRequeueWithDelay(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	if _, err := q.Enqueue(ctx, testReview(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Lease(ctx, "w1", time.Minute, now); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := q.Requeue(ctx, "r-001", 5*time.Second, now); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	// Before the delay fires the review is invisible.
	if _, err := q.Lease(ctx, "w1", time.Minute, now+1000); !errors.Is(err, ErrEmptyQueue) {
		t.Fatalf("lease before delay fired: want ErrEmptyQueue, got %v", err)
	}
	c, _ := q.Counts(ctx)
	if c.Delayed != 1 {
		t.Fatalf("delayed=%d want 1", c.Delayed)
	}

	// After the fire time it is leasable again.
	leased, err := q.Lease(ctx, "w1", time.Minute, now+5001)
	if err != nil {
		t.Fatalf("lease after delay: %v", err)
	}
	if leased.Review.ID != "r-001" {
		t.Fatalf("leased %s want r-001", leased.Review.ID)
	}
}

func TestDeadLetterAndRequeueFailed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testReview(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Lease(ctx, "w1", time.Minute, 0); err != nil {
		t.Fatal(err)
	}
	if err := q.DeadLetter(ctx, "r-001", "analysis rejected", 0); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	c, _ := q.Counts(ctx)
	if c.Failed != 1 || c.InFlight != 0 || c.Pending != 0 {
		t.Fatalf("counts after dead letter: %+v", c)
	}
	// Enqueue of a dead-lettered ID stays idempotent.
	if added, err := q.Enqueue(ctx, testReview(1)); err != nil || added {
		t.Fatalf("enqueue of failed review: added=%v err=%v", added, err)
	}

	moved, err := q.RequeueFailed(ctx)
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved=%d want 1", moved)
	}
	leased, err := q.Lease(ctx, "w1", time.Minute, 0)
	if err != nil {
		t.Fatalf("lease after requeue-failed: %v", err)
	}
	if leased.Review.ID != "r-001" {
		t.Fatalf("leased %s want r-001", leased.Review.ID)
	}
}

func TestReclaimExpired(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	if _, err := q.Enqueue(ctx, testReview(1)); err != nil {
		t.Fatal(err)
	}
	leased, err := q.Lease(ctx, "w1", 10*time.Second, now)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}

	// Lease still live: nothing to reclaim.
	n, err := q.ReclaimExpired(ctx, now+5000)
	if err != nil || n != 0 {
		t.Fatalf("early reclaim: n=%d err=%v", n, err)
	}

	n, err = q.ReclaimExpired(ctx, now+10001)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed=%d want 1", n)
	}

	again, err := q.Lease(ctx, "w2", time.Minute, now+10002)
	if err != nil {
		t.Fatalf("lease after reclaim: %v", err)
	}
	if again.Review.ID != leased.Review.ID {
		t.Fatalf("reclaimed wrong review: %s", again.Review.ID)
	}
	if again.Token != leased.Token {
		t.Fatal("reclaim did not preserve the ordering token")
	}
}

func TestClearEmptiesAllLanes(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, testReview(i)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := q.Lease(ctx, "w1", time.Minute, 0); err != nil {
		t.Fatal(err)
	}
	if err := q.DeadLetter(ctx, "r-000", "x", 0); err != nil {
		t.Fatal(err)
	}

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	c, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if c != (Counts{}) {
		t.Fatalf("counts after clear: %+v", c)
	}
	// Cleared IDs can be enqueued fresh.
	if added, err := q.Enqueue(ctx, testReview(0)); err != nil || !added {
		t.Fatalf("enqueue after clear: added=%v err=%v", added, err)
	}
}

func TestConcurrentLeaseSingleDelivery(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		if _, err := q.Enqueue(ctx, testReview(i)); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			wid := fmt.Sprintf("w-%d", worker)
			for {
				leased, err := q.Lease(ctx, wid, time.Minute, 0)
				if errors.Is(err, ErrEmptyQueue) {
					return
				}
				if err != nil {
					t.Errorf("lease: %v", err)
					return
				}
				mu.Lock()
				seen[leased.Review.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("delivered %d distinct reviews, want %d", len(seen), total)
	}
	for rid, n := range seen {
		if n != 1 {
			t.Fatalf("review %s delivered %d times", rid, n)
		}
	}
}
