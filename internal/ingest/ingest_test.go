package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/javedharis/reviewq/internal/queue"
	"github.com/javedharis/reviewq/internal/review"
	"github.com/javedharis/reviewq/internal/status"
	pebblestore "github.com/javedharis/reviewq/internal/storage/pebble"
)

func TestReadReviews(t *testing.T) {
	data := `review_id,date,rating,text
r-001,2024-06-01,5,"Great product, would buy again"
r-002,2024-06-02,1,"Arrived broken"
`
	reviews, err := ReadReviews(strings.NewReader(data))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(reviews) != 2 {
		t.Fatalf("len=%d want 2", len(reviews))
	}
	if reviews[0].ID != "r-001" || reviews[0].Rating != 5 {
		t.Fatalf("first row: %+v", reviews[0])
	}
	if !reviews[1].Date.Equal(time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("date: %v", reviews[1].Date)
	}
}

func TestReadReviewsColumnOrderIndependent(t *testing.T) {
	data := "text,rating,review_id,date\nok product,3,r-009,2024-01-15\n"
	reviews, err := ReadReviews(strings.NewReader(data))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if reviews[0].ID != "r-009" || reviews[0].Text != "ok product" {
		t.Fatalf("row: %+v", reviews[0])
	}
}

func TestReadReviewsErrors(t *testing.T) {
	if _, err := ReadReviews(strings.NewReader("review_id,date,rating\nr-1,2024-01-01,5\n")); err == nil {
		t.Fatal("expected error for missing text column")
	}
	if _, err := ReadReviews(strings.NewReader("review_id,date,rating,text\nr-1,2024-01-01,five,ok\n")); err == nil {
		t.Fatal("expected error for non-numeric rating")
	}
	if _, err := ReadReviews(strings.NewReader("review_id,date,rating,text\nr-1,June 1st,5,ok\n")); err == nil {
		t.Fatal("expected error for bad date")
	}
	reviews, err := ReadReviews(strings.NewReader(""))
	if err != nil || reviews != nil {
		t.Fatalf("empty input: %v %v", reviews, err)
	}
}

func newTestProducer(t *testing.T) (*Producer, *queue.Queue, *status.Tracker) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	q, err := queue.Open(db, "reviews", nil)
	if err != nil {
		t.Fatal(err)
	}
	tr, err := status.Open(db, "reviews", nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewProducer(q, tr, nil), q, tr
}

func testReview(id string) review.Review {
	return review.Review{ID: id, Date: time.Now().UTC(), Rating: 4, Text: "fine"}
}

func TestProducerEnqueue(t *testing.T) {
	p, q, tr := newTestProducer(t)
	ctx := context.Background()

	added, err := p.Enqueue(ctx, testReview("r-001"))
	if err != nil || !added {
		t.Fatalf("enqueue: added=%v err=%v", added, err)
	}

	rec, err := tr.Get(ctx, "r-001")
	if err != nil {
		t.Fatalf("status missing after enqueue: %v", err)
	}
	if rec.Status != review.StatusPending {
		t.Fatalf("status=%s want pending", rec.Status)
	}
	c, _ := q.Counts(ctx)
	if c.Pending != 1 {
		t.Fatalf("queue pending=%d want 1", c.Pending)
	}

	// duplicate is a no-op
	added, err = p.Enqueue(ctx, testReview("r-001"))
	if err != nil || added {
		t.Fatalf("duplicate: added=%v err=%v", added, err)
	}
}

func TestProducerSkipsCompletedReviews(t *testing.T) {
	p, q, tr := newTestProducer(t)
	ctx := context.Background()

	if _, err := p.Enqueue(ctx, testReview("r-001")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Lease(ctx, "w1", time.Minute, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.MarkProcessing(ctx, "r-001"); err != nil {
		t.Fatal(err)
	}
	if err := tr.MarkCompleted(ctx, "r-001", nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Acknowledge(ctx, "r-001"); err != nil {
		t.Fatal(err)
	}

	// Completed reviews must not re-enter the pipeline.
	added, err := p.Enqueue(ctx, testReview("r-001"))
	if err != nil || added {
		t.Fatalf("re-enqueue of completed: added=%v err=%v", added, err)
	}
}

func TestProducerBatch(t *testing.T) {
	p, _, _ := newTestProducer(t)
	ctx := context.Background()

	bad := testReview("r-003")
	bad.Rating = 9
	reviews := []review.Review{
		testReview("r-001"),
		testReview("r-002"),
		testReview("r-001"), // duplicate within batch
		bad,
	}
	s, err := p.EnqueueBatch(ctx, reviews)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	want := Summary{Added: 2, Skipped: 1, Invalid: 1}
	if s != want {
		t.Fatalf("summary=%+v want %+v", s, want)
	}
}
