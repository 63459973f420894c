package status

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/javedharis/reviewq/internal/review"
	pebblestore "github.com/javedharis/reviewq/internal/storage/pebble"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	tr, err := Open(db, "reviews", nil)
	if err != nil {
		t.Fatalf("open tracker: %v", err)
	}
	return tr
}

func testReview(n int) review.Review {
	return review.Review{
		ID:     fmt.Sprintf("r-%03d", n),
		Date:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Rating: 1 + n%5,
		Text:   "body",
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	if err := tr.Initialize(ctx, testReview(1)); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	attempt, err := tr.MarkProcessing(ctx, "r-001")
	if err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if attempt != 1 {
		t.Fatalf("attempt=%d want 1", attempt)
	}

	result := &review.StructuredResult{SentimentLabel: "positive", SentimentScore: 0.9}
	if err := tr.MarkCompleted(ctx, "r-001", result); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	rec, err := tr.Get(ctx, "r-001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != review.StatusCompleted {
		t.Fatalf("status=%s want completed", rec.Status)
	}
	if rec.Result == nil || rec.Result.SentimentLabel != "positive" {
		t.Fatalf("result not recorded: %+v", rec.Result)
	}
	if rec.AttemptCount != 1 {
		t.Fatalf("attempts=%d want 1", rec.AttemptCount)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	if err := tr.Initialize(ctx, testReview(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.MarkProcessing(ctx, "r-001"); err != nil {
		t.Fatal(err)
	}
	// Re-initialize must not clobber the in-progress record.
	if err := tr.Initialize(ctx, testReview(1)); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	rec, _ := tr.Get(ctx, "r-001")
	if rec.Status != review.StatusProcessing || rec.AttemptCount != 1 {
		t.Fatalf("record clobbered: %+v", rec)
	}
}

func TestRetryKeepsAttempts(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	if err := tr.Initialize(ctx, testReview(1)); err != nil {
		t.Fatal(err)
	}
	for want := 1; want <= 3; want++ {
		attempt, err := tr.MarkProcessing(ctx, "r-001")
		if err != nil {
			t.Fatalf("attempt %d: %v", want, err)
		}
		if attempt != want {
			t.Fatalf("attempt=%d want %d", attempt, want)
		}
		if want < 3 {
			if err := tr.MarkRetry(ctx, "r-001", "llm timeout"); err != nil {
				t.Fatalf("mark retry: %v", err)
			}
			rec, _ := tr.Get(ctx, "r-001")
			if rec.LastError != "llm timeout" {
				t.Fatalf("last_error=%q", rec.LastError)
			}
		}
	}
	if err := tr.MarkFailed(ctx, "r-001", "retries exhausted"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	rec, _ := tr.Get(ctx, "r-001")
	if rec.Status != review.StatusFailed || rec.AttemptCount != 3 {
		t.Fatalf("record: %+v", rec)
	}
}

func TestInvalidTransitions(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	if err := tr.Initialize(ctx, testReview(1)); err != nil {
		t.Fatal(err)
	}
	// pending -> completed skips processing
	if err := tr.MarkCompleted(ctx, "r-001", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
	if _, err := tr.MarkProcessing(ctx, "r-001"); err != nil {
		t.Fatal(err)
	}
	// double delivery: second processing mark must be rejected
	if _, err := tr.MarkProcessing(ctx, "r-001"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
	if err := tr.MarkCompleted(ctx, "r-001", nil); err != nil {
		t.Fatal(err)
	}
	// completed is terminal
	if err := tr.MarkRetry(ctx, "r-001", "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
	if err := tr.ResetAttempts(ctx, "r-001"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reset of completed: want ErrInvalidTransition, got %v", err)
	}
}

func TestGetUnknown(t *testing.T) {
	tr := newTestTracker(t)
	if _, err := tr.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestResetAttempts(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	if err := tr.Initialize(ctx, testReview(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.MarkProcessing(ctx, "r-001"); err != nil {
		t.Fatal(err)
	}
	if err := tr.MarkFailed(ctx, "r-001", "boom"); err != nil {
		t.Fatal(err)
	}
	if err := tr.ResetAttempts(ctx, "r-001"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	rec, _ := tr.Get(ctx, "r-001")
	if rec.Status != review.StatusPending || rec.AttemptCount != 0 {
		t.Fatalf("record after reset: %+v", rec)
	}
	if rec.LastError != "boom" {
		t.Fatalf("last error dropped: %+v", rec)
	}
}

func TestResetAllFailed(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := tr.Initialize(ctx, testReview(i)); err != nil {
			t.Fatal(err)
		}
	}
	// fail r-000 and r-001, complete r-002, leave r-003 pending
	for _, rid := range []string{"r-000", "r-001"} {
		if _, err := tr.MarkProcessing(ctx, rid); err != nil {
			t.Fatal(err)
		}
		if err := tr.MarkFailed(ctx, rid, "boom"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := tr.MarkProcessing(ctx, "r-002"); err != nil {
		t.Fatal(err)
	}
	if err := tr.MarkCompleted(ctx, "r-002", nil); err != nil {
		t.Fatal(err)
	}

	n, err := tr.ResetAllFailed(ctx)
	if err != nil {
		t.Fatalf("reset all: %v", err)
	}
	if n != 2 {
		t.Fatalf("reset %d want 2", n)
	}

	c, err := tr.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	want := Counts{Pending: 3, Completed: 1}
	if c != want {
		t.Fatalf("counts=%+v want %+v", c, want)
	}
}

func TestClear(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := tr.Initialize(ctx, testReview(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tr.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	c, _ := tr.Counts(ctx)
	if c != (Counts{}) {
		t.Fatalf("counts after clear: %+v", c)
	}
}
