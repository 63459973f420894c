package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	cfgpkg "github.com/javedharis/reviewq/internal/config"
	"github.com/javedharis/reviewq/internal/queue"
	"github.com/javedharis/reviewq/internal/review"
	"github.com/javedharis/reviewq/internal/status"
	pebblestore "github.com/javedharis/reviewq/internal/storage/pebble"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := Open(Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
		Config:  cfgpkg.Default(),
	})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func testReview(id string) review.Review {
	return review.Review{ID: id, Date: time.Now().UTC(), Rating: 4, Text: "good"}
}

func TestOpenCloseHealth(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestClearRequiresConfirmToken(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	if _, err := rt.Producer().Enqueue(ctx, testReview("r-001")); err != nil {
		t.Fatal(err)
	}

	if err := rt.Clear(ctx, "clear"); !errors.Is(err, ErrBadConfirm) {
		t.Fatalf("clear with bad token: %v want ErrBadConfirm", err)
	}
	c, _ := rt.Queue().Counts(ctx)
	if c.Pending != 1 {
		t.Fatalf("queue mutated by refused clear: %+v", c)
	}

	if err := rt.Clear(ctx, rt.ConfirmToken()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	c, _ = rt.Queue().Counts(ctx)
	if c != (queue.Counts{}) {
		t.Fatalf("queue after clear: %+v", c)
	}
	sc, _ := rt.Tracker().Counts(ctx)
	if sc != (status.Counts{}) {
		t.Fatalf("statuses after clear: %+v", sc)
	}
}

func TestRequeueFailed(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	if _, err := rt.Producer().Enqueue(ctx, testReview("r-001")); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Queue().Lease(ctx, "w1", time.Minute, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Tracker().MarkProcessing(ctx, "r-001"); err != nil {
		t.Fatal(err)
	}
	if err := rt.Tracker().MarkFailed(ctx, "r-001", "boom"); err != nil {
		t.Fatal(err)
	}
	if err := rt.Queue().DeadLetter(ctx, "r-001", "boom", 0); err != nil {
		t.Fatal(err)
	}

	n, err := rt.RequeueFailed(ctx)
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d want 1", n)
	}

	rec, _ := rt.Tracker().Get(ctx, "r-001")
	if rec.Status != review.StatusPending || rec.AttemptCount != 0 {
		t.Fatalf("record: %+v", rec)
	}
	c, _ := rt.Queue().Counts(ctx)
	if c.Pending != 1 || c.Failed != 0 {
		t.Fatalf("counts: %+v", c)
	}
}
