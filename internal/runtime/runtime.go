package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	cfgpkg "github.com/javedharis/reviewq/internal/config"
	"github.com/javedharis/reviewq/internal/ingest"
	"github.com/javedharis/reviewq/internal/queue"
	"github.com/javedharis/reviewq/internal/resultstore"
	"github.com/javedharis/reviewq/internal/status"
	pebblestore "github.com/javedharis/reviewq/internal/storage/pebble"
	"github.com/javedharis/reviewq/pkg/log"
)

// ErrBadConfirm is returned by Clear when the confirm token is wrong.
var ErrBadConfirm = errors.New("runtime: clear refused: bad confirm token")

// Options for building the Runtime.
type Options struct {
	DataDir string
	Fsync   pebblestore.FsyncMode
	Config  cfgpkg.Config
	Logger  log.Logger
}

// Runtime wires storage, config, and the pipeline facades for a
// single-node instance: the queue, the status tracker, the result store,
// and the producer.
type Runtime struct {
	db      *pebblestore.DB
	config  cfgpkg.Config
	logger  log.Logger
	queue   *queue.Queue
	tracker *status.Tracker
	results *resultstore.Store
	prod    *ingest.Producer
}

// Open initializes the underlying stores and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	// pebble owns its own subdirectory; the sqlite result store lives
	// next to it in the data dir
	db, err := pebblestore.Open(pebblestore.Options{DataDir: filepath.Join(opts.DataDir, "queue"), Fsync: opts.Fsync})
	if err != nil {
		return nil, fmt.Errorf("runtime: open pebble: %w", err)
	}

	q, err := queue.Open(db, opts.Config.QueueName, opts.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	tr, err := status.Open(db, opts.Config.QueueName, opts.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	rs, err := resultstore.Open(opts.DataDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("runtime: open result store: %w", err)
	}

	return &Runtime{
		db:      db,
		config:  opts.Config,
		logger:  opts.Logger,
		queue:   q,
		tracker: tr,
		results: rs,
		prod:    ingest.NewProducer(q, tr, opts.Logger),
	}, nil
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	var errs []error
	if r.results != nil {
		errs = append(errs, r.results.Close())
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
	}
	return errors.Join(errs...)
}

// CheckHealth performs a simple health check against both stores.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("runtime: db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	if _, err := r.results.CompletedCount(); err != nil {
		return fmt.Errorf("runtime: result store: %w", err)
	}
	return nil
}

// Queue returns the review queue.
func (r *Runtime) Queue() *queue.Queue { return r.queue }

// Tracker returns the status tracker.
func (r *Runtime) Tracker() *status.Tracker { return r.tracker }

// Results returns the result store.
func (r *Runtime) Results() *resultstore.Store { return r.results }

// Producer returns the review producer.
func (r *Runtime) Producer() *ingest.Producer { return r.prod }

// Clear atomically removes all queue lanes and status records in one
// pebble batch, then clears the result store. The confirm token must be
// "clear-" + queue name.
func (r *Runtime) Clear(ctx context.Context, confirm string) error {
	if confirm != r.ConfirmToken() {
		return ErrBadConfirm
	}
	b := r.db.NewBatch()
	defer b.Close()
	if err := r.queue.AppendClear(b); err != nil {
		return err
	}
	if err := r.tracker.AppendClear(b); err != nil {
		return err
	}
	if err := r.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	if err := r.results.Clear(); err != nil {
		return err
	}
	r.logger.Warn("pipeline cleared", log.F("queue", r.config.QueueName))
	return nil
}

// ConfirmToken returns the token required by Clear.
func (r *Runtime) ConfirmToken() string {
	return "clear-" + r.config.QueueName
}

// RequeueFailed moves dead-lettered reviews back to pending and resets
// their retry budgets. Returns how many reviews were requeued.
func (r *Runtime) RequeueFailed(ctx context.Context) (int, error) {
	// Status first: once a review is back in the pending lane a worker
	// may lease it immediately, and MarkProcessing requires a pending
	// record.
	if _, err := r.tracker.ResetAllFailed(ctx); err != nil {
		return 0, err
	}
	return r.queue.RequeueFailed(ctx)
}

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// Logger returns the runtime logger.
func (r *Runtime) Logger() log.Logger { return r.logger }
