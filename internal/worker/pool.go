package worker

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/javedharis/reviewq/internal/analysis"
	"github.com/javedharis/reviewq/internal/queue"
	"github.com/javedharis/reviewq/internal/resultstore"
	"github.com/javedharis/reviewq/internal/status"
	"github.com/javedharis/reviewq/pkg/log"
)

// Pool runs a fixed set of workers against one queue.
type Pool struct {
	size    int
	queue   *queue.Queue
	tracker *status.Tracker
	an      analysis.Analyzer
	results *resultstore.Store
	opts    Options
	logger  log.Logger
}

// NewPool builds a pool of size workers.
func NewPool(size int, q *queue.Queue, tr *status.Tracker, an analysis.Analyzer, rs *resultstore.Store, opts Options, logger log.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Pool{size: size, queue: q, tracker: tr, an: an, results: rs, opts: opts, logger: logger}
}

// Run starts all workers and blocks until they stop. A storage-level
// failure in any worker cancels the rest.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		wid := "worker-" + uuid.NewString()[:8]
		w := New(wid, p.queue, p.tracker, p.an, p.results, p.opts, p.logger)
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}
