package serverrun

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/javedharis/reviewq/internal/analysis"
	cfgpkg "github.com/javedharis/reviewq/internal/config"
	"github.com/javedharis/reviewq/internal/retry"
	"github.com/javedharis/reviewq/internal/runtime"
	httpserver "github.com/javedharis/reviewq/internal/server/http"
	pebblestore "github.com/javedharis/reviewq/internal/storage/pebble"
	"github.com/javedharis/reviewq/internal/worker"
	logpkg "github.com/javedharis/reviewq/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// small wrapper so tests can stub environment lookups
var getenv = func(key string) string { return os.Getenv(key) }

type Options struct {
	DataDir  string
	HTTPAddr string
	Fsync    pebblestore.FsyncMode
	Config   cfgpkg.Config
}

// buildLogger constructs the process-wide logger from the config level and
// the REVQ_LOG_FORMAT env var (text or json).
func buildLogger(level string) logpkg.Logger {
	lvl := logpkg.InfoLevel
	if l, err := logpkg.ParseLevel(level); err == nil {
		lvl = l
	}
	var formatter logpkg.Formatter = &logpkg.TextFormatter{}
	if getenvDefault("REVQ_LOG_FORMAT", "text") == "json" {
		formatter = &logpkg.JSONFormatter{}
	}
	return logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(formatter))
}

// Run starts the HTTP server and the worker pool and blocks until ctx is
// cancelled or a worker hits a storage-level failure.
func Run(ctx context.Context, opts Options) error {
	// Be robust to callers that don't pass a signal-aware context; layer a
	// local signal context over the provided one.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.DataDir == "" {
		opts.DataDir = opts.Config.DataDir
	}
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.HTTPAddr == "" {
		opts.HTTPAddr = opts.Config.HTTPAddr
	}

	procLogger := buildLogger(opts.Config.LogLevel)

	// Redirect stdlib logs (e.g. Pebble) to our logger
	logpkg.RedirectStdLog(procLogger)

	rt, err := runtime.Open(runtime.Options{
		DataDir: opts.DataDir,
		Fsync:   opts.Fsync,
		Config:  opts.Config,
		Logger:  procLogger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	procLogger.Info("starting reviewq server",
		logpkg.F("http", opts.HTTPAddr),
		logpkg.F("data_dir", opts.DataDir),
		logpkg.F("queue", opts.Config.QueueName),
		logpkg.F("workers", opts.Config.Workers),
		logpkg.F("level", opts.Config.LogLevel),
	)

	hsrv := httpserver.New(rt)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, opts.HTTPAddr); err != nil && sctx.Err() == nil {
			procLogger.Error("http server stopped", logpkg.Err(err))
		}
	}()

	// Workers need an analyzer; without an API key the node accepts and
	// queues reviews but does not process them.
	if an := buildAnalyzer(opts.Config, procLogger); an != nil {
		pool := worker.NewPool(opts.Config.Workers, rt.Queue(), rt.Tracker(), an, rt.Results(), worker.Options{
			LeaseTimeout:    opts.Config.Queue.LeaseTimeout.Std(),
			PollInterval:    opts.Config.Queue.PollInterval.Std(),
			AnalysisTimeout: opts.Config.Analysis.Timeout.Std(),
			Policy:          retryPolicy(opts.Config),
		}, procLogger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Run(sctx); err != nil && sctx.Err() == nil {
				procLogger.Error("worker pool stopped", logpkg.Err(err))
				stop()
			}
		}()
	} else {
		procLogger.Warn("analysis api key not configured; workers disabled")
	}

	<-sctx.Done()
	// Shut the HTTP server down before closing the runtime to avoid
	// handlers racing a closed DB.
	hsrv.Close()
	wg.Wait()
	return nil
}

func retryPolicy(cfg cfgpkg.Config) retry.Policy {
	p := retry.DefaultPolicy()
	if cfg.Queue.MaxRetries > 0 {
		p.MaxRetries = cfg.Queue.MaxRetries
	}
	if cfg.Queue.RetryBaseDelay > 0 {
		p.BaseDelay = cfg.Queue.RetryBaseDelay.Std()
	}
	if cfg.Queue.RetryMaxDelay > 0 {
		p.MaxDelay = cfg.Queue.RetryMaxDelay.Std()
	}
	return p
}

func buildAnalyzer(cfg cfgpkg.Config, logger logpkg.Logger) analysis.Analyzer {
	if cfg.Analysis.APIKey == "" {
		return nil
	}
	c, err := analysis.NewClient(analysis.ClientOptions{
		BaseURL: cfg.Analysis.Endpoint,
		APIKey:  cfg.Analysis.APIKey,
		Model:   cfg.Analysis.Model,
		Logger:  logger.WithComponent("analysis"),
	})
	if err != nil {
		logger.Error("analysis client init failed", logpkg.Err(err))
		return nil
	}
	return c
}
