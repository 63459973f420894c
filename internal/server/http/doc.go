// Package httpserver provides a minimal REST gateway for the review
// pipeline: enqueue, status and result lookup, lane statistics, and the
// admin operations (clear, requeue-failed). All endpoints live under /v1.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()})
//	s := httpserver.New(rt)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
