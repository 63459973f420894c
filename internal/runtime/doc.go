// Package runtime wires storage, config, and facades into a single-node
// reviewq instance. It exposes Open/Close, basic health checks, the
// pipeline facades (queue, status tracker, result store, producer), and
// the cross-store admin operations (atomic clear, requeue-failed).
package runtime
