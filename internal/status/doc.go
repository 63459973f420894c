// Package status tracks the processing lifecycle of each review: pending,
// processing, completed, or failed, with attempt counts, last error, and
// the final analyzer result. Transitions outside the state machine return
// ErrInvalidTransition, which lets workers detect concurrent deliveries of
// the same review.
package status
