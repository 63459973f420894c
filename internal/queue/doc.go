// Package queue implements the durable review queue on Pebble.
//
// A review lives in exactly one of three lanes: pending (waiting for a
// worker, FIFO by ordering token), in-flight (leased to a worker with an
// expiry), or failed (dead-lettered after exhausting retries). Lane moves
// commit as single Pebble batches, so a crash can never leave a review in
// two lanes or in none. Delivery is at-least-once: a lease that expires
// without an acknowledge returns the review to the pending lane via
// ReclaimExpired.
//
// Keyspace, all under rq/{queue}/:
//
//	review/{review_id}                 framed review payload
//	lane/{review_id}                   current lane marker
//	pending/{token16}                  FIFO pending index
//	delay/{fire_ms}{token16}           delayed retry index
//	lease/{review_id}                  lease record (worker, expiry, token)
//	lease_idx/{expires_ms}{review_id}  lease expiry scan index
//	failed/{review_id}                 dead-letter record
package queue
