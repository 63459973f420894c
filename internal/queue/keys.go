package queue

import (
	"encoding/binary"

	"github.com/javedharis/reviewq/pkg/id"
)

// Key prefixes under rq/{queue}/ for queue data structures.
const (
	prefixReview   = "review/"    // encoded review payload
	prefixLane     = "lane/"      // current lane marker per review
	prefixPending  = "pending/"   // FIFO pending index, keyed by ordering token
	prefixDelay    = "delay/"     // delayed retry index, keyed by fire time
	prefixLease    = "lease/"     // active leases
	prefixLeaseIdx = "lease_idx/" // lease expiry index
	prefixFailed   = "failed/"    // dead-letter records
)

// queuePrefix returns the base prefix for a queue.
// Format: rq/{queue}/
func queuePrefix(queue string) string {
	return "rq/" + queue + "/"
}

// reviewKey returns the payload key for a review.
// Format: rq/{queue}/review/{review_id}
func reviewKey(queue, reviewID string) []byte {
	return []byte(queuePrefix(queue) + prefixReview + reviewID)
}

// laneKey returns the lane marker key for a review.
// Format: rq/{queue}/lane/{review_id}
func laneKey(queue, reviewID string) []byte {
	return []byte(queuePrefix(queue) + prefixLane + reviewID)
}

// pendingKey returns the FIFO index key for an ordering token.
// Format: rq/{queue}/pending/{token16}
func pendingKey(queue string, token id.ID) []byte {
	prefix := queuePrefix(queue) + prefixPending
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	copy(key[len(prefix):], token[:])
	return key
}

// delayKey returns the delayed retry index key.
// Format: rq/{queue}/delay/{fire_ms}{token16}
func delayKey(queue string, fireMs int64, token id.ID) []byte {
	prefix := queuePrefix(queue) + prefixDelay
	key := make([]byte, len(prefix)+8+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(fireMs))
	copy(key[len(prefix)+8:], token[:])
	return key
}

// leaseKey returns the lease record key for a review.
// Format: rq/{queue}/lease/{review_id}
func leaseKey(queue, reviewID string) []byte {
	return []byte(queuePrefix(queue) + prefixLease + reviewID)
}

// leaseIdxKey returns the lease expiry index key.
// Format: rq/{queue}/lease_idx/{expires_ms}{review_id}
func leaseIdxKey(queue string, expiresMs int64, reviewID string) []byte {
	prefix := queuePrefix(queue) + prefixLeaseIdx
	key := make([]byte, len(prefix)+8+len(reviewID))
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(expiresMs))
	copy(key[len(prefix)+8:], reviewID)
	return key
}

// failedKey returns the dead-letter record key for a review.
// Format: rq/{queue}/failed/{review_id}
func failedKey(queue, reviewID string) []byte {
	return []byte(queuePrefix(queue) + prefixFailed + reviewID)
}

// keyRange returns start and end keys for scanning with a prefix.
// The end key is exclusive (prefix + 0xFF suffix).
func keyRange(prefix string) ([]byte, []byte) {
	start := []byte(prefix)
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xFF
	return start, end
}
