package queue

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"

	"github.com/javedharis/reviewq/internal/review"
	"github.com/javedharis/reviewq/pkg/id"
)

// Review record: token(16B) | payload JSON | crc32c(token|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// encodeReview frames the review JSON together with its ordering token and a
// trailing checksum so torn or corrupted records are detectable on read.
func encodeReview(token id.ID, rv review.Review) ([]byte, error) {
	payload, err := json.Marshal(rv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 16+len(payload)+4)
	out = append(out, token[:]...)
	out = append(out, payload...)
	crc := crc32.Update(0, castagnoli, out)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc)
	out = append(out, cb[:]...)
	return out, nil
}

// decodeReview validates the checksum and unpacks the token and review.
func decodeReview(b []byte) (id.ID, review.Review, bool) {
	var token id.ID
	var rv review.Review
	if len(b) < 16+4 {
		return token, rv, false
	}
	body := b[:len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.Update(0, castagnoli, body) != expect {
		return token, rv, false
	}
	copy(token[:], body[:16])
	if err := json.Unmarshal(body[16:], &rv); err != nil {
		return token, rv, false
	}
	return token, rv, true
}
