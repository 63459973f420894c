// Package ingest feeds reviews into the pipeline: a CSV extractor for bulk
// loads and a Producer that validates, enqueues, and initializes status
// tracking for each review.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/javedharis/reviewq/internal/review"
)

// csv header column names
const (
	colReviewID = "review_id"
	colDate     = "date"
	colRating   = "rating"
	colText     = "text"
)

// ReadReviews parses reviews from CSV with a header row containing
// review_id, date, rating, and text columns in any order. Dates are
// accepted as YYYY-MM-DD or RFC 3339.
func ReadReviews(r io.Reader) ([]review.Review, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: read header: %w", err)
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{colReviewID, colDate, colRating, colText} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("ingest: missing column %q", required)
		}
	}

	var out []review.Review
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("ingest: line %d: %w", line, err)
		}
		rating, err := strconv.Atoi(strings.TrimSpace(rec[cols[colRating]]))
		if err != nil {
			return nil, fmt.Errorf("ingest: line %d: rating %q: %w", line, rec[cols[colRating]], err)
		}
		date, err := parseDate(strings.TrimSpace(rec[cols[colDate]]))
		if err != nil {
			return nil, fmt.Errorf("ingest: line %d: %w", line, err)
		}
		out = append(out, review.Review{
			ID:     strings.TrimSpace(rec[cols[colReviewID]]),
			Date:   date,
			Rating: rating,
			Text:   rec[cols[colText]],
		})
	}
	return out, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
