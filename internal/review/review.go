package review

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Rating bounds for customer reviews.
const (
	MinRating = 1
	MaxRating = 5
)

var (
	// ErrInvalidReview indicates a review failed validation before enqueue.
	ErrInvalidReview = errors.New("invalid review")
)

// Review is a raw customer review submitted for processing.
type Review struct {
	ID     string    `json:"review_id"`
	Date   time.Time `json:"date"`
	Rating int       `json:"rating"`
	Text   string    `json:"text"`
}

// Validate checks the fields required before a review may enter the queue.
func (r *Review) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: empty review_id", ErrInvalidReview)
	}
	if strings.ContainsAny(r.ID, "/\x00") {
		return fmt.Errorf("%w: review_id %q contains reserved characters", ErrInvalidReview, r.ID)
	}
	if r.Rating < MinRating || r.Rating > MaxRating {
		return fmt.Errorf("%w: rating %d out of range [%d,%d]", ErrInvalidReview, r.Rating, MinRating, MaxRating)
	}
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: empty review text", ErrInvalidReview)
	}
	return nil
}

// StructuredResult is the analyzer output persisted for a completed review.
type StructuredResult struct {
	SentimentLabel string   `json:"sentiment_label"`
	SentimentScore float64  `json:"sentiment_score"`
	Topics         []string `json:"topics,omitempty"`
	Problems       []string `json:"problems,omitempty"`
	Suggestions    []string `json:"suggestions,omitempty"`
	Insights       []string `json:"insights,omitempty"`
}

// Validate checks analyzer output before it is persisted.
func (s *StructuredResult) Validate() error {
	switch s.SentimentLabel {
	case "positive", "negative", "neutral", "mixed":
	default:
		return fmt.Errorf("unknown sentiment label %q", s.SentimentLabel)
	}
	if s.SentimentScore < -1 || s.SentimentScore > 1 {
		return fmt.Errorf("sentiment score %v out of range [-1,1]", s.SentimentScore)
	}
	return nil
}
