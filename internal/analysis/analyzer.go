// Package analysis turns raw review text into structured insights. The
// production implementation calls an OpenAI-compatible chat-completions
// endpoint (DeepSeek by default); workers depend only on the Analyzer
// interface so tests can substitute fakes.
package analysis

import (
	"context"

	"github.com/javedharis/reviewq/internal/review"
)

// Analyzer extracts structured insights from a review.
type Analyzer interface {
	Analyze(ctx context.Context, rv review.Review) (review.StructuredResult, error)
}

// Func adapts a function to the Analyzer interface.
type Func func(ctx context.Context, rv review.Review) (review.StructuredResult, error)

// Analyze implements Analyzer.
func (f Func) Analyze(ctx context.Context, rv review.Review) (review.StructuredResult, error) {
	return f(ctx, rv)
}
