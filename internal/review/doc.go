// Package review defines the core review entities shared across the
// pipeline: the raw Review, the analyzer's StructuredResult, and the
// processing status lifecycle.
package review
