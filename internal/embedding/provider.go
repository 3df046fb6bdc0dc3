// Package embedding defines the embedding provider contract used by the
// knowledge ingestion pipeline, plus the OpenAI-backed implementation.
//
// The provider is intentionally narrow: one ordered batch call. Batching is
// part of the pipeline's correctness contract: a source's chunk texts are
// embedded in a single request so that index i of the output always
// corresponds to index i of the input, and a failure voids the whole batch
// (the caller persists nothing on error). No retries happen at this layer.
package embedding

import (
	"context"
	"errors"
)

var (
	// ErrEmptyBatch is returned when Embed is called with no texts.
	ErrEmptyBatch = errors.New("embedding: batch is empty")

	// ErrEmptyText is returned when any text in the batch is empty.
	ErrEmptyText = errors.New("embedding: text is empty")

	// ErrBatchTooLarge is returned when the batch exceeds the provider limit.
	ErrBatchTooLarge = errors.New("embedding: batch too large")

	// ErrCountMismatch is returned when the provider responds with a
	// different number of vectors than texts sent.
	ErrCountMismatch = errors.New("embedding: vector count mismatch")

	// ErrDimensionMismatch is returned when a response vector length does
	// not match the configured dimensions.
	ErrDimensionMismatch = errors.New("embedding: vector dimension mismatch")
)

// Provider converts a batch of texts into fixed-dimension vectors.
//
// Implementations must preserve order (output index i corresponds to input
// index i) and return a single error for the whole batch. Callers treat any
// error as fatal for the enclosing write.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the fixed vector length every Embed result has.
	Dimensions() int
}
