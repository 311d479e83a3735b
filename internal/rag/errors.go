package rag

import "errors"

// Failure kinds surfaced by the index and the answer pipeline. Callers
// match with errors.Is; wrapped messages carry the detail.
var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrEmptyIndex        = errors.New("vector index is empty")
	ErrNoSimilarMatch    = errors.New("no sufficiently similar document")
	ErrMalformedDocument = errors.New("malformed document record")
	ErrEmbeddingFailed   = errors.New("embedding provider failed")
	ErrGenerationFailed  = errors.New("generation provider failed")
)
