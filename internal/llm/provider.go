package llm

import (
	"context"
)

// GenerateConfig carries the decoding parameters for a single generation
// call. Temperature 0 together with TopK 1 requests greedy decoding.
type GenerateConfig struct {
	Temperature     float32
	TopK            int
	MaxOutputTokens int
}

// Embedder converts batches of text into fixed-dimension vectors. All
// vectors returned by one deployment share the same dimension.
type Embedder interface {
	Embeddings(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// Generator produces a streamed completion for a flat prompt string.
type Generator interface {
	GenerateStream(ctx context.Context, model, prompt string, cfg GenerateConfig) (Stream, error)
}

// Stream yields generated text fragments in arrival order. Recv reports
// done=true after the final fragment; an error ends the stream. Close
// releases the underlying connection and may be called more than once.
type Stream interface {
	Recv() (delta string, done bool, err error)
	Close() error
}
