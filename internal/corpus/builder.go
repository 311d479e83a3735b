package corpus

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"askdoc/internal/llm"
	"askdoc/internal/rag"
)

// defaultBatchSize is how many document texts go into one embedding call.
const defaultBatchSize = 8

// Builder embeds document texts in batches and assembles the vector
// index. Unlike a background pipeline, a build is all-or-nothing: any
// provider or dimension error aborts it.
type Builder struct {
	emb       llm.Embedder
	model     string
	batchSize int
	log       *zap.Logger
}

func NewBuilder(emb llm.Embedder, model string, batchSize int, log *zap.Logger) *Builder {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{emb: emb, model: model, batchSize: batchSize, log: log}
}

// Build embeds docs in order and inserts each (vector, document) pair
// into a fresh index. Insertion order matches docs order, which fixes
// the tie-break order of later queries.
func (b *Builder) Build(ctx context.Context, docs []rag.Document) (*rag.VectorIndex, error) {
	idx := rag.NewVectorIndex()
	for start := 0; start < len(docs); start += b.batchSize {
		end := start + b.batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]
		texts := make([]string, len(batch))
		for i, d := range batch {
			texts[i] = d.Text
		}
		vecs, err := b.emb.Embeddings(ctx, b.model, texts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", rag.ErrEmbeddingFailed, err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("%w: got %d vectors for %d inputs", rag.ErrEmbeddingFailed, len(vecs), len(batch))
		}
		for i, vec := range vecs {
			if err := idx.Insert(vec, batch[i]); err != nil {
				return nil, fmt.Errorf("document %q: %w", batch[i].Title, err)
			}
		}
		b.log.Debug("embedded corpus batch", zap.Int("from", start), zap.Int("count", len(batch)))
	}
	b.log.Info("corpus index built", zap.Int("documents", idx.Len()), zap.Int("dimension", idx.Dim()))
	return idx, nil
}
