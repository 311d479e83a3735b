package rag

import "fmt"

// QueryResult pairs the best-matching document with its cosine similarity
// to the query. The score is computed per query, never stored.
type QueryResult struct {
	Document Document
	Score    float64
}

// VectorIndex is a flat in-memory index over (vector, document) entries.
// Documents and vectors live in parallel slices keyed by insertion order;
// per-entry norms are cached at insert time. The index is append-only
// during the build phase and read-only afterwards, so concurrent Nearest
// calls need no locking.
//
// Lookup is an exact linear scan. At corpus sizes of tens to low hundreds
// of documents the scan is cheap next to a provider round-trip, and exact
// nearest-neighbor results matter more than sub-linear search.
type VectorIndex struct {
	dim     int
	vectors [][]float32
	norms   []float64
	docs    []Document
}

func NewVectorIndex() *VectorIndex {
	return &VectorIndex{}
}

// Insert appends one entry. The first insert fixes the index dimension;
// later vectors of any other length (including zero) are rejected with
// ErrDimensionMismatch and leave the index unchanged.
func (x *VectorIndex) Insert(vec []float32, doc Document) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	if x.dim == 0 {
		x.dim = len(vec)
	} else if len(vec) != x.dim {
		return fmt.Errorf("%w: got %d, index dimension is %d", ErrDimensionMismatch, len(vec), x.dim)
	}
	x.vectors = append(x.vectors, vec)
	x.norms = append(x.norms, norm(vec))
	x.docs = append(x.docs, doc)
	return nil
}

// Nearest scans every entry in insertion order and returns the one with
// the strictly highest cosine similarity to query.
//
// The running best starts at 0: an entry only wins with a strictly
// positive score, equal scores keep the earliest inserted entry, and a
// corpus whose best similarity is 0 or negative yields ErrNoSimilarMatch
// even though entries exist. Do not change the baseline; callers rely on
// a miss rather than the least-bad entry when nothing is related.
func (x *VectorIndex) Nearest(query []float32) (QueryResult, error) {
	if len(x.docs) == 0 {
		return QueryResult{}, ErrEmptyIndex
	}
	if len(query) != x.dim {
		return QueryResult{}, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(query), x.dim)
	}
	qn := norm(query)

	best := 0.0
	bestIdx := -1
	for i, vec := range x.vectors {
		s := 0.0
		if qn != 0 && x.norms[i] != 0 {
			var dot float64
			for j := range vec {
				dot += float64(vec[j]) * float64(query[j])
			}
			s = dot / (qn * x.norms[i])
		}
		if s > best {
			best = s
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return QueryResult{}, fmt.Errorf("%w: best similarity across %d entries is not above 0", ErrNoSimilarMatch, len(x.docs))
	}
	return QueryResult{Document: x.docs[bestIdx], Score: best}, nil
}

// Len reports the number of stored entries.
func (x *VectorIndex) Len() int { return len(x.docs) }

// Dim reports the established vector dimension, 0 before the first insert.
func (x *VectorIndex) Dim() int { return x.dim }

// Documents returns a copy of the stored documents in insertion order.
func (x *VectorIndex) Documents() []Document {
	out := make([]Document, len(x.docs))
	copy(out, x.docs)
	return out
}
