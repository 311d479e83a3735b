package store

import (
	"sync"
	"time"

	"askdoc/internal/models"
)

// MemStore keeps history and the embedding cache in process memory. It
// is the fallback when no sqlite path is configured.
type MemStore struct {
	mu    sync.RWMutex
	asks  []*models.Ask
	embed map[string][]float32
}

func New() *MemStore {
	return &MemStore{embed: make(map[string][]float32)}
}

func (s *MemStore) SaveAsk(a *models.Ask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.asks = append(s.asks, &cp)
	return nil
}

func (s *MemStore) ListAsks(limit int) ([]*models.Ask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.asks) {
		limit = len(s.asks)
	}
	out := make([]*models.Ask, 0, limit)
	for i := len(s.asks) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.asks[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) GetEmbedding(model, text string) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vec, ok := s.embed[model+":"+textKey(text)]
	if !ok {
		return nil, false
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, true
}

func (s *MemStore) PutEmbedding(model, text string, vec []float32) error {
	cp := make([]float32, len(vec))
	copy(cp, vec)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embed[model+":"+textKey(text)] = cp
	return nil
}

func (s *MemStore) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]int{
		"asks":            len(s.asks),
		"embedding_cache": len(s.embed),
	}
}

func (s *MemStore) Close() error { return nil }
