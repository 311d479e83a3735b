package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"askdoc/internal/llm"
	"askdoc/internal/store"
)

// cachingEmbedder memoizes embedding calls. Lookups go memory first,
// then the persistent store, then the wrapped provider; provider results
// are written through to both layers. Batch requests only forward the
// inputs that missed.
type cachingEmbedder struct {
	u       llm.Embedder
	store   store.Store
	metrics *metricsCollector
	ttl     time.Duration
	max     int

	mu    sync.Mutex
	data  map[string][]float32
	times map[string]time.Time
}

func newCachingEmbedder(u llm.Embedder, st store.Store, m *metricsCollector, ttl time.Duration, maxEntries int) *cachingEmbedder {
	return &cachingEmbedder{
		u:       u,
		store:   st,
		metrics: m,
		ttl:     ttl,
		max:     maxEntries,
		data:    make(map[string][]float32),
		times:   make(map[string]time.Time),
	}
}

func (c *cachingEmbedder) Embeddings(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	var missIdx []int
	hits, evicted := 0, 0

	c.mu.Lock()
	now := time.Now()
	for i, s := range inputs {
		key := model + "|" + s
		v, ok := c.data[key]
		if ok && c.ttl > 0 {
			if t, ok2 := c.times[key]; ok2 && now.Sub(t) > c.ttl {
				delete(c.data, key)
				delete(c.times, key)
				ok = false
				evicted++
			}
		}
		if ok {
			out[i] = v
			hits++
		} else {
			missIdx = append(missIdx, i)
		}
	}
	c.mu.Unlock()

	// read through the persistent layer before calling the provider
	if c.store != nil && len(missIdx) > 0 {
		remain := missIdx[:0]
		for _, i := range missIdx {
			if vec, ok := c.store.GetEmbedding(model, inputs[i]); ok {
				out[i] = vec
				c.remember(model, inputs[i], vec)
				hits++
			} else {
				remain = append(remain, i)
			}
		}
		missIdx = remain
	}

	if c.metrics != nil {
		c.metrics.addCacheHits(hits)
		c.metrics.addCacheEvictions(evicted)
	}

	if len(missIdx) == 0 {
		return out, nil
	}

	req := make([]string, len(missIdx))
	for j, i := range missIdx {
		req[j] = inputs[i]
	}
	vecs, err := c.u.Embeddings(ctx, model, req)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(req) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(vecs), len(req))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.remember(model, inputs[i], vecs[j])
		if c.store != nil {
			_ = c.store.PutEmbedding(model, inputs[i], vecs[j])
		}
	}
	if c.metrics != nil {
		c.metrics.addCacheMisses(len(missIdx))
	}
	return out, nil
}

func (c *cachingEmbedder) remember(model, input string, vec []float32) {
	c.mu.Lock()
	key := model + "|" + input
	c.data[key] = vec
	c.times[key] = time.Now()
	if c.max > 0 && len(c.data) > c.max {
		c.evictOldest(len(c.data) - c.max)
	}
	c.mu.Unlock()
}

// evictOldest removes the n oldest entries. Called with c.mu held.
func (c *cachingEmbedder) evictOldest(n int) {
	if n <= 0 {
		return
	}
	type kv struct {
		k string
		t time.Time
	}
	items := make([]kv, 0, len(c.times))
	for k, t := range c.times {
		items = append(items, kv{k: k, t: t})
	}
	// partial selection sort for the n oldest
	evicted := 0
	for i := 0; i < n && i < len(items); i++ {
		minIdx := i
		for j := i + 1; j < len(items); j++ {
			if items[j].t.Before(items[minIdx].t) {
				minIdx = j
			}
		}
		items[i], items[minIdx] = items[minIdx], items[i]
		delete(c.data, items[i].k)
		delete(c.times, items[i].k)
		evicted++
	}
	if c.metrics != nil {
		c.metrics.addCacheEvictions(evicted)
	}
}
