package server

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"askdoc/internal/version"
)

// metricsCollector accumulates process counters for the /metrics
// endpoint. One collector is wired through the API and the embedding
// cache; all methods are safe for concurrent use.
type metricsCollector struct {
	mu sync.Mutex

	asks      int
	askErrors map[string]int // kind -> count
	fragments int

	embedCacheHits   int
	embedCacheMisses int
	embedCacheEvict  int

	reqTotal map[string]int     // method|path|status
	durSum   map[string]float64 // method|path
	durCount map[string]int
}

func newMetrics() *metricsCollector {
	return &metricsCollector{
		askErrors: make(map[string]int),
		reqTotal:  make(map[string]int),
		durSum:    make(map[string]float64),
		durCount:  make(map[string]int),
	}
}

func (m *metricsCollector) addAsk(fragments int) {
	m.mu.Lock()
	m.asks++
	m.fragments += fragments
	m.mu.Unlock()
}

func (m *metricsCollector) addAskError(kind string) {
	m.mu.Lock()
	m.askErrors[kind]++
	m.mu.Unlock()
}

func (m *metricsCollector) addCacheHits(n int) {
	m.mu.Lock()
	m.embedCacheHits += n
	m.mu.Unlock()
}

func (m *metricsCollector) addCacheMisses(n int) {
	m.mu.Lock()
	m.embedCacheMisses += n
	m.mu.Unlock()
}

func (m *metricsCollector) addCacheEvictions(n int) {
	m.mu.Lock()
	m.embedCacheEvict += n
	m.mu.Unlock()
}

func (m *metricsCollector) addRequest(method, path string, status int, seconds float64) {
	key := fmt.Sprintf("%s|%s|%d", method, path, status)
	durKey := method + "|" + path
	m.mu.Lock()
	m.reqTotal[key]++
	m.durSum[durKey] += seconds
	m.durCount[durKey]++
	m.mu.Unlock()
}

// writeProm renders the collector in Prometheus text exposition format.
// indexSize and storeStats are point-in-time gauges supplied by the
// caller.
func (m *metricsCollector) writeProm(w io.Writer, indexSize int, storeStats map[string]int) {
	io.WriteString(w, "# HELP askdoc_documents Number of documents in the vector index.\n")
	io.WriteString(w, "# TYPE askdoc_documents gauge\n")
	fmt.Fprintf(w, "askdoc_documents %d\n", indexSize)

	for _, key := range sortedKeys(storeStats) {
		fmt.Fprintf(w, "# TYPE askdoc_store_%s gauge\n", key)
		fmt.Fprintf(w, "askdoc_store_%s %d\n", key, storeStats[key])
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	io.WriteString(w, "# HELP askdoc_asks_total Questions answered successfully.\n")
	io.WriteString(w, "# TYPE askdoc_asks_total counter\n")
	fmt.Fprintf(w, "askdoc_asks_total %d\n", m.asks)

	io.WriteString(w, "# HELP askdoc_ask_errors_total Failed asks by kind.\n")
	io.WriteString(w, "# TYPE askdoc_ask_errors_total counter\n")
	for _, kind := range sortedKeys(m.askErrors) {
		fmt.Fprintf(w, "askdoc_ask_errors_total{kind=%q} %d\n", kind, m.askErrors[kind])
	}

	io.WriteString(w, "# HELP askdoc_answer_fragments_total Stream fragments relayed.\n")
	io.WriteString(w, "# TYPE askdoc_answer_fragments_total counter\n")
	fmt.Fprintf(w, "askdoc_answer_fragments_total %d\n", m.fragments)

	io.WriteString(w, "# HELP askdoc_embed_cache_hits_total Embedding cache hits.\n")
	io.WriteString(w, "# TYPE askdoc_embed_cache_hits_total counter\n")
	fmt.Fprintf(w, "askdoc_embed_cache_hits_total %d\n", m.embedCacheHits)
	io.WriteString(w, "# HELP askdoc_embed_cache_misses_total Embedding cache misses.\n")
	io.WriteString(w, "# TYPE askdoc_embed_cache_misses_total counter\n")
	fmt.Fprintf(w, "askdoc_embed_cache_misses_total %d\n", m.embedCacheMisses)
	io.WriteString(w, "# HELP askdoc_embed_cache_evictions_total Embedding cache evictions.\n")
	io.WriteString(w, "# TYPE askdoc_embed_cache_evictions_total counter\n")
	fmt.Fprintf(w, "askdoc_embed_cache_evictions_total %d\n", m.embedCacheEvict)

	io.WriteString(w, "# TYPE askdoc_http_requests_total counter\n")
	for _, key := range sortedKeys(m.reqTotal) {
		parts := strings.Split(key, "|")
		if len(parts) == 3 {
			fmt.Fprintf(w, "askdoc_http_requests_total{method=%q,path=%q,status=%q} %d\n",
				parts[0], parts[1], parts[2], m.reqTotal[key])
		}
	}

	io.WriteString(w, "# TYPE askdoc_http_request_duration_seconds summary\n")
	for _, key := range sortedKeys(m.durSum) {
		parts := strings.Split(key, "|")
		if len(parts) != 2 {
			continue
		}
		fmt.Fprintf(w, "askdoc_http_request_duration_seconds_sum{method=%q,path=%q} %f\n",
			parts[0], parts[1], m.durSum[key])
		fmt.Fprintf(w, "askdoc_http_request_duration_seconds_count{method=%q,path=%q} %d\n",
			parts[0], parts[1], m.durCount[key])
	}

	io.WriteString(w, "# HELP askdoc_build_info Build information.\n")
	io.WriteString(w, "# TYPE askdoc_build_info gauge\n")
	fmt.Fprintf(w, "askdoc_build_info{version=%q,commit=%q} 1\n", version.Version, version.Commit)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
