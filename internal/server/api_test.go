package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"askdoc/internal/llm"
	"askdoc/internal/models"
	"askdoc/internal/rag"
	"askdoc/internal/store"
)

type vecEmbedder struct {
	vec []float32
	err error
}

func (f *vecEmbedder) Embeddings(_ context.Context, _ string, inputs []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = f.vec
	}
	return out, nil
}

type scriptedStream struct {
	deltas   []string
	failWith error
	i        int
}

func (s *scriptedStream) Recv() (string, bool, error) {
	if s.i < len(s.deltas) {
		d := s.deltas[s.i]
		s.i++
		return d, false, nil
	}
	if s.failWith != nil {
		return "", true, s.failWith
	}
	return "", true, nil
}

func (s *scriptedStream) Close() error { return nil }

type scriptedGen struct {
	deltas   []string
	failWith error
	callErr  error
}

func (g *scriptedGen) GenerateStream(context.Context, string, string, llm.GenerateConfig) (llm.Stream, error) {
	if g.callErr != nil {
		return nil, g.callErr
	}
	return &scriptedStream{deltas: g.deltas, failWith: g.failWith}, nil
}

func testIndex(t *testing.T) *rag.VectorIndex {
	t.Helper()
	idx := rag.NewVectorIndex()
	docs := []rag.Document{
		{Title: "Dune", Author: "Frank Herbert", Year: 1965, Text: "The spice must flow."},
		{Title: "Hyperion", Author: "Dan Simmons", Year: 1989, Text: "The Shrike waits in the Time Tombs."},
	}
	vecs := [][]float32{{1, 0}, {0, 1}}
	for i, d := range docs {
		if err := idx.Insert(vecs[i], d); err != nil {
			t.Fatal(err)
		}
	}
	return idx
}

func newTestAPI(t *testing.T, emb llm.Embedder, gen llm.Generator, idx *rag.VectorIndex) (*API, store.Store) {
	t.Helper()
	st := store.New()
	engine := rag.NewEngine(emb, gen, idx, nil, rag.Options{
		EmbedModel: "embed-test",
		GenModel:   "gen-test",
		Generate:   llm.GenerateConfig{TopK: 1, MaxOutputTokens: 64},
	}, zap.NewNop())
	return newAPI(engine, st, newMetrics(), "test", 0, zap.NewNop()), st
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAskAnswersQuestion(t *testing.T) {
	api, st := newTestAPI(t, &vecEmbedder{vec: []float32{1, 0}}, &scriptedGen{deltas: []string{"The spice", " must flow."}}, testIndex(t))
	rr := doRequest(t, api.Routes(), http.MethodPost, "/v1/ask", `{"question":"What must flow?"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var resp askResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Answer != "The spice must flow." {
		t.Fatalf("answer = %q", resp.Answer)
	}
	if resp.Document.Title != "Dune" || resp.Document.Author != "Frank Herbert" || resp.Document.Year != 1965 {
		t.Fatalf("document = %+v", resp.Document)
	}
	if resp.Score != 1.0 {
		t.Fatalf("score = %v", resp.Score)
	}
	if resp.ID == "" || resp.Model != "gen-test" {
		t.Fatalf("metadata missing: %+v", resp)
	}

	asks, err := st.ListAsks(10)
	if err != nil || len(asks) != 1 {
		t.Fatalf("history rows = %d, err = %v", len(asks), err)
	}
	if asks[0].Question != "What must flow?" || asks[0].Provider != "test" {
		t.Fatalf("history row = %+v", asks[0])
	}
}

func TestAskRejectsBadInput(t *testing.T) {
	api, _ := newTestAPI(t, &vecEmbedder{vec: []float32{1, 0}}, &scriptedGen{deltas: []string{"x"}}, testIndex(t))
	h := api.Routes()

	rr := doRequest(t, h, http.MethodPost, "/v1/ask", `{`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status %d", rr.Code)
	}
	var apiErr apiError
	if err := json.Unmarshal(rr.Body.Bytes(), &apiErr); err != nil || apiErr.Error != "invalid_json" {
		t.Fatalf("error body = %s", rr.Body.String())
	}

	rr = doRequest(t, h, http.MethodPost, "/v1/ask", `{"question":"   "}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("blank question: status %d", rr.Code)
	}
}

func TestAskEmptyIndexIsUnavailable(t *testing.T) {
	api, _ := newTestAPI(t, &vecEmbedder{vec: []float32{1, 0}}, &scriptedGen{deltas: []string{"x"}}, rag.NewVectorIndex())
	rr := doRequest(t, api.Routes(), http.MethodPost, "/v1/ask", `{"question":"q"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var apiErr apiError
	if err := json.Unmarshal(rr.Body.Bytes(), &apiErr); err != nil || apiErr.Error != "empty_index" {
		t.Fatalf("error body = %s", rr.Body.String())
	}
}

func TestAskNoSimilarMatchIsNotFound(t *testing.T) {
	// opposite to the first document, orthogonal to the second
	api, _ := newTestAPI(t, &vecEmbedder{vec: []float32{-1, 0}}, &scriptedGen{deltas: []string{"x"}}, testIndex(t))
	rr := doRequest(t, api.Routes(), http.MethodPost, "/v1/ask", `{"question":"q"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "no_similar_match") {
		t.Fatalf("error body = %s", rr.Body.String())
	}
}

func TestAskProviderFailuresAreBadGateway(t *testing.T) {
	api, _ := newTestAPI(t, &vecEmbedder{err: errors.New("quota exceeded")}, &scriptedGen{deltas: []string{"x"}}, testIndex(t))
	rr := doRequest(t, api.Routes(), http.MethodPost, "/v1/ask", `{"question":"q"}`)
	if rr.Code != http.StatusBadGateway || !strings.Contains(rr.Body.String(), "embedding_failed") {
		t.Fatalf("embed failure: status %d body %s", rr.Code, rr.Body.String())
	}

	api, _ = newTestAPI(t, &vecEmbedder{vec: []float32{1, 0}}, &scriptedGen{callErr: errors.New("overloaded")}, testIndex(t))
	rr = doRequest(t, api.Routes(), http.MethodPost, "/v1/ask", `{"question":"q"}`)
	if rr.Code != http.StatusBadGateway || !strings.Contains(rr.Body.String(), "generation_failed") {
		t.Fatalf("generation failure: status %d body %s", rr.Code, rr.Body.String())
	}
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
				cur = sseEvent{}
			}
		}
	}
	return events
}

func TestAskStreamEmitsSourceTokensDone(t *testing.T) {
	api, st := newTestAPI(t, &vecEmbedder{vec: []float32{1, 0}}, &scriptedGen{deltas: []string{"a", "b"}}, testIndex(t))
	rr := doRequest(t, api.Routes(), http.MethodPost, "/v1/ask", `{"question":"q","stream":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := parseSSE(t, rr.Body.String())
	if len(events) != 4 {
		t.Fatalf("expected source+2 tokens+done, got %v", events)
	}
	if events[0].name != "source" {
		t.Fatalf("first event = %q", events[0].name)
	}
	var src sourceEvent
	if err := json.Unmarshal([]byte(events[0].data), &src); err != nil {
		t.Fatal(err)
	}
	if src.Document.Title != "Dune" || src.Score != 1.0 {
		t.Fatalf("source = %+v", src)
	}
	for i, want := range []string{"a", "b"} {
		ev := events[1+i]
		if ev.name != "token" {
			t.Fatalf("event %d = %q", 1+i, ev.name)
		}
		var tok tokenEvent
		if err := json.Unmarshal([]byte(ev.data), &tok); err != nil || tok.Delta != want {
			t.Fatalf("token %d = %s", i, ev.data)
		}
	}
	if events[3].name != "done" {
		t.Fatalf("last event = %q", events[3].name)
	}
	var resp askResponse
	if err := json.Unmarshal([]byte(events[3].data), &resp); err != nil || resp.Answer != "ab" {
		t.Fatalf("done payload = %s", events[3].data)
	}

	asks, _ := st.ListAsks(10)
	if len(asks) != 1 {
		t.Fatalf("history rows = %d", len(asks))
	}
}

func TestAskStreamMidStreamFailure(t *testing.T) {
	gen := &scriptedGen{deltas: []string{"partial"}, failWith: errors.New("connection reset")}
	api, st := newTestAPI(t, &vecEmbedder{vec: []float32{1, 0}}, gen, testIndex(t))
	rr := doRequest(t, api.Routes(), http.MethodPost, "/v1/ask", `{"question":"q","stream":true}`)

	events := parseSSE(t, rr.Body.String())
	if len(events) == 0 {
		t.Fatal("no events")
	}
	last := events[len(events)-1]
	if last.name != "error" {
		t.Fatalf("last event = %q, want error", last.name)
	}
	if !strings.Contains(last.data, "generation_failed") {
		t.Fatalf("error payload = %s", last.data)
	}
	for _, ev := range events {
		if ev.name == "done" {
			t.Fatal("done event after failure")
		}
	}
	// a failed ask leaves no history row
	if asks, _ := st.ListAsks(10); len(asks) != 0 {
		t.Fatalf("history rows = %d, want 0", len(asks))
	}
}

func TestHistoryEndpoint(t *testing.T) {
	api, _ := newTestAPI(t, &vecEmbedder{vec: []float32{1, 0}}, &scriptedGen{deltas: []string{"x"}}, testIndex(t))
	h := api.Routes()
	if rr := doRequest(t, h, http.MethodPost, "/v1/ask", `{"question":"first"}`); rr.Code != http.StatusOK {
		t.Fatalf("seed ask failed: %d", rr.Code)
	}

	rr := doRequest(t, h, http.MethodGet, "/v1/history", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var out struct {
		Asks []*models.Ask `json:"asks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Asks) != 1 || out.Asks[0].Question != "first" {
		t.Fatalf("history = %+v", out.Asks)
	}

	if rr := doRequest(t, h, http.MethodGet, "/v1/history?limit=abc", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d", rr.Code)
	}
	if rr := doRequest(t, h, http.MethodGet, "/v1/history?limit=0", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("zero limit: status %d", rr.Code)
	}
}

func TestDocumentsEndpoint(t *testing.T) {
	api, _ := newTestAPI(t, &vecEmbedder{vec: []float32{1, 0}}, &scriptedGen{deltas: []string{"x"}}, testIndex(t))
	rr := doRequest(t, api.Routes(), http.MethodGet, "/v1/documents", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var out struct {
		Documents []models.DocumentInfo `json:"documents"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Documents) != 2 || out.Documents[0].Title != "Dune" || out.Documents[1].Title != "Hyperion" {
		t.Fatalf("documents = %+v", out.Documents)
	}
}

func TestHealthVersionAndNotFound(t *testing.T) {
	api, _ := newTestAPI(t, &vecEmbedder{vec: []float32{1, 0}}, &scriptedGen{deltas: []string{"x"}}, testIndex(t))
	h := api.Routes()

	rr := doRequest(t, h, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, h, http.MethodGet, "/version", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "version") {
		t.Fatalf("version: %d %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, h, http.MethodGet, "/nope", "")
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), "not_found") {
		t.Fatalf("not found: %d %s", rr.Code, rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	api, _ := newTestAPI(t, &vecEmbedder{vec: []float32{-1, 0}}, &scriptedGen{deltas: []string{"x"}}, testIndex(t))
	h := api.Routes()
	// one failed ask so the error counter has a row
	doRequest(t, h, http.MethodPost, "/v1/ask", `{"question":"q"}`)

	rr := doRequest(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"askdoc_documents 2",
		`askdoc_ask_errors_total{kind="no_match"} 1`,
		"askdoc_asks_total 0",
		"askdoc_http_requests_total",
		"askdoc_build_info",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q:\n%s", want, body)
		}
	}

	rr = doRequest(t, h, http.MethodGet, "/metrics?format=json", "")
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("json format content type = %q", ct)
	}
	var stats map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
}
