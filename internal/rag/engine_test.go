package rag

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"askdoc/internal/llm"
)

type fakeEmbedder struct {
	fn func(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

func (f *fakeEmbedder) Embeddings(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	return f.fn(ctx, model, inputs)
}

type fakeGenerator struct {
	fn func(ctx context.Context, model, prompt string, cfg llm.GenerateConfig) (llm.Stream, error)
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, model, prompt string, cfg llm.GenerateConfig) (llm.Stream, error) {
	return f.fn(ctx, model, prompt, cfg)
}

// scriptedStream replays deltas one per Recv, then either finishes or
// fails with failWith.
type scriptedStream struct {
	deltas   []string
	failWith error
	i        int
	closed   bool
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

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

func fixedEmbedder(vec []float32) *fakeEmbedder {
	return &fakeEmbedder{fn: func(context.Context, string, []string) ([][]float32, error) {
		return [][]float32{vec}, nil
	}}
}

func streamOf(deltas ...string) *fakeGenerator {
	return &fakeGenerator{fn: func(context.Context, string, string, llm.GenerateConfig) (llm.Stream, error) {
		return &scriptedStream{deltas: deltas}, nil
	}}
}

func testDoc() Document {
	return Document{Title: "Dune", Author: "Frank Herbert", Year: 1965, Text: "The spice must flow."}
}

func oneDocIndex(t *testing.T, vec []float32) *VectorIndex {
	t.Helper()
	idx := NewVectorIndex()
	if err := idx.Insert(vec, testDoc()); err != nil {
		t.Fatal(err)
	}
	return idx
}

func newTestEngine(emb llm.Embedder, gen llm.Generator, idx *VectorIndex) *Engine {
	return NewEngine(emb, gen, idx, nil, Options{
		EmbedModel: "embed-test",
		GenModel:   "gen-test",
		Generate:   llm.GenerateConfig{Temperature: 0, TopK: 1, MaxOutputTokens: 128},
	}, zap.NewNop())
}

func TestAnswerConcatenatesFragmentsInOrder(t *testing.T) {
	e := newTestEngine(fixedEmbedder([]float32{1, 0}), streamOf("Hello, ", "world."), oneDocIndex(t, []float32{1, 0}))
	ans, err := e.Answer(context.Background(), "greet me")
	if err != nil {
		t.Fatal(err)
	}
	if ans.Text != "Hello, world." {
		t.Fatalf("answer = %q", ans.Text)
	}
	if ans.Document.Title != "Dune" {
		t.Fatalf("document = %q", ans.Document.Title)
	}
	if ans.Score != 1.0 {
		t.Fatalf("score = %v, want 1.0", ans.Score)
	}
	if ans.ID == "" {
		t.Fatal("missing ask id")
	}
}

func TestAnswerOppositeQueryIsNoSimilarMatch(t *testing.T) {
	e := newTestEngine(fixedEmbedder([]float32{-1, 0}), streamOf("unused"), oneDocIndex(t, []float32{1, 0}))
	if _, err := e.Answer(context.Background(), "q"); !errors.Is(err, ErrNoSimilarMatch) {
		t.Fatalf("want ErrNoSimilarMatch, got %v", err)
	}
}

func TestAnswerEmptyIndexFails(t *testing.T) {
	e := newTestEngine(fixedEmbedder([]float32{1, 0}), streamOf("unused"), NewVectorIndex())
	if _, err := e.Answer(context.Background(), "q"); !errors.Is(err, ErrEmptyIndex) {
		t.Fatalf("want ErrEmptyIndex, got %v", err)
	}
}

func TestAnswerMidStreamFailureDiscardsPartial(t *testing.T) {
	gen := &fakeGenerator{fn: func(context.Context, string, string, llm.GenerateConfig) (llm.Stream, error) {
		return &scriptedStream{deltas: []string{"partial "}, failWith: errors.New("connection reset")}, nil
	}}
	e := newTestEngine(fixedEmbedder([]float32{1, 0}), gen, oneDocIndex(t, []float32{1, 0}))
	ans, err := e.Answer(context.Background(), "q")
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("want ErrGenerationFailed, got %v", err)
	}
	if ans != nil {
		t.Fatalf("partial answer leaked: %+v", ans)
	}
}

func TestAnswerEmbeddingFailure(t *testing.T) {
	emb := &fakeEmbedder{fn: func(context.Context, string, []string) ([][]float32, error) {
		return nil, errors.New("quota exceeded")
	}}
	e := newTestEngine(emb, streamOf("unused"), oneDocIndex(t, []float32{1, 0}))
	if _, err := e.Answer(context.Background(), "q"); !errors.Is(err, ErrEmbeddingFailed) {
		t.Fatalf("want ErrEmbeddingFailed, got %v", err)
	}
}

func TestAnswerEmptyEmbeddingFails(t *testing.T) {
	emb := &fakeEmbedder{fn: func(context.Context, string, []string) ([][]float32, error) {
		return [][]float32{}, nil
	}}
	e := newTestEngine(emb, streamOf("unused"), oneDocIndex(t, []float32{1, 0}))
	if _, err := e.Answer(context.Background(), "q"); !errors.Is(err, ErrEmbeddingFailed) {
		t.Fatalf("want ErrEmbeddingFailed, got %v", err)
	}
}

func TestAnswerGeneratorCallFailure(t *testing.T) {
	gen := &fakeGenerator{fn: func(context.Context, string, string, llm.GenerateConfig) (llm.Stream, error) {
		return nil, errors.New("503 overloaded")
	}}
	e := newTestEngine(fixedEmbedder([]float32{1, 0}), gen, oneDocIndex(t, []float32{1, 0}))
	if _, err := e.Answer(context.Background(), "q"); !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("want ErrGenerationFailed, got %v", err)
	}
}

func TestAnswerStreamRelaysFragmentsInOrder(t *testing.T) {
	e := newTestEngine(fixedEmbedder([]float32{1, 0}), streamOf("a", "b", "c"), oneDocIndex(t, []float32{1, 0}))
	var got []string
	ans, err := e.AnswerStream(context.Background(), "q", StreamObserver{
		OnFragment: func(d string) { got = append(got, d) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("fragments out of order: %v", got)
	}
	if ans.Text != "abc" {
		t.Fatalf("aggregate = %q", ans.Text)
	}
}

func TestAnswerStreamReportsMatchBeforeFragments(t *testing.T) {
	e := newTestEngine(fixedEmbedder([]float32{1, 0}), streamOf("a", "b"), oneDocIndex(t, []float32{1, 0}))
	var order []string
	_, err := e.AnswerStream(context.Background(), "q", StreamObserver{
		OnMatch: func(doc Document, score float64) {
			if doc.Title != "Dune" || score != 1.0 {
				t.Errorf("match callback got %q score %v", doc.Title, score)
			}
			order = append(order, "match")
		},
		OnFragment: func(string) { order = append(order, "fragment") },
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 3 || order[0] != "match" {
		t.Fatalf("callback order: %v", order)
	}
}

func TestAnswerClosesStream(t *testing.T) {
	st := &scriptedStream{deltas: []string{"x"}}
	gen := &fakeGenerator{fn: func(context.Context, string, string, llm.GenerateConfig) (llm.Stream, error) {
		return st, nil
	}}
	e := newTestEngine(fixedEmbedder([]float32{1, 0}), gen, oneDocIndex(t, []float32{1, 0}))
	if _, err := e.Answer(context.Background(), "q"); err != nil {
		t.Fatal(err)
	}
	if !st.closed {
		t.Fatal("stream left open")
	}
}

func TestAnswerSendsBuiltPrompt(t *testing.T) {
	var gotPrompt string
	gen := &fakeGenerator{fn: func(_ context.Context, _, prompt string, _ llm.GenerateConfig) (llm.Stream, error) {
		gotPrompt = prompt
		return &scriptedStream{deltas: []string{"ok"}}, nil
	}}
	e := newTestEngine(fixedEmbedder([]float32{1, 0}), gen, oneDocIndex(t, []float32{1, 0}))
	if _, err := e.Answer(context.Background(), "Who rules Arrakis?"); err != nil {
		t.Fatal(err)
	}
	want := NewPromptBuilder("").Build("Who rules Arrakis?", testDoc())
	if gotPrompt != want {
		t.Fatalf("prompt mismatch:\ngot:  %q\nwant: %q", gotPrompt, want)
	}
}

func TestAnswerUsesConfiguredDecoding(t *testing.T) {
	var gotCfg llm.GenerateConfig
	var gotModel string
	gen := &fakeGenerator{fn: func(_ context.Context, model, _ string, cfg llm.GenerateConfig) (llm.Stream, error) {
		gotModel, gotCfg = model, cfg
		return &scriptedStream{deltas: []string{"ok"}}, nil
	}}
	e := newTestEngine(fixedEmbedder([]float32{1, 0}), gen, oneDocIndex(t, []float32{1, 0}))
	if _, err := e.Answer(context.Background(), "q"); err != nil {
		t.Fatal(err)
	}
	if gotModel != "gen-test" {
		t.Fatalf("model = %q", gotModel)
	}
	if gotCfg.Temperature != 0 || gotCfg.TopK != 1 || gotCfg.MaxOutputTokens != 128 {
		t.Fatalf("decoding config not passed through: %+v", gotCfg)
	}
}

// cancelingStream cancels the caller's context on first Recv and then
// fails like an aborted body read would.
type cancelingStream struct {
	cancel context.CancelFunc
}

func (s *cancelingStream) Recv() (string, bool, error) {
	s.cancel()
	return "", true, errors.New("read aborted")
}

func (s *cancelingStream) Close() error { return nil }

func TestAnswerSurfacesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gen := &fakeGenerator{fn: func(context.Context, string, string, llm.GenerateConfig) (llm.Stream, error) {
		return &cancelingStream{cancel: cancel}, nil
	}}
	e := newTestEngine(fixedEmbedder([]float32{1, 0}), gen, oneDocIndex(t, []float32{1, 0}))
	_, err := e.Answer(ctx, "q")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestAnswerConcurrentCallsShareIndex(t *testing.T) {
	idx := NewVectorIndex()
	if err := idx.Insert([]float32{1, 0}, testDoc()); err != nil {
		t.Fatal(err)
	}
	other := Document{Title: "Hamlet", Author: "William Shakespeare", Year: 1603, Text: "To be, or not to be."}
	if err := idx.Insert([]float32{0, 1}, other); err != nil {
		t.Fatal(err)
	}
	emb := &fakeEmbedder{fn: func(_ context.Context, _ string, inputs []string) ([][]float32, error) {
		if inputs[0] == "spice" {
			return [][]float32{{1, 0}}, nil
		}
		return [][]float32{{0, 1}}, nil
	}}
	e := newTestEngine(emb, streamOf("ok"), idx)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		query, want := "spice", "Dune"
		if i%2 == 1 {
			query, want = "prince", "Hamlet"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ans, err := e.Answer(context.Background(), query)
			if err != nil {
				t.Error(err)
				return
			}
			if ans.Document.Title != want {
				t.Errorf("question %q matched %q, want %q", query, ans.Document.Title, want)
			}
		}()
	}
	wg.Wait()
}
