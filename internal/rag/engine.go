package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"askdoc/internal/llm"
	"askdoc/internal/observability"
)

// Answer is the aggregate result of one pipeline run.
type Answer struct {
	ID       string
	Query    string
	Text     string
	Document Document
	Score    float64
	Model    string
	Duration time.Duration
}

// Options fixes the models and decoding parameters an Engine uses for
// every call. Temperature 0 with TopK 1 keeps grounded answers
// reproducible.
type Options struct {
	EmbedModel string
	GenModel   string
	Generate   llm.GenerateConfig
}

// Engine runs the answer pipeline: embed the question, find the nearest
// document, build the prompt, and aggregate the generation stream. One
// Engine is built per process and shared; the index it holds is immutable,
// so concurrent Answer calls are independent.
type Engine struct {
	emb     llm.Embedder
	gen     llm.Generator
	index   *VectorIndex
	prompts *PromptBuilder
	opts    Options
	log     *zap.Logger
}

func NewEngine(emb llm.Embedder, gen llm.Generator, index *VectorIndex, prompts *PromptBuilder, opts Options, log *zap.Logger) *Engine {
	if prompts == nil {
		prompts = NewPromptBuilder("")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{emb: emb, gen: gen, index: index, prompts: prompts, opts: opts, log: log}
}

// Index exposes the engine's corpus index for read-only listings.
func (e *Engine) Index() *VectorIndex { return e.index }

// StreamObserver receives progress callbacks from AnswerStream. Nil
// fields are skipped.
type StreamObserver struct {
	// OnMatch fires once, after the nearest document is chosen and
	// before generation starts.
	OnMatch func(doc Document, score float64)
	// OnFragment fires for every non-empty delta in arrival order.
	OnFragment func(delta string)
}

// Answer runs the full pipeline for one question and returns the
// aggregated answer text with its grounding document.
func (e *Engine) Answer(ctx context.Context, query string) (*Answer, error) {
	return e.AnswerStream(ctx, query, StreamObserver{})
}

// AnswerStream is Answer with progress callbacks, invoked as the
// generation stream is consumed. The returned Answer is all-or-nothing:
// if the stream fails mid-way, every received fragment is discarded and
// only the error is returned, even when fragments were already relayed
// through obs.OnFragment.
//
// Provider failures are wrapped as ErrEmbeddingFailed or
// ErrGenerationFailed; index errors propagate unchanged. The engine never
// retries and never substitutes a fallback answer: the caller decides
// what a failed ask is worth.
func (e *Engine) AnswerStream(ctx context.Context, query string, obs StreamObserver) (*Answer, error) {
	start := time.Now()
	id := uuid.New().String()
	log := e.log.With(zap.String("ask_id", id))

	ctx, span := observability.StartSpan(ctx, "rag.answer",
		attribute.String("ask.id", id),
		attribute.Int("index.entries", e.index.Len()),
	)
	defer span.End()

	span.AddEvent("embedding")
	log.Debug("embedding question", zap.String("model", e.opts.EmbedModel))
	vecs, err := e.emb.Embeddings(ctx, e.opts.EmbedModel, []string{query})
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		err := fmt.Errorf("%w: provider returned no vector", ErrEmbeddingFailed)
		observability.RecordError(span, err)
		return nil, err
	}

	span.AddEvent("searching")
	res, err := e.index.Nearest(vecs[0])
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	log.Debug("matched document",
		zap.String("title", res.Document.Title),
		zap.Float64("score", res.Score),
	)
	if obs.OnMatch != nil {
		obs.OnMatch(res.Document, res.Score)
	}

	span.AddEvent("prompt ready")
	prompt := e.prompts.Build(query, res.Document)

	span.AddEvent("generating")
	log.Debug("generating answer", zap.String("model", e.opts.GenModel))
	st, err := e.gen.GenerateStream(ctx, e.opts.GenModel, prompt, e.opts.Generate)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	defer st.Close()

	var sb strings.Builder
	for {
		delta, done, err := st.Recv()
		if err != nil {
			observability.RecordError(span, err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		}
		if delta != "" {
			sb.WriteString(delta)
			if obs.OnFragment != nil {
				obs.OnFragment(delta)
			}
		}
		if done {
			break
		}
	}

	ans := &Answer{
		ID:       id,
		Query:    query,
		Text:     sb.String(),
		Document: res.Document,
		Score:    res.Score,
		Model:    e.opts.GenModel,
		Duration: time.Since(start),
	}
	log.Info("answered",
		zap.String("title", res.Document.Title),
		zap.Float64("score", res.Score),
		zap.Int("chars", len(ans.Text)),
		zap.Duration("took", ans.Duration),
	)
	return ans, nil
}
