package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"askdoc/internal/config"
	"askdoc/internal/corpus"
	"askdoc/internal/llm"
	"askdoc/internal/llm/gemini"
	"askdoc/internal/llm/openai"
	"askdoc/internal/observability"
	"askdoc/internal/rag"
	"askdoc/internal/store"
	"askdoc/internal/version"
)

// Run wires the whole service: tracing, provider clients, the embedding
// cache, corpus indexing, the engine, and the HTTP listener. It blocks
// until the listener fails or a shutdown signal arrives.
func Run(cfg *config.Config, log *zap.Logger) error {
	tp, err := observability.Init(context.Background(), observability.TracingConfig{
		ServiceName:    "askdoc",
		ServiceVersion: version.Version,
		Environment:    cfg.Trace.Environment,
		OTLPEndpoint:   cfg.Trace.OTLPEndpoint,
		SampleRate:     cfg.Trace.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	emb, gen, providerName, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	metrics := newMetrics()
	cached := newCachingEmbedder(emb, st, metrics, cfg.Store.CacheTTL, cfg.Store.CacheMaxEntries)

	if cfg.Corpus.Path == "" {
		return errors.New("corpus path required (set corpus.path or ASKDOC_CORPUS_PATH)")
	}
	docs, err := corpus.Load(cfg.Corpus.Path)
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}
	builder := corpus.NewBuilder(cached, cfg.LLM.EmbedModel, cfg.Corpus.BatchSize, log)
	idx, err := builder.Build(context.Background(), docs)
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}

	engine := rag.NewEngine(cached, gen, idx, nil, rag.Options{
		EmbedModel: cfg.LLM.EmbedModel,
		GenModel:   cfg.LLM.GenModel,
		Generate: llm.GenerateConfig{
			Temperature:     float32(cfg.LLM.Temperature),
			TopK:            cfg.LLM.TopK,
			MaxOutputTokens: cfg.LLM.MaxOutputTokens,
		},
	}, log)

	api := newAPI(engine, st, metrics, providerName, cfg.Server.RequestTimeout, log)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()
	log.Info("listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("provider", providerName),
		zap.Int("documents", idx.Len()),
	)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigc:
		log.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func buildProvider(cfg *config.Config) (llm.Embedder, llm.Generator, string, error) {
	switch strings.ToLower(cfg.LLM.Provider) {
	case "", "openai":
		c := openai.New(cfg.LLM.OpenAI.BaseURL, cfg.LLM.OpenAI.APIKey, cfg.LLM.OpenAI.MinInterval, cfg.LLM.Timeout)
		return c, c, "openai", nil
	case "gemini":
		c := gemini.New(cfg.LLM.Gemini.BaseURL, cfg.LLM.Gemini.APIKey, cfg.LLM.Timeout)
		return c, c, "gemini", nil
	default:
		return nil, nil, "", fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

func openStore(cfg *config.Config, log *zap.Logger) (store.Store, error) {
	if path := cfg.Store.SQLitePath; path != "" {
		st, err := store.NewSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info("using sqlite store", zap.String("path", path))
		return st, nil
	}
	log.Info("using in-memory store")
	return store.New(), nil
}
