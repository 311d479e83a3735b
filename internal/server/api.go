package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"askdoc/internal/models"
	"askdoc/internal/rag"
	"askdoc/internal/store"
	"askdoc/internal/version"
)

// API exposes the answer pipeline over HTTP.
type API struct {
	engine         *rag.Engine
	store          store.Store
	metrics        *metricsCollector
	provider       string
	requestTimeout time.Duration
	log            *zap.Logger
}

// newAPI wires the handler set. metrics may be shared with the embedding
// cache so hit counters and request counters land on one collector.
func newAPI(engine *rag.Engine, st store.Store, metrics *metricsCollector, provider string, requestTimeout time.Duration, log *zap.Logger) *API {
	if metrics == nil {
		metrics = newMetrics()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		engine:         engine,
		store:          st,
		metrics:        metrics,
		provider:       provider,
		requestTimeout: requestTimeout,
		log:            log,
	}
}

func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(a.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", a.handleMetrics)
	r.Get("/version", a.handleVersion)

	r.Route("/v1", func(r chi.Router) {
		if a.requestTimeout > 0 {
			r.Use(chimw.Timeout(a.requestTimeout))
		}
		r.Post("/ask", a.handleAsk)
		r.Get("/documents", a.handleDocuments)
		r.Get("/history", a.handleHistory)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "endpoint not found")
	})
	return r
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		took := time.Since(start)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}
		a.metrics.addRequest(r.Method, path, ww.Status(), took.Seconds())
		a.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", took),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

type askRequest struct {
	Question string `json:"question"`
	Stream   bool   `json:"stream"`
}

type askResponse struct {
	ID         string              `json:"id"`
	Answer     string              `json:"answer"`
	Document   models.DocumentInfo `json:"document"`
	Score      float64             `json:"score"`
	Model      string              `json:"model"`
	DurationMS int64               `json:"durationMs"`
}

type sourceEvent struct {
	Document models.DocumentInfo `json:"document"`
	Score    float64             `json:"score"`
}

type tokenEvent struct {
	Delta string `json:"delta"`
}

func (a *API) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "malformed request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "question required")
		return
	}
	if req.Stream {
		a.streamAsk(w, r, req.Question)
		return
	}

	ans, err := a.engine.Answer(r.Context(), req.Question)
	if err != nil {
		kind, status, code := classifyAskError(err)
		a.metrics.addAskError(kind)
		a.log.Warn("ask failed", zap.String("kind", kind), zap.Error(err))
		writeError(w, status, code, err.Error())
		return
	}
	a.metrics.addAsk(0)
	a.recordAsk(ans)
	writeJSON(w, http.StatusOK, askResponseFrom(ans))
}

// streamAsk relays the pipeline over SSE: one source event once the
// document is matched, a token event per fragment, then done with the
// aggregate. A mid-stream failure becomes a terminal error event and the
// client must discard every token received before it.
func (a *API) streamAsk(w http.ResponseWriter, r *http.Request, question string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fl, _ := w.(http.Flusher)
	send := func(event string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		if fl != nil {
			fl.Flush()
		}
	}

	fragments := 0
	ans, err := a.engine.AnswerStream(r.Context(), question, rag.StreamObserver{
		OnMatch: func(doc rag.Document, score float64) {
			send("source", sourceEvent{Document: docInfo(doc), Score: score})
		},
		OnFragment: func(delta string) {
			fragments++
			send("token", tokenEvent{Delta: delta})
		},
	})
	if err != nil {
		kind, status, code := classifyAskError(err)
		a.metrics.addAskError(kind)
		a.log.Warn("ask failed", zap.String("kind", kind), zap.Error(err))
		send("error", apiError{Error: code, Message: err.Error(), Code: status})
		return
	}
	a.metrics.addAsk(fragments)
	a.recordAsk(ans)
	send("done", askResponseFrom(ans))
}

func (a *API) handleDocuments(w http.ResponseWriter, r *http.Request) {
	docs := a.engine.Index().Documents()
	out := make([]models.DocumentInfo, len(docs))
	for i, d := range docs {
		out[i] = docInfo(d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	asks, err := a.store.ListAsks(limit)
	if err != nil {
		a.log.Error("listing history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "history unavailable")
		return
	}
	if asks == nil {
		asks = []*models.Ask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"asks": asks})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	// default to Prometheus text exposition, JSON on request
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "json" || strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, a.store.Stats())
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	a.metrics.writeProm(w, a.engine.Index().Len(), a.store.Stats())
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": version.Version,
		"commit":  version.Commit,
	})
}

// recordAsk persists a completed answer; persistence failures are logged
// and never fail the request that produced the answer.
func (a *API) recordAsk(ans *rag.Answer) {
	row := &models.Ask{
		ID:         ans.ID,
		Question:   ans.Query,
		Answer:     ans.Text,
		DocTitle:   ans.Document.Title,
		DocAuthor:  ans.Document.Author,
		DocYear:    ans.Document.Year,
		Score:      ans.Score,
		Provider:   a.provider,
		Model:      ans.Model,
		DurationMS: ans.Duration.Milliseconds(),
		CreatedAt:  time.Now(),
	}
	if err := a.store.SaveAsk(row); err != nil {
		a.log.Warn("saving ask failed", zap.String("ask_id", ans.ID), zap.Error(err))
	}
}

func askResponseFrom(ans *rag.Answer) askResponse {
	return askResponse{
		ID:         ans.ID,
		Answer:     ans.Text,
		Document:   docInfo(ans.Document),
		Score:      ans.Score,
		Model:      ans.Model,
		DurationMS: ans.Duration.Milliseconds(),
	}
}

func docInfo(d rag.Document) models.DocumentInfo {
	return models.DocumentInfo{Title: d.Title, Author: d.Author, Year: d.Year}
}

// classifyAskError maps pipeline failures onto HTTP statuses: bad input
// is the client's fault, an empty index means the service is not ready,
// no match is a lookup miss, and provider failures are upstream errors.
func classifyAskError(err error) (kind string, status int, code string) {
	switch {
	case errors.Is(err, rag.ErrEmptyIndex):
		return "empty_index", http.StatusServiceUnavailable, "empty_index"
	case errors.Is(err, rag.ErrNoSimilarMatch):
		return "no_match", http.StatusNotFound, "no_similar_match"
	case errors.Is(err, rag.ErrDimensionMismatch):
		return "dimension", http.StatusBadGateway, "dimension_mismatch"
	case errors.Is(err, rag.ErrEmbeddingFailed):
		return "embedding", http.StatusBadGateway, "embedding_failed"
	case errors.Is(err, rag.ErrGenerationFailed):
		return "generation", http.StatusBadGateway, "generation_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled", http.StatusGatewayTimeout, "request_canceled"
	default:
		return "internal", http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func writeError(w http.ResponseWriter, status int, errStr, message string) {
	writeJSON(w, status, apiError{Error: errStr, Message: message, Code: status})
}
