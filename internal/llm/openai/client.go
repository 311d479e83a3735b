package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"askdoc/internal/llm"
	"askdoc/internal/observability"
)

const providerName = "openai"

// Client talks to an OpenAI-compatible server: api.openai.com, LM Studio,
// vLLM, llama.cpp and friends all speak this dialect.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	minGap  time.Duration

	mu      sync.Mutex
	lastReq time.Time
}

// New builds a client. minGap spaces consecutive requests to respect
// local-server rate limits; zero disables pacing.
func New(baseURL, apiKey string, minGap, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		minGap:  minGap,
	}
}

type chatStream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

func (s *chatStream) Recv() (string, bool, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", true, nil
		}
		return "", true, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false, nil
	}
	if !strings.HasPrefix(line, "data:") {
		return "", false, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "[DONE]" {
		return "", true, nil
	}
	var evt struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return "", false, nil
	}
	if len(evt.Choices) > 0 {
		return evt.Choices[0].Delta.Content, false, nil
	}
	return "", false, nil
}

func (s *chatStream) Close() error { return s.body.Close() }

// GenerateStream implements llm.Generator via POST /chat/completions with
// a single user message carrying the whole prompt.
func (c *Client) GenerateStream(ctx context.Context, model, prompt string, cfg llm.GenerateConfig) (llm.Stream, error) {
	body := map[string]any{
		"model":       model,
		"messages":    []map[string]string{{"role": "user", "content": prompt}},
		"temperature": cfg.Temperature,
		"stream":      true,
	}
	if cfg.MaxOutputTokens > 0 {
		body["max_tokens"] = cfg.MaxOutputTokens
	}
	if cfg.TopK > 1 {
		// top_k is not part of the OpenAI API but llama.cpp-style servers
		// accept it; top_k 1 is greedy, which temperature 0 already requests.
		body["top_k"] = cfg.TopK
	}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("chat http %d: %s", resp.StatusCode, string(data))
	}
	return &chatStream{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
}

// Embeddings implements llm.Embedder via POST /embeddings.
func (c *Client) Embeddings(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	ctx, span := observability.StartProviderSpan(ctx, "embeddings", providerName, model)
	defer span.End()

	reqBody := map[string]any{
		"model": model,
		"input": inputs,
	}
	b, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.do(req)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("embeddings http %d: %s", resp.StatusCode, string(data))
		observability.RecordError(span, err)
		return nil, err
	}
	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	res := make([][]float32, 0, len(out.Data))
	for _, d := range out.Data {
		res = append(res, d.Embedding)
	}
	return res, nil
}

// do performs the HTTP request with optional min-interval pacing and up to
// three attempts on 429/5xx. Retries happen before any stream bytes are
// handed to the caller, never mid-stream; the last response is returned
// unread so callers can report its status and body.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	c.pace()
	backoff := 200 * time.Millisecond
	const attempts = 3
	for attempt := 0; ; attempt++ {
		r := req
		if attempt > 0 {
			r = req.Clone(req.Context())
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				r.Body = body
			}
		}
		resp, err := c.http.Do(r)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != 429 && resp.StatusCode/100 != 5 {
			return resp, nil
		}
		if attempt >= attempts-1 {
			return resp, nil
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		time.Sleep(backoff + time.Duration(attempt)*100*time.Millisecond)
	}
}

func (c *Client) pace() {
	if c.minGap <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if since := time.Since(c.lastReq); since < c.minGap {
		time.Sleep(c.minGap - since)
	}
	c.lastReq = time.Now()
}
