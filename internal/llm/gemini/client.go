package gemini

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
	"time"

	"askdoc/internal/llm"
	"askdoc/internal/observability"
)

const providerName = "gemini"

// Client talks to the Google Generative Language REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Embeddings implements llm.Embedder via models/{model}:batchEmbedContents.
func (c *Client) Embeddings(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	ctx, span := observability.StartProviderSpan(ctx, "embeddings", providerName, model)
	defer span.End()

	reqs := make([]map[string]any, 0, len(inputs))
	for _, in := range inputs {
		reqs = append(reqs, map[string]any{
			"model": "models/" + model,
			"content": map[string]any{
				"parts": []map[string]string{{"text": in}},
			},
		})
	}
	b, _ := json.Marshal(map[string]any{"requests": reqs})
	url := fmt.Sprintf("%s/models/%s:batchEmbedContents", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	resp, err := c.do(req)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("embed http %d: %s", resp.StatusCode, string(data))
		observability.RecordError(span, err)
		return nil, err
	}
	var out struct {
		Embeddings []struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	res := make([][]float32, 0, len(out.Embeddings))
	for _, e := range out.Embeddings {
		res = append(res, e.Values)
	}
	return res, nil
}

// GenerateStream implements llm.Generator via
// models/{model}:streamGenerateContent?alt=sse. The decoding parameters
// map one-to-one onto generationConfig.
func (c *Client) GenerateStream(ctx context.Context, model, prompt string, cfg llm.GenerateConfig) (llm.Stream, error) {
	genCfg := map[string]any{
		"temperature": cfg.Temperature,
	}
	if cfg.TopK > 0 {
		genCfg["topK"] = cfg.TopK
	}
	if cfg.MaxOutputTokens > 0 {
		genCfg["maxOutputTokens"] = cfg.MaxOutputTokens
	}
	body := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": prompt}}},
		},
		"generationConfig": genCfg,
	}
	b, _ := json.Marshal(body)
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("generate http %d: %s", resp.StatusCode, string(data))
	}
	return &sseStream{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}
}

// sseStream reads "data:" events until EOF. Gemini has no [DONE] sentinel;
// the stream simply ends after the final candidate chunk.
type sseStream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

func (s *sseStream) Recv() (string, bool, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", true, nil
		}
		return "", true, err
	}
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "data:") {
		return "", false, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	var evt struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return "", false, nil
	}
	if evt.Error != nil {
		return "", true, fmt.Errorf("stream error %d: %s", evt.Error.Code, evt.Error.Message)
	}
	if len(evt.Candidates) == 0 {
		return "", false, nil
	}
	var sb strings.Builder
	for _, p := range evt.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), false, nil
}

func (s *sseStream) Close() error { return s.body.Close() }

// do retries 429/5xx up to three times with backoff, rewinding the body
// between attempts.
func (c *Client) do(req *http.Request) (*http.Response, error) {
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
