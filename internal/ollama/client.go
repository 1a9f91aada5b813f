// Package ollama is a minimal Ollama API client and the analyst that asks a
// local model to explain price anomalies.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Client is a minimal Ollama API client.
//
// Only /api/tags, /api/pull and /api/generate are used.
type Client struct {
	BaseURL *url.URL
	HTTP    *http.Client
}

// NewClient constructs an Ollama client. Requests are bounded by their
// context only; a model pull can take minutes.
func NewClient(base string) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ollama url %q must be absolute", base)
	}
	return &Client{BaseURL: u, HTTP: &http.Client{}}, nil
}

// Model is one entry of GET /api/tags.
type Model struct {
	Name       string `json:"name"`
	Model      string `json:"model,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Digest     string `json:"digest,omitempty"`
}

// TagsResponse is the response from GET /api/tags.
type TagsResponse struct {
	Models []Model `json:"models"`
}

// GenerateRequest is the body of POST /api/generate. Stream is always sent
// as false.
type GenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// GenerateResponse is the non-streaming response from POST /api/generate.
//
// Durations are nanoseconds as Ollama reports them.
type GenerateResponse struct {
	Model           string `json:"model"`
	CreatedAt       string `json:"created_at"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	TotalDuration   int64  `json:"total_duration"`
	LoadDuration    int64  `json:"load_duration"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	EvalDuration    int64  `json:"eval_duration"`
}

// PullResponse is the final status of a non-streaming POST /api/pull.
type PullResponse struct {
	Status string `json:"status"`
}

// Tags lists the models available locally.
func (c *Client) Tags(ctx context.Context) (TagsResponse, error) {
	var out TagsResponse
	err := c.do(ctx, http.MethodGet, "/api/tags", nil, &out)
	return out, err
}

// Generate runs a single non-streaming completion.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	req.Stream = false
	var out GenerateResponse
	err := c.do(ctx, http.MethodPost, "/api/generate", req, &out)
	return out, err
}

// Pull downloads a model and blocks until Ollama reports completion.
func (c *Client) Pull(ctx context.Context, name string) (PullResponse, error) {
	var out PullResponse
	err := c.do(ctx, http.MethodPost, "/api/pull", map[string]any{"name": name, "stream": false}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	u := c.BaseURL.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		buf, _ := ioReadAllLimit(resp.Body, 1024*1024)
		return &StatusError{Path: path, Code: resp.StatusCode, Body: string(buf)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// StatusError is a non-2xx answer from Ollama.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Path, e.Code, e.Body)
}

func ioReadAllLimit(r io.Reader, max int64) ([]byte, error) {
	buf := &bytes.Buffer{}
	if max <= 0 {
		return io.ReadAll(r)
	}
	_, err := io.CopyN(buf, r, max+1)
	if err != nil && err != io.EOF {
		return nil, err
	}
	b := buf.Bytes()
	if int64(len(b)) > max {
		return b[:max], nil
	}
	return b, nil
}
