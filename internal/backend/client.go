// Package backend is a minimal client for the anomaly-detection service.
//
// The service is a black box; this package only knows its HTTP surface and
// converts transport problems into typed failures. It never retries.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"anomaly-lens/internal/detect"
	"anomaly-lens/internal/util"
)

// DetectEndpoint selects which route family serves llm and baseline results.
type DetectEndpoint string

const (
	EndpointInfer           DetectEndpoint = "infer"            // POST /infer, POST /infer/llm
	EndpointDetectAnomalies DetectEndpoint = "detect-anomalies" // GET /detect-anomalies?use_llm=
)

// Options configures a Client.
type Options struct {
	BaseURL      string
	Timeout      time.Duration // zero means no client-side timeout
	MaxBodyBytes int64
	Endpoint     DetectEndpoint
}

// Client talks to the detection backend.
type Client struct {
	BaseURL  *url.URL
	HTTP     *http.Client
	maxBody  int64
	endpoint DetectEndpoint
}

// NewClient constructs a backend client.
func NewClient(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", opts.BaseURL)
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = EndpointInfer
	}
	return &Client{
		BaseURL:  u,
		HTTP:     &http.Client{Timeout: opts.Timeout},
		maxBody:  opts.MaxBodyBytes,
		endpoint: endpoint,
	}, nil
}

// Health is the response from GET /health.
type Health struct {
	LLMAvailable bool `json:"llm_available"`
}

// Health fetches the backend health document. A body without a boolean
// llm_available field is a MalformedResponse.
func (c *Client) Health(ctx context.Context) (Health, error) {
	body, err := c.get(ctx, "health", "/health", nil)
	if err != nil {
		return Health{}, err
	}
	m, err := util.DecodeJSONMap(body)
	if err != nil {
		return Health{}, c.malformed("health", body, err)
	}
	v, ok := util.ToBool(m["llm_available"])
	if !ok {
		return Health{}, c.malformed("health", body, fmt.Errorf("llm_available is %s", util.KindOf(m["llm_available"])))
	}
	return Health{LLMAvailable: v}, nil
}

// LLMAvailable implements capability.HealthChecker.
func (c *Client) LLMAvailable(ctx context.Context) (bool, error) {
	h, err := c.Health(ctx)
	if err != nil {
		return false, err
	}
	return h.LLMAvailable, nil
}

// Detect requests detection results for mode and returns the raw body for
// the normalizer.
func (c *Client) Detect(ctx context.Context, mode detect.Mode) ([]byte, error) {
	switch {
	case mode == detect.ModeLegacy:
		return c.post(ctx, "detect", "/infer/legacy")
	case c.endpoint == EndpointDetectAnomalies:
		q := url.Values{"use_llm": {strconv.FormatBool(mode.UseLLM())}}
		return c.get(ctx, "detect", "/detect-anomalies", q)
	case mode == detect.ModeLLM:
		return c.post(ctx, "detect", "/infer/llm")
	default:
		return c.post(ctx, "detect", "/infer")
	}
}

// Metrics fetches the summary metrics for a mode.
func (c *Client) Metrics(ctx context.Context, useLLM bool) (detect.Metrics, error) {
	q := url.Values{"use_llm": {strconv.FormatBool(useLLM)}}
	body, err := c.get(ctx, "metrics", "/metrics", q)
	if err != nil {
		return detect.Metrics{}, err
	}
	m, err := detect.DecodeMetrics(body)
	if err != nil {
		return detect.Metrics{}, c.malformed("metrics", body, err)
	}
	return m, nil
}

// Explanation fetches the explanation for one anomaly, keyed by id or
// timestamp.
func (c *Client) Explanation(ctx context.Context, key string) (detect.Explanation, error) {
	body, err := c.get(ctx, "explanation", "/explanations/"+url.PathEscape(key), nil)
	if err != nil {
		return detect.Explanation{}, err
	}
	var out detect.Explanation
	if err := json.Unmarshal(body, &out); err != nil {
		return detect.Explanation{}, c.malformed("explanation", body, err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, op, path string, q url.Values) ([]byte, error) {
	return c.do(ctx, op, http.MethodGet, path, q)
}

func (c *Client) post(ctx context.Context, op, path string) ([]byte, error) {
	return c.do(ctx, op, http.MethodPost, path, nil)
}

// do issues one request. path is already escaped.
func (c *Client) do(ctx context.Context, op, method, path string, q url.Values) ([]byte, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, detect.NewError(detect.KindNetwork, op, err)
	}
	u := c.BaseURL.ResolveReference(ref)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if method == http.MethodPost {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, detect.NewError(detect.KindNetwork, op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, detect.NewError(detect.KindNetwork, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		buf, _ := ioReadAllLimit(resp.Body, 4096)
		return nil, &detect.Error{
			Kind:    detect.KindNetwork,
			Op:      op,
			Status:  resp.StatusCode,
			Preview: util.Preview(buf, detect.MaxPreviewBytes),
		}
	}

	buf, err := ioReadAllLimit(resp.Body, c.maxBody)
	if err != nil {
		return nil, detect.NewError(detect.KindNetwork, op, fmt.Errorf("read body: %w", err))
	}
	return buf, nil
}

func (c *Client) malformed(op string, body []byte, err error) error {
	return &detect.Error{
		Kind:    detect.KindMalformed,
		Op:      op,
		Preview: util.Preview(body, detect.MaxPreviewBytes),
		Err:     err,
	}
}

// ioReadAllLimit reads at most max bytes and reports an error if the body is
// larger. max <= 0 reads everything.
func ioReadAllLimit(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	buf := &bytes.Buffer{}
	_, err := io.CopyN(buf, r, max+1)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if int64(buf.Len()) > max {
		return nil, fmt.Errorf("response body exceeds %d bytes", max)
	}
	return buf.Bytes(), nil
}
