package stepglass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the stepglass server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the stepglass trace API. It satisfies Sender
// for use with a Batcher or Recorder, and exposes the query surface.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("stepglass: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// Send delivers an ordered batch of events to the ingest boundary.
// Implements Sender.
func (c *Client) Send(ctx context.Context, events []Event) error {
	body := map[string]any{"events": events}
	var resp IngestResponse
	return c.post(ctx, "/v1/ingest", body, &resp)
}

// ListRuns retrieves runs with structured filters and pagination.
// Nil opts are replaced with server defaults.
func (c *Client) ListRuns(ctx context.Context, opts *ListRunsOptions) (*ListRunsResponse, error) {
	params := url.Values{}
	if opts != nil {
		setStr(params, "pipeline", opts.Pipeline)
		setStr(params, "status", opts.Status)
		setStr(params, "start_time", opts.StartTime)
		setStr(params, "end_time", opts.EndTime)
		setInt(params, "min_steps", opts.MinSteps)
		setInt(params, "max_steps", opts.MaxSteps)
		setInt(params, "limit", opts.Limit)
		setInt(params, "offset", opts.Offset)
	}

	var resp ListRunsResponse
	if err := c.get(ctx, withQuery("/v1/runs", params), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun retrieves a run with its full step list. Unknown run IDs yield an
// *Error satisfying IsNotFound, never an empty run.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var resp Run
	if err := c.get(ctx, "/v1/runs/"+url.PathEscape(runID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListSteps retrieves steps across runs with structured filters.
func (c *Client) ListSteps(ctx context.Context, opts *ListStepsOptions) (*ListStepsResponse, error) {
	params := url.Values{}
	if opts != nil {
		setStr(params, "run_id", opts.RunID)
		setStr(params, "name", opts.Name)
		setStr(params, "type", opts.Type)
		setStr(params, "pipeline", opts.Pipeline)
		setInt(params, "limit", opts.Limit)
		setInt(params, "offset", opts.Offset)
	}

	var resp ListStepsResponse
	if err := c.get(ctx, withQuery("/v1/steps", params), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FilterEliminations runs the cross-pipeline elimination query: filter steps
// whose elimination rate met the threshold, computed identically for raw and
// summarized candidate sequences.
func (c *Client) FilterEliminations(ctx context.Context, opts *EliminationOptions) (*EliminationResponse, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Threshold > 0 {
			params.Set("threshold", strconv.FormatFloat(opts.Threshold, 'f', -1, 64))
		}
		setStr(params, "pipeline", opts.Pipeline)
	}

	var resp EliminationResponse
	if err := c.get(ctx, withQuery("/v1/queries/filter-eliminations", params), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListPipelines returns the names of all pipelines with recorded runs.
func (c *Client) ListPipelines(ctx context.Context) ([]string, error) {
	var resp struct {
		Pipelines []string `json:"pipelines"`
	}
	if err := c.get(ctx, "/v1/pipelines", &resp); err != nil {
		return nil, err
	}
	return resp.Pipelines, nil
}

// PipelineStats returns aggregate statistics for one pipeline. Stats is nil
// when the pipeline has no recorded runs.
func (c *Client) PipelineStats(ctx context.Context, pipeline string) (*PipelineStatsResponse, error) {
	var resp PipelineStatsResponse
	if err := c.get(ctx, "/v1/pipelines/"+url.PathEscape(pipeline)+"/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func setStr(params url.Values, key, val string) {
	if val != "" {
		params.Set(key, val)
	}
}

func setInt(params url.Values, key string, val int) {
	if val > 0 {
		params.Set(key, strconv.Itoa(val))
	}
}

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("stepglass: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("stepglass: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("stepglass: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("stepglass: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("stepglass: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("stepglass: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
