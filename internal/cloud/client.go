package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/engramdb/engram/internal/engine"
	"github.com/engramdb/engram/pkg/types"
)

// ErrRemote wraps failures reported by the remote service.
var ErrRemote = errors.New("remote service error")

// ClientConfig holds configuration for the remote memory client.
type ClientConfig struct {
	// BaseURL is the service base URL, e.g. https://engram.example.com.
	BaseURL string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// Timeout is the per-request timeout (default: 30s).
	Timeout time.Duration

	// HTTPClient overrides the underlying client; Timeout is ignored then.
	HTTPClient *http.Client
}

// Client implements the Manager contract against a remote HTTP service.
// Calls pass through a circuit breaker so a dead backend fails fast instead
// of stalling every memory operation.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
}

// NewClient creates a remote memory client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cloud: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("cloud: invalid base URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "cloud-memory",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  client,
		cb:      cb,
	}, nil
}

type rememberRequest struct {
	Content    string           `json:"content"`
	Type       types.MemoryType `json:"type"`
	Importance float64          `json:"importance,omitempty"`
	Source     string           `json:"source,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	Metadata   types.Metadata   `json:"metadata,omitempty"`
}

type recallRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type recallResponse struct {
	Memories []*types.MemoryRecord `json:"memories"`
}

type forgetResponse struct {
	Deleted bool `json:"deleted"`
}

type reinforceRequest struct {
	Boost float64 `json:"boost"`
}

type contextTurnRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contextResponse struct {
	Context string `json:"context"`
}

type importResponse struct {
	Imported int `json:"imported"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Remember stores a memory on the remote service.
func (c *Client) Remember(ctx context.Context, content string, mtype types.MemoryType, opts engine.RememberOptions) (*types.MemoryRecord, error) {
	req := rememberRequest{
		Content:    content,
		Type:       mtype,
		Importance: opts.Importance,
		Source:     opts.Source,
		Tags:       opts.Tags,
		SessionID:  opts.SessionID,
		Metadata:   opts.Metadata,
	}
	var rec types.MemoryRecord
	if err := c.do(ctx, http.MethodPost, "/v1/memories", req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Recall queries the remote service for relevant memories.
func (c *Client) Recall(ctx context.Context, query string, limit int) ([]*types.MemoryRecord, error) {
	var resp recallResponse
	if err := c.do(ctx, http.MethodPost, "/v1/memories/recall", recallRequest{Query: query, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	if resp.Memories == nil {
		resp.Memories = []*types.MemoryRecord{}
	}
	return resp.Memories, nil
}

// Forget deletes a memory, reporting whether the remote had it.
func (c *Client) Forget(ctx context.Context, id string) (bool, error) {
	var resp forgetResponse
	err := c.do(ctx, http.MethodDelete, "/v1/memories/"+url.PathEscape(id), nil, &resp)
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Deleted, nil
}

// Reinforce boosts a memory's importance. Unknown ids return (nil, nil); the
// remote signals that with 404.
func (c *Client) Reinforce(ctx context.Context, id string, boost float64) (*types.MemoryRecord, error) {
	var rec types.MemoryRecord
	err := c.do(ctx, http.MethodPost, "/v1/memories/"+url.PathEscape(id)+"/reinforce", reinforceRequest{Boost: boost}, &rec)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// AddToContext appends a turn to the remote context buffer.
func (c *Client) AddToContext(ctx context.Context, role, content string) error {
	return c.do(ctx, http.MethodPost, "/v1/context", contextTurnRequest{Role: role, Content: content}, nil)
}

// GetContext renders the remote context buffer within a token budget.
func (c *Client) GetContext(ctx context.Context, maxTokens int) (string, error) {
	var resp contextResponse
	path := "/v1/context?max_tokens=" + strconv.Itoa(maxTokens)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Context, nil
}

// ClearContext empties the remote context buffer.
func (c *Client) ClearContext(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/context", nil, nil)
}

// Consolidate runs a consolidation pass on the remote service.
func (c *Client) Consolidate(ctx context.Context) (engine.ConsolidateReport, error) {
	var report engine.ConsolidateReport
	err := c.do(ctx, http.MethodPost, "/v1/consolidate", nil, &report)
	return report, err
}

// GetStats fetches the remote store and buffer summary.
func (c *Client) GetStats(ctx context.Context) (engine.ManagerStats, error) {
	var stats engine.ManagerStats
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &stats)
	return stats, err
}

// Export downloads the full record snapshot as JSON.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	return c.doRaw(ctx, http.MethodGet, "/v1/export", nil)
}

// Import uploads an exported snapshot, returning the count imported.
func (c *Client) Import(ctx context.Context, data []byte) (int, error) {
	var resp importResponse
	if err := c.doBody(ctx, http.MethodPost, "/v1/import", data, &resp); err != nil {
		return 0, err
	}
	return resp.Imported, nil
}

var errNotFound = errors.New("not found")

// do marshals in, issues the request, and unmarshals the response into out.
// A nil in sends no body; a nil out discards the response body.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("cloud: marshal request: %w", err)
		}
	}
	return c.doBody(ctx, method, path, body, out)
}

func (c *Client) doBody(ctx context.Context, method, path string, body []byte, out interface{}) error {
	payload, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("cloud: decode response: %w", err)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, method, path, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("cloud: %w: circuit open", ErrRemote)
		}
		return nil, err
	}
	return result.([]byte), nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("cloud: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloud: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("cloud: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errNotFound
	case resp.StatusCode >= 400:
		var parsed errorResponse
		if json.Unmarshal(payload, &parsed) == nil && parsed.Error != "" {
			return nil, fmt.Errorf("cloud: %w: %s (status %d)", ErrRemote, parsed.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("cloud: %w: status %d", ErrRemote, resp.StatusCode)
	}
	return payload, nil
}
