// Package client provides an HTTP client for the kilnpilot relay.
package client

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
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HatiCode/kilnpilot/pkg/plant"
	"github.com/HatiCode/kilnpilot/pkg/suggest"
	"github.com/HatiCode/kilnpilot/pkg/summary"
	"github.com/HatiCode/kilnpilot/pkg/workflow"
)

// DefaultTimeout bounds every request except Watch. Suggestion requests
// wait on the generator, so it is generous.
const DefaultTimeout = 60 * time.Second

// ErrNotFound is returned when the relay has nothing to return, e.g. no
// snapshot has been recorded yet.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx reply from the relay.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

// Is makes a 404 APIError match ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// RelayClient talks to the relay's HTTP API.
// It is safe for concurrent use by multiple goroutines.
type RelayClient struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewRelayClient creates a client for the relay at baseURL, e.g.
// "http://localhost:5000".
func NewRelayClient(baseURL string) *RelayClient {
	return NewRelayClientWithTimeout(baseURL, DefaultTimeout)
}

// NewRelayClientWithTimeout creates a client with a custom request timeout.
func NewRelayClientWithTimeout(baseURL string, timeout time.Duration) *RelayClient {
	return &RelayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		dialer: websocket.DefaultDialer,
	}
}

// SubmitReading stores r as a new snapshot.
func (c *RelayClient) SubmitReading(ctx context.Context, r plant.Reading) (plant.Snapshot, error) {
	var snap plant.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/metrics", nil, r, &snap)
	return snap, err
}

// LatestSnapshot returns the most recent snapshot, or ErrNotFound.
func (c *RelayClient) LatestSnapshot(ctx context.Context) (plant.Snapshot, error) {
	var snap plant.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/metrics/latest", nil, nil, &snap)
	return snap, err
}

// ListSnapshots returns at most limit snapshots, newest first.
func (c *RelayClient) ListSnapshots(ctx context.Context, limit int) ([]plant.Snapshot, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var snaps []plant.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/metrics", query, nil, &snaps)
	return snaps, err
}

// Suggest asks the relay for suggestions for r without storing it.
func (c *RelayClient) Suggest(ctx context.Context, r plant.Reading) (suggest.Result, error) {
	var res suggest.Result
	err := c.do(ctx, http.MethodPost, "/api/suggestions", nil, map[string]plant.Reading{"metrics": r}, &res)
	return res, err
}

func (c *RelayClient) Review(ctx context.Context) (workflow.Status, error) {
	var st workflow.Status
	err := c.do(ctx, http.MethodGet, "/api/review", nil, nil, &st)
	return st, err
}

// Approve approves metric in the current review and returns the approval
// the relay wrote.
func (c *RelayClient) Approve(ctx context.Context, metric plant.MetricName) (plant.Approval, error) {
	var a plant.Approval
	err := c.do(ctx, http.MethodPost, "/api/review/"+url.PathEscape(string(metric))+"/approve", nil, nil, &a)
	return a, err
}

// Reject rejects metric in the current review.
func (c *RelayClient) Reject(ctx context.Context, metric plant.MetricName) (workflow.Status, error) {
	var st workflow.Status
	err := c.do(ctx, http.MethodPost, "/api/review/"+url.PathEscape(string(metric))+"/reject", nil, nil, &st)
	return st, err
}

func (c *RelayClient) Approvals(ctx context.Context) (map[plant.MetricName]plant.Approval, error) {
	var out map[plant.MetricName]plant.Approval
	err := c.do(ctx, http.MethodGet, "/api/approvals", nil, nil, &out)
	return out, err
}

func (c *RelayClient) Summary(ctx context.Context) (summary.Summary, error) {
	var s summary.Summary
	err := c.do(ctx, http.MethodGet, "/api/autonomous", nil, nil, &s)
	return s, err
}

// SetImplemented sets or clears the ready-to-implement flag.
func (c *RelayClient) SetImplemented(ctx context.Context, implemented bool) (summary.Summary, error) {
	method := http.MethodPost
	if !implemented {
		method = http.MethodDelete
	}
	var s summary.Summary
	err := c.do(ctx, method, "/api/autonomous/implement", nil, nil, &s)
	return s, err
}

func (c *RelayClient) Dashboard(ctx context.Context) (workflow.View, error) {
	var resp struct {
		View workflow.View `json:"view"`
	}
	err := c.do(ctx, http.MethodGet, "/api/dashboard", nil, nil, &resp)
	return resp.View, err
}

// SetDashboard switches the dashboard to view and returns the active view.
func (c *RelayClient) SetDashboard(ctx context.Context, view workflow.View) (workflow.View, error) {
	req := struct {
		View workflow.View `json:"view"`
	}{View: view}
	var resp struct {
		View workflow.View `json:"view"`
	}
	err := c.do(ctx, http.MethodPut, "/api/dashboard", nil, req, &resp)
	return resp.View, err
}

// Event is one message of the websocket feed. Payload is left raw; its
// shape depends on Type.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Watch streams feed events to fn until ctx is done, the connection drops
// or fn returns an error. A cancelled ctx returns nil.
func (c *RelayClient) Watch(ctx context.Context, fn func(Event) error) error {
	wsURL, err := c.websocketURL()
	if err != nil {
		return err
	}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var e Event
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

func (c *RelayClient) websocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (c *RelayClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e) == nil {
			apiErr.Message = e.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
