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
	"strings"
	"time"
)

const (
	defaultBaseURL   = "http://localhost:4100"
	defaultTimeout   = 15 * time.Second
	maxErrorBodySize = 4096
	engineHeader     = "X-Engine-Token"
)

var (
	// ErrUnauthorized indicates the service rejected the engine token or bearer token.
	ErrUnauthorized = errors.New("flowmetrics: unauthorized")
	// ErrInvalidArgument indicates the service rejected the request as malformed.
	ErrInvalidArgument = errors.New("flowmetrics: invalid argument")
	// ErrNotFound indicates the route does not exist on the service.
	ErrNotFound = errors.New("flowmetrics: not found")
	// ErrUnavailable indicates the metrics store could not serve the request.
	ErrUnavailable = errors.New("flowmetrics: unavailable")
)

// Action names a recordable lifecycle event.
type Action string

const (
	ProcessStarted    Action = "started"
	ProcessFinished   Action = "finished"
	ProcessFailed     Action = "error"
	FlowNodeEntered   Action = "entered"
	FlowNodeExited    Action = "exited"
	FlowNodeFailed    Action = "error"
	FlowNodeSuspended Action = "suspended"
	FlowNodeResumed   Action = "resumed"
)

// Read orders accepted by ReadEntries.
const (
	OrderWrite       = "write"
	OrderByTimestamp = "timestamp"
)

// Client records lifecycle events and reads entries from a flowmetrics service.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	engineToken string
	bearer      string
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithEngineToken sets the shared secret sent on recording requests.
func WithEngineToken(token string) Option {
	return func(c *Client) { c.engineToken = strings.TrimSpace(token) }
}

// WithBearerToken sets the JWT sent on read requests.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.bearer = strings.TrimSpace(token) }
}

// New constructs a Client pointing at the provided service base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the service.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("flowmetrics request failed with status %d", e.Status)
	}
	return fmt.Sprintf("flowmetrics request failed (%d): %s", e.Status, e.Message)
}

// Unwrap maps the status to one of the package sentinel errors.
func (e APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return ErrUnauthorized
	case e.Status == http.StatusBadRequest:
		return ErrInvalidArgument
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status >= http.StatusInternalServerError:
		return ErrUnavailable
	default:
		return nil
	}
}

// ErrorInfo describes a failure attached to error events.
type ErrorInfo struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Event is one lifecycle event to record. FlowNodeInstanceID and FlowNodeID are
// set together for flow node events and left empty for process events.
type Event struct {
	CorrelationID      string
	ProcessModelID     string
	FlowNodeInstanceID string
	FlowNodeID         string
	Action             Action
	Timestamp          time.Time
	ProcessToken       json.RawMessage
	Error              *ErrorInfo
}

type recordBody struct {
	Timestamp    string          `json:"timestamp,omitempty"`
	FlowNodeID   string          `json:"flow_node_id,omitempty"`
	ProcessToken json.RawMessage `json:"process_token,omitempty"`
	Error        *ErrorInfo      `json:"error,omitempty"`
}

// Record sends event to the matching recording route. A zero Timestamp lets the
// service stamp the receive time.
func (c *Client) Record(ctx context.Context, event Event) error {
	if strings.TrimSpace(event.CorrelationID) == "" || strings.TrimSpace(event.ProcessModelID) == "" {
		return fmt.Errorf("%w: correlation id and process model id required", ErrInvalidArgument)
	}
	if event.Action == "" {
		return fmt.Errorf("%w: action required", ErrInvalidArgument)
	}
	path := "/v1/correlation/" + url.PathEscape(event.CorrelationID) + "/process_model/" + url.PathEscape(event.ProcessModelID)
	if event.FlowNodeInstanceID != "" {
		path += "/flow_node_instance/" + url.PathEscape(event.FlowNodeInstanceID)
	}
	path += "/" + string(event.Action)

	body := recordBody{
		FlowNodeID:   event.FlowNodeID,
		ProcessToken: event.ProcessToken,
		Error:        event.Error,
	}
	if !event.Timestamp.IsZero() {
		body.Timestamp = event.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	headers := http.Header{}
	if c.engineToken != "" {
		headers.Set(engineHeader, c.engineToken)
	}
	return c.do(ctx, http.MethodPost, path, body, headers, nil)
}

// Entry is one recorded metric entry as served by the read route.
type Entry struct {
	Timestamp          time.Time       `json:"timestamp"`
	CorrelationID      string          `json:"correlation_id"`
	ProcessModelID     string          `json:"process_model_id"`
	FlowNodeInstanceID string          `json:"flow_node_instance_id,omitempty"`
	FlowNodeID         string          `json:"flow_node_id,omitempty"`
	MeasurementPoint   string          `json:"measurement_point"`
	Error              *ErrorInfo      `json:"error,omitempty"`
	TokenSnapshot      json.RawMessage `json:"token_snapshot,omitempty"`
}

// Skipped names a stored record the service could not decode.
type Skipped struct {
	Position string `json:"position"`
	Reason   string `json:"reason"`
}

// Warning is set when a read skipped damaged records.
type Warning struct {
	Message string    `json:"message"`
	Skipped []Skipped `json:"skipped"`
}

// Entries is the result of a read.
type Entries struct {
	ProcessModelID string   `json:"process_model_id"`
	Entries        []Entry  `json:"entries"`
	Warning        *Warning `json:"warning,omitempty"`
}

// ReadEntries fetches every entry of a process model. order is OrderWrite,
// OrderByTimestamp or empty for the service default.
func (c *Client) ReadEntries(ctx context.Context, processModelID, order string) (Entries, error) {
	if strings.TrimSpace(processModelID) == "" {
		return Entries{}, fmt.Errorf("%w: process model id required", ErrInvalidArgument)
	}
	path := "/v1/process_model/" + url.PathEscape(processModelID) + "/entries"
	if order != "" {
		path += "?" + url.Values{"order": []string{order}}.Encode()
	}
	headers := http.Header{}
	if c.bearer != "" {
		headers.Set("Authorization", "Bearer "+c.bearer)
	}
	var out Entries
	if err := c.do(ctx, http.MethodGet, path, nil, headers, &out); err != nil {
		return Entries{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers http.Header, v any) error {
	if c == nil {
		return errors.New("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}
