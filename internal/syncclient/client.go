// Package syncclient talks to the session coordinator over HTTP and keeps a local view of
// one session converged with the server by polling.
package syncclient

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

	"github.com/charlesng35/cosession/internal/collab"
)

const defaultRequestTimeout = 10 * time.Second

// ErrRateLimited is returned when the server rejects a request with 429.
var ErrRateLimited = errors.New("rate limited")

// APIError carries the error envelope returned by the server. It unwraps to the matching
// collab sentinel so callers can use errors.Is across the wire.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound && strings.Contains(strings.ToLower(e.Message), "user"):
		return collab.ErrParticipantNotFound
	case e.StatusCode == http.StatusNotFound:
		return collab.ErrSessionNotFound
	case e.StatusCode == http.StatusForbidden:
		return collab.ErrForbidden
	case e.StatusCode == http.StatusBadRequest:
		return collab.ErrInvalidRequest
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return nil
	}
}

// Meta mirrors the synchronisation hints sent with session payloads.
type Meta struct {
	Total          int    `json:"total"`
	Revision       uint64 `json:"revision"`
	PollIntervalMS int64  `json:"poll_interval_ms"`
}

// PollInterval converts the advertised interval, or returns zero when absent.
func (m Meta) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalMS) * time.Millisecond
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta *Meta `json:"meta"`
}

// Joined is the result of creating or joining a session.
type Joined struct {
	Session       collab.Session `json:"session"`
	CurrentUserID string         `json:"currentUserId"`
}

// Removal is the result of removing a participant. Session is nil once the session is gone.
type Removal struct {
	Session   *collab.Session
	SessionID string
	Deleted   bool
}

// ShareLocator is the join link for a session.
type ShareLocator struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// HealthReport is the subset of the health payload the client inspects.
type HealthReport struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

// Client is an HTTP client for the session API.
type Client struct {
	base *url.URL
	http *http.Client
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewClient constructs a client for the server at baseURL, e.g. http://localhost:3003.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("syncclient: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("syncclient: unsupported scheme %q", parsed.Scheme)
	}
	client := &Client{
		base: parsed,
		http: &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Create starts a new session.
func (c *Client) Create(ctx context.Context) (Joined, Meta, error) {
	var out Joined
	meta, err := c.do(ctx, http.MethodPost, "/api/sessions", nil, &out)
	return out, meta, err
}

// Get fetches the current record.
func (c *Client) Get(ctx context.Context, sessionID string) (collab.Session, Meta, error) {
	var out collab.Session
	meta, err := c.do(ctx, http.MethodGet, sessionPath(sessionID), nil, &out)
	return out, meta, err
}

// Join joins a session. An unknown identifier yields a brand new session.
func (c *Client) Join(ctx context.Context, sessionID string) (Joined, Meta, error) {
	if strings.TrimSpace(sessionID) == "" {
		return c.Create(ctx)
	}
	var out Joined
	meta, err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "join"), nil, &out)
	return out, meta, err
}

// UpdateParticipant applies a partial nickname/online update.
func (c *Client) UpdateParticipant(ctx context.Context, sessionID, userID string, update collab.ParticipantUpdate) (collab.Session, error) {
	var out collab.Session
	_, err := c.do(ctx, http.MethodPut, sessionPath(sessionID, "users", userID), update, &out)
	return out, err
}

// UpdatePermissions sends a grant_edit, revoke_edit or transfer_admin request.
func (c *Client) UpdatePermissions(ctx context.Context, sessionID string, action collab.Action, userID, adminUserID string) (collab.Session, error) {
	body := map[string]string{
		"action":      string(action),
		"userId":      userID,
		"adminUserId": adminUserID,
	}
	var out collab.Session
	_, err := c.do(ctx, http.MethodPut, sessionPath(sessionID, "permissions"), body, &out)
	return out, err
}

// Remove removes a participant. The returned Removal reports when this deleted the session.
func (c *Client) Remove(ctx context.Context, sessionID, userID string) (Removal, error) {
	var raw json.RawMessage
	if _, err := c.do(ctx, http.MethodDelete, sessionPath(sessionID, "users", userID), nil, &raw); err != nil {
		return Removal{}, err
	}

	var ack struct {
		SessionID string `json:"sessionId"`
		Deleted   bool   `json:"deleted"`
	}
	if err := json.Unmarshal(raw, &ack); err == nil && ack.Deleted {
		return Removal{SessionID: ack.SessionID, Deleted: true}, nil
	}

	var session collab.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return Removal{}, fmt.Errorf("syncclient: decode removal: %w", err)
	}
	return Removal{Session: &session, SessionID: session.SessionID}, nil
}

// List returns the diagnostic listing of live sessions.
func (c *Client) List(ctx context.Context) ([]collab.Summary, error) {
	var out []collab.Summary
	_, err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out)
	return out, err
}

// Share returns the join link for a session.
func (c *Client) Share(ctx context.Context, sessionID string) (ShareLocator, error) {
	var out ShareLocator
	_, err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "share"), nil, &out)
	return out, err
}

// Health reports the server's combined health status.
func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/health", nil)
	if err != nil {
		return HealthReport{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return HealthReport{}, fmt.Errorf("syncclient: health: %w", err)
	}
	defer resp.Body.Close()

	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return HealthReport{}, fmt.Errorf("syncclient: decode health: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return report, &APIError{StatusCode: resp.StatusCode, Code: "UNHEALTHY", Message: report.Status}
	}
	return report, nil
}

// StreamURL returns the websocket address of the session's push stream.
func (c *Client) StreamURL(sessionID, userID string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + sessionPath(sessionID, "stream")
	if userID != "" {
		u.RawQuery = url.Values{"userId": []string{userID}}.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) (Meta, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return Meta{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Meta{}, fmt.Errorf("syncclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Meta{}, fmt.Errorf("syncclient: read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Meta{}, &APIError{StatusCode: resp.StatusCode, Code: "INVALID_RESPONSE", Message: strings.TrimSpace(string(raw))}
	}
	if !env.Success || resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "UNKNOWN", Message: http.StatusText(resp.StatusCode)}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return Meta{}, apiErr
	}

	var meta Meta
	if env.Meta != nil {
		meta = *env.Meta
	}
	if dest != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, dest); err != nil {
			return meta, fmt.Errorf("syncclient: decode %s %s: %w", method, path, err)
		}
	}
	return meta, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("syncclient: encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func sessionPath(sessionID string, parts ...string) string {
	segments := []string{"/api/sessions", url.PathEscape(strings.TrimSpace(sessionID))}
	for _, part := range parts {
		segments = append(segments, url.PathEscape(part))
	}
	return strings.Join(segments, "/")
}
