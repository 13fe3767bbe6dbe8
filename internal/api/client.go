// Package api is the HTTP client for the CourierLink backend.
//
// It plays two roles:
//
//   - the read side: Orders, Deliveries, DashboardStats, Notifications return
//     raw JSON documents that the cache tiers store as-is;
//   - the write side: Dispatch implements outbox.Dispatcher with a fixed
//     routing table from mutation type to endpoint.
//
// # Error handling
//
// All methods return an *APIError when the backend responds with a non-2xx
// status code. Use errors.As (or the IsNotFound/IsUnauthorized/IsConflict
// helpers) to inspect the HTTP status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/davidpark/courierlink/internal/outbox"
	"github.com/davidpark/courierlink/internal/session"
	"github.com/davidpark/courierlink/internal/types"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the backend responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("courierlink: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the backend.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports whether the error is a 401 — the session token is
// missing, expired, or revoked.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// IsConflict reports whether the error is a 409 from the backend. Replaying a
// mutation whose idempotency key was already consumed lands here.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithDeviceID sets the device identifier sent as the X-Device-Id header,
// letting the backend correlate requests from the same installation.
func WithDeviceID(id string) ClientOption {
	return func(c *Client) { c.deviceID = id }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the CourierLink backend client. It is safe for concurrent use.
type Client struct {
	baseURL  string
	tokens   session.TokenSource
	deviceID string
	http     *http.Client
}

// Compile-time check that Client can drive the outbox.
var _ outbox.Dispatcher = (*Client)(nil)

// New creates a Client for the backend at baseURL. tokens supplies the bearer
// token per request, so a token refresh needs no client rebuild.
func New(baseURL string, tokens session.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		tokens:  tokens,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Dispatch (write side) ────────────────────────────────────────────────────

// Dispatch routes one pending mutation to its backend endpoint. The routing
// table is fixed: payloads are opaque except for the "id" field that
// update-style mutations address their target with.
//
// A type without a route returns outbox.ErrUnknownMutation so the queue
// abandons the mutation instead of retrying it.
func (c *Client) Dispatch(ctx context.Context, m *types.PendingMutation) error {
	switch m.Type {
	case types.MutationCreateOrder:
		return c.doMutation(ctx, m, http.MethodPost, "/api/orders")

	case types.MutationUpdateOrder:
		id, err := payloadID(m.Payload)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		return c.doMutation(ctx, m, http.MethodPut, "/api/orders/"+url.PathEscape(id))

	case types.MutationCreateDelivery:
		return c.doMutation(ctx, m, http.MethodPost, "/api/deliveries")

	case types.MutationUpdateDeliveryStatus:
		id, err := payloadID(m.Payload)
		if err != nil {
			return fmt.Errorf("update delivery status: %w", err)
		}
		return c.doMutation(ctx, m, http.MethodPut, "/api/deliveries/"+url.PathEscape(id)+"/status")

	case types.MutationSendNotification:
		return c.doMutation(ctx, m, http.MethodPost, "/api/notifications")

	default:
		return fmt.Errorf("%w: %s", outbox.ErrUnknownMutation, m.Type)
	}
}

// doMutation sends the mutation payload with its idempotency key attached, so
// a retry of an already-applied mutation is a no-op on the backend.
func (c *Client) doMutation(ctx context.Context, m *types.PendingMutation, method, path string) error {
	headers := map[string]string{"Idempotency-Key": m.IdempotencyKey}
	return c.do(ctx, method, path, headers, m.Payload, nil)
}

// payloadID pulls the target resource ID out of an update payload.
func payloadID(payload json.RawMessage) (string, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("courierlink: decode payload: %w", err)
	}
	if p.ID == "" {
		return "", fmt.Errorf("courierlink: payload has no id field")
	}
	return p.ID, nil
}

// ─── Reads ────────────────────────────────────────────────────────────────────

// Orders fetches the order list matching filter. The document comes back as
// raw JSON so the cache tiers can store it without a decode/encode round trip.
func (c *Client) Orders(ctx context.Context, filter map[string]string) (json.RawMessage, error) {
	return c.getRaw(ctx, "/api/orders", filter)
}

// Deliveries fetches the delivery list matching filter.
func (c *Client) Deliveries(ctx context.Context, filter map[string]string) (json.RawMessage, error) {
	return c.getRaw(ctx, "/api/deliveries", filter)
}

// DashboardStats fetches the aggregate dashboard counters.
func (c *Client) DashboardStats(ctx context.Context) (json.RawMessage, error) {
	return c.getRaw(ctx, "/api/dashboard/stats", nil)
}

// Notifications fetches the notification feed matching filter.
func (c *Client) Notifications(ctx context.Context, filter map[string]string) (json.RawMessage, error) {
	return c.getRaw(ctx, "/api/notifications", filter)
}

func (c *Client) getRaw(ctx context.Context, path string, filter map[string]string) (json.RawMessage, error) {
	if len(filter) > 0 {
		q := url.Values{}
		for k, v := range filter {
			q.Set(k, v)
		}
		path += "?" + q.Encode()
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

// LoginResult is the backend's answer to a successful credential exchange.
type LoginResult struct {
	Token string          `json:"token"`
	User  json.RawMessage `json:"user"`
}

// Login exchanges credentials for a session token. The caller installs the
// token into the session; the client itself stays stateless.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	body := map[string]string{"email": email, "password": password}
	var out LoginResult
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout invalidates the current session token on the backend. A 401 means
// the token was already dead, which is fine for logout.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil, nil)
	if IsUnauthorized(err) {
		return nil
	}
	return err
}

// ─── Cache keys ───────────────────────────────────────────────────────────────

// CacheKey builds the canonical cache key for a read: the resource prefix
// followed by the filter pairs sorted by key. Both cache tiers and the
// invalidation tables rely on this shape, so it lives next to the reads.
func CacheKey(prefix string, filter map[string]string) string {
	if len(filter) == 0 {
		return prefix
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b bytes.Buffer
	b.WriteString(prefix)
	for _, k := range keys {
		b.WriteByte('_')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(filter[k])
	}
	return b.String()
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("courierlink: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("courierlink: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-Id", c.deviceID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("courierlink: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	// Success without body
	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("courierlink: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("courierlink: decode response: %w", err)
		}
	}
	return nil
}
