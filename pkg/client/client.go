// Package client is a Go client for the vsmbus HTTP API.
//
//	c := client.New("http://localhost:8080", client.WithAPIKey(key))
//
//	// Commands travel down the command hierarchy.
//	res, err := c.Send(ctx, client.Message{
//	    From: "System5", To: "System1", Channel: client.ChannelCommand, Type: "execute",
//	})
//
//	// Pain bypasses the hierarchy and must be acknowledged.
//	sig, err := c.Emit(ctx, client.SignalRequest{
//	    Severity: "critical", Source: "System1.billing", Description: "payment processor down",
//	})
//	_, err = c.Acknowledge(ctx, sig.SignalID, client.AckRequest{
//	    Type: "investigating", Acknowledger: "OperationsTeam",
//	})
//
// Non-2xx responses come back as *APIError. Use IsNotFound, IsConflict and
// IsRateLimited for the common cases; a 429 carries the server's RetryAfter.
// A Client may be shared between goroutines.
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
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	// Kind classifies validation and routing failures, e.g.
	// "missing_field" or "no_destination".
	Kind       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("vsmbus: %d %s: %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("vsmbus: %d: %s", e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// IsNotFound reports a 404.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsConflict reports a 409, e.g. registering an endpoint twice.
func IsConflict(err error) bool { return statusIs(err, http.StatusConflict) }

// IsRateLimited reports a 429.
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// Option customises a Client.
type Option func(*Client)

// WithAPIKey sends key as X-Api-Key on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient sets the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds each request. The default is 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client talks to one vsmbus server.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

// New returns a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

// ─── Messages ─────────────────────────────────────────────────────────────────

// Send validates, rate-checks, routes and delivers msg. Destinations that
// could not be reached are listed in SendResult.Failed; that is not an error.
func (c *Client) Send(ctx context.Context, msg Message) (*SendResult, error) {
	var res SendResult
	if err := c.do(ctx, http.MethodPost, "/messages", msg, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Route computes where msg would go without delivering it.
func (c *Client) Route(ctx context.Context, msg Message) ([]Destination, error) {
	var resp struct {
		Destinations []Destination `json:"destinations"`
	}
	if err := c.do(ctx, http.MethodPost, "/messages/route", msg, &resp); err != nil {
		return nil, err
	}
	return resp.Destinations, nil
}

// ─── Signals ──────────────────────────────────────────────────────────────────

// Emit raises an algedonic signal.
func (c *Client) Emit(ctx context.Context, req SignalRequest) (*EmitResult, error) {
	var res EmitResult
	if err := c.do(ctx, http.MethodPost, "/signals", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Signals lists live signals. state filters by lifecycle state; empty lists
// all.
func (c *Client) Signals(ctx context.Context, state string) ([]Signal, error) {
	path := "/signals"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	var resp struct {
		Signals []Signal `json:"signals"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Signals, nil
}

// Signal returns one live signal.
func (c *Client) Signal(ctx context.Context, id string) (*Signal, error) {
	var sig Signal
	if err := c.do(ctx, http.MethodGet, "/signals/"+url.PathEscape(id), nil, &sig); err != nil {
		return nil, err
	}
	return &sig, nil
}

// Acknowledge responds to a signal. A no-op acknowledgment (unknown or
// closed signal) is not an error: check AckResult.Applied.
func (c *Client) Acknowledge(ctx context.Context, id string, req AckRequest) (*AckResult, error) {
	var res AckResult
	if err := c.do(ctx, http.MethodPost, "/signals/"+url.PathEscape(id)+"/ack", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Storms lists active signal storms.
func (c *Client) Storms(ctx context.Context) ([]StormStatus, error) {
	var resp struct {
		Storms []StormStatus `json:"storms"`
	}
	if err := c.do(ctx, http.MethodGet, "/storms", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Storms, nil
}

// ─── Rate limit ───────────────────────────────────────────────────────────────

// CheckRate takes one token from the (subsystem, identifier) bucket. An
// exhausted bucket is reported as Allowed=false, not as an error.
func (c *Client) CheckRate(ctx context.Context, subsystem, identifier string) (*RateCheck, error) {
	var resp rateWire
	err := c.do(ctx, http.MethodPost, "/ratelimit/check",
		map[string]string{"subsystem": subsystem, "identifier": identifier}, &resp)
	if err != nil {
		var ae *APIError
		if errors.As(err, &ae) && ae.StatusCode == http.StatusTooManyRequests {
			return &RateCheck{Allowed: false, RetryAfter: ae.RetryAfter}, nil
		}
		return nil, err
	}
	return &RateCheck{Allowed: resp.Allowed, Remaining: resp.Remaining}, nil
}

// ─── Endpoints ────────────────────────────────────────────────────────────────

// Endpoints lists every registered endpoint.
func (c *Client) Endpoints(ctx context.Context) ([]Endpoint, error) {
	var resp struct {
		Endpoints []Endpoint `json:"endpoints"`
	}
	if err := c.do(ctx, http.MethodGet, "/endpoints", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Endpoints, nil
}

// RegisterEndpoint adds a runtime endpoint. Returns an *APIError with
// StatusCode 409 if it already exists.
func (c *Client) RegisterEndpoint(ctx context.Context, spec EndpointSpec) (*Endpoint, error) {
	var ep Endpoint
	if err := c.do(ctx, http.MethodPost, "/endpoints", spec, &ep); err != nil {
		return nil, err
	}
	return &ep, nil
}

// DeregisterEndpoint removes a runtime endpoint.
func (c *Client) DeregisterEndpoint(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/endpoints/"+url.PathEscape(name), nil, nil)
}

// ─── Audit ────────────────────────────────────────────────────────────────────

// AuditEvents returns up to limit audit entries, newest first. prefix filters
// on the event name ("vsm.algedonic").
func (c *Client) AuditEvents(ctx context.Context, limit int, prefix string) ([]AuditEvent, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	path := "/audit/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.auditRecords(ctx, path)
}

// SignalHistory returns every audit entry for one signal, oldest first.
func (c *Client) SignalHistory(ctx context.Context, id string) ([]AuditEvent, error) {
	return c.auditRecords(ctx, "/audit/signals/"+url.PathEscape(id))
}

func (c *Client) auditRecords(ctx context.Context, path string) ([]AuditEvent, error) {
	var resp struct {
		Events []wireAuditRecord `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]AuditEvent, 0, len(resp.Events))
	for _, r := range resp.Events {
		out = append(out, r.toEvent())
	}
	return out, nil
}

// ─── DLQ ──────────────────────────────────────────────────────────────────────

// DeadLetterCounts returns the number of undelivered messages per endpoint.
func (c *Client) DeadLetterCounts(ctx context.Context) (map[string]int, error) {
	var resp struct {
		Endpoints map[string]int `json:"endpoints"`
	}
	if err := c.do(ctx, http.MethodGet, "/dlq", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Endpoints, nil
}

// DeadLetters returns up to limit undelivered messages for endpoint without
// removing them. limit <= 0 uses the server default.
func (c *Client) DeadLetters(ctx context.Context, endpoint string, limit int) ([]DeadLetter, error) {
	path := "/dlq/" + url.PathEscape(endpoint)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Messages []DeadLetter `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// ReplayDeadLetters redelivers up to limit messages for endpoint (all when
// limit <= 0). Returns how many were delivered and how many remain.
func (c *Client) ReplayDeadLetters(ctx context.Context, endpoint string, limit int) (replayed, remaining int, err error) {
	path := "/dlq/" + url.PathEscape(endpoint) + "/replay"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Replayed  int `json:"replayed"`
		Remaining int `json:"remaining"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, 0, err
	}
	return resp.Replayed, resp.Remaining, nil
}

// ─── Health ───────────────────────────────────────────────────────────────────

// Health returns basic server information.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var h HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 16 << 20

// do sends a JSON request and decodes a JSON reply into out. in and out may
// be nil. Any 2xx is success; 204 carries no body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("vsmbus: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("vsmbus: %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vsmbus: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("vsmbus: %s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode/100 != 2 {
		return apiError(resp, raw)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("vsmbus: %s %s: decode: %w", method, path, err)
	}
	return nil
}

// apiError builds an *APIError from an error reply. The server's JSON
// retry_after_ms wins over the coarser Retry-After header.
func apiError(resp *http.Response, raw []byte) *APIError {
	var body struct {
		Error        string `json:"error"`
		Kind         string `json:"kind"`
		RetryAfterMs int64  `json:"retry_after_ms"`
	}
	_ = json.Unmarshal(raw, &body)

	ae := &APIError{StatusCode: resp.StatusCode, Message: body.Error, Kind: body.Kind}
	if ae.Message == "" {
		ae.Message = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		return ae
	}
	if body.RetryAfterMs > 0 {
		ae.RetryAfter = time.Duration(body.RetryAfterMs) * time.Millisecond
	} else if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		ae.RetryAfter = time.Duration(secs) * time.Second
	}
	return ae
}
