package kioskclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const tokenRefreshMargin = 30 * time.Second

// Client talks to a kioskpay server on behalf of one kiosk. It fetches an
// access token on first use and refreshes it before expiry.
type Client struct {
	baseURL    string
	machineID  string
	password   string
	httpClient *http.Client

	// DeviceInfo is sent with token requests for the audit log.
	DeviceInfo string

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the given server and kiosk credentials.
func New(baseURL, machineID, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		machineID:  machineID,
		password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreatePayment creates a payment request. The idempotency key, if set, is
// sent in the Idempotency-Key header; replays return the original payment.
func (c *Client) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*Payment, error) {
	var headers http.Header
	if req.IdempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": []string{req.IdempotencyKey}}
	}
	var out Payment
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments", req, headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPayment fetches a payment by ID.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var out Payment
	path := "/api/v1/payments/" + url.PathEscape(paymentID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPayments pages through the client's payments, newest first. limit <= 0
// uses the server default; cursor comes from a previous page's NextCursor.
func (c *Client) ListPayments(ctx context.Context, limit int, cursor string) (*PaymentList, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/api/v1/payments"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out PaymentList
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelPayment cancels a payment that has not reached a terminal state.
func (c *Client) CancelPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var out Payment
	path := "/api/v1/payments/" + url.PathEscape(paymentID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForTerminal polls a payment until it reaches a terminal state or the
// context is done. Prefer Subscribe where a long-lived connection is viable.
func (c *Client) WaitForTerminal(ctx context.Context, paymentID string, interval time.Duration) (*Payment, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p, err := c.GetPayment(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if p.Terminal() {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Subscribe opens the server-sent event stream and invokes handler for each
// event until the context is done or the connection drops. lastSeq > 0
// resumes after the given sequence number; pass the Seq of the last event
// seen to bridge reconnect gaps.
func (c *Client) Subscribe(ctx context.Context, lastSeq int64, handler func(*Event) error) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/events/stream", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)
	if lastSeq > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastSeq, 10))
	}

	// The stream stays open indefinitely, so bypass the client timeout.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apiErrorFrom(resp)
	}
	return readSSE(resp.Body, handler)
}

// readSSE parses the event stream frame by frame. Keepalive frames carry no
// id and are skipped.
func readSSE(r io.Reader, handler func(*Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var evt Event
	var hasID bool
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if hasID {
				if err := handler(&evt); err != nil {
					return err
				}
			}
			evt = Event{}
			hasID = false
		case strings.HasPrefix(line, "id:"):
			seq, err := strconv.ParseInt(strings.TrimSpace(line[3:]), 10, 64)
			if err == nil {
				evt.Seq = seq
				hasID = true
			}
		case strings.HasPrefix(line, "event:"):
			evt.Type = strings.TrimSpace(line[6:])
		case strings.HasPrefix(line, "data:"):
			evt.Payload = json.RawMessage(strings.TrimSpace(line[5:]))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// accessToken returns a valid token, fetching a fresh one when the cached
// token is absent or close to expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.tokenExp) > tokenRefreshMargin {
		return c.token, nil
	}

	body, _ := json.Marshal(tokenRequest{
		MachineID:  c.machineID,
		Password:   c.password,
		DeviceInfo: c.DeviceInfo,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", apiErrorFrom(resp)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	c.token = tok.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.token, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, headers http.Header, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiErrorFrom(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func apiErrorFrom(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &e); err != nil || e.Detail == "" {
		e.Detail = strings.TrimSpace(string(raw))
	}
	return &APIError{StatusCode: resp.StatusCode, Detail: e.Detail}
}
