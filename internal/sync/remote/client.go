// Package remote provides the REST client for the authoritative POS server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kimhsiao/posync/internal/errors"
)

// DefaultTimeout bounds each remote attempt when Config.Timeout is unset.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of a response body is read.
var maxResponseBytes int64 = 4 << 20

// Config holds remote connection configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// TokenSource supplies the bearer credential. An empty token means the
// device has no credential and must not call the server.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// Record is the server's acknowledgement of a create or update.
type Record struct {
	ID        string `json:"id"`
	ClientID  string `json:"client_id,omitempty"`
	Status    string `json:"status,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

// Result is a decoded acknowledgement together with its raw body.
type Result struct {
	Record Record
	Raw    json.RawMessage
}

// OrderItem is one order line as the server expects it.
type OrderItem struct {
	MenuItemID string  `json:"menu_item_id"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	Notes      string  `json:"notes,omitempty"`
}

// CreateOrderRequest is the body of POST /orders.
type CreateOrderRequest struct {
	ClientID string      `json:"client_id"`
	TableID  string      `json:"table_id,omitempty"`
	Status   string      `json:"status"`
	Items    []OrderItem `json:"items"`
	Total    float64     `json:"total"`
}

// UpdateStatusRequest is the body of PATCH /orders/{id}/status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// CreateReceiptRequest is the body of POST /receipts.
type CreateReceiptRequest struct {
	ClientID      string  `json:"client_id"`
	OrderID       string  `json:"order_id"`
	Amount        float64 `json:"amount"`
	PaymentMethod string  `json:"payment_method"`
}

// CreateBillRequestRequest is the body of POST /bill-requests.
type CreateBillRequestRequest struct {
	ClientID string `json:"client_id"`
	OrderID  string `json:"order_id,omitempty"`
	TableID  string `json:"table_id"`
	Note     string `json:"note,omitempty"`
}

// Client calls the remote REST API.
type Client struct {
	baseURL    *url.URL
	timeout    time.Duration
	tokens     TokenSource
	httpClient *http.Client
}

// NewClient creates a new Client.
func NewClient(cfg Config, tokens TokenSource) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New(errors.ErrNotConfigured, "remote base URL is not set")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "parse remote base URL", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &Client{
		baseURL: base,
		timeout: timeout,
		tokens:  tokens,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}, nil
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// HasCredential reports whether a bearer token is available.
func (c *Client) HasCredential(ctx context.Context) bool {
	token, err := c.tokens.Token(ctx)
	return err == nil && token != ""
}

// VerifyAuth checks the credential with GET /auth/verify.
func (c *Client) VerifyAuth(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/auth/verify", nil)
	return err
}

// CreateOrder submits a new order. The server upserts by ClientID.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Result, error) {
	return c.submit(ctx, http.MethodPost, "/orders", req)
}

// UpdateOrderStatus applies status to the order with the server id.
func (c *Client) UpdateOrderStatus(ctx context.Context, serverID, status string) (*Result, error) {
	return c.submit(ctx, http.MethodPatch, "/orders/"+url.PathEscape(serverID)+"/status",
		UpdateStatusRequest{Status: status})
}

// CreateReceipt submits a new receipt. The server upserts by ClientID.
func (c *Client) CreateReceipt(ctx context.Context, req CreateReceiptRequest) (*Result, error) {
	return c.submit(ctx, http.MethodPost, "/receipts", req)
}

// CreateBillRequest submits a new bill request. The server upserts by ClientID.
func (c *Client) CreateBillRequest(ctx context.Context, req CreateBillRequestRequest) (*Result, error) {
	return c.submit(ctx, http.MethodPost, "/bill-requests", req)
}

// FetchSnapshot returns the JSON array served at path, e.g. /menu-items.
func (c *Client) FetchSnapshot(ctx context.Context, path string) ([]json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(body, &docs); err != nil {
		return nil, errors.Wrap(errors.ErrSyncRejected, "decode snapshot "+path, err)
	}
	return docs, nil
}

func (c *Client) submit(ctx context.Context, method, path string, payload any) (*Result, error) {
	body, err := c.do(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, errors.Wrap(errors.ErrSyncRejected, "decode response from "+path, err)
	}
	if rec.ID == "" {
		return nil, errors.New(errors.ErrSyncRejected, "response from "+path+" has no id")
	}
	return &Result{Record: rec, Raw: json.RawMessage(body)}, nil
}

// do performs one bounded request and maps failures onto sync error codes.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncAuthFailed, "read credential", err)
	}
	if token == "" {
		return nil, errors.New(errors.ErrSyncAuthFailed, "no credential")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, transportError(method, path, err)
	}
	if int64(len(body)) > maxResponseBytes {
		return nil, errors.New(errors.ErrSyncNetwork,
			fmt.Sprintf("%s %s response exceeds %d bytes", method, path, maxResponseBytes))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, statusError(method, path, resp.StatusCode, body)
}

func transportError(method, path string, err error) error {
	msg := fmt.Sprintf("%s %s", method, path)
	if errors.IsTimeout(err) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrSyncTimeout, msg+" timed out", err)
	}
	return errors.Wrap(errors.ErrSyncNetwork, msg+" failed", err)
}

// statusError maps an HTTP status onto the failure classes the engine acts on.
func statusError(method, path string, status int, body []byte) error {
	var parsed struct {
		Error string `json:"error"`
	}
	detail := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		detail = parsed.Error
	}
	msg := fmt.Sprintf("%s %s returned %d", method, path, status)
	if detail != "" {
		msg += ": " + detail
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.New(errors.ErrSyncAuthFailed, msg)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return errors.New(errors.ErrSyncNetwork, msg)
	default:
		return errors.New(errors.ErrSyncRejected, msg)
	}
}
