// Package paystack is a minimal client for the payment provider's
// transaction API: initialize a checkout and verify a reference.
package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	// DefaultBaseURL is the provider's live API host. Point it at a
	// sandbox in tests via WithBaseURL.
	DefaultBaseURL = "https://api.paystack.co"

	// DefaultTimeout bounds every API call
	DefaultTimeout = 10 * time.Second
)

var (
	ErrMissingSecretKey = errors.New("paystack: secret key required")
	ErrNotFound         = errors.New("paystack: transaction not found")
	ErrInvalidReference = errors.New("paystack: invalid reference")
)

// APIError is a non-2xx response from the provider
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("paystack: API error (%d): %s", e.StatusCode, e.Message)
}

// StatusSuccess is the provider's terminal success state for a charge.
// Anything else (pending, abandoned, failed) must not credit.
const StatusSuccess = "success"

// Metadata is the free-form object attached to a charge at initialize
// time and echoed back on verify and webhook payloads.
type Metadata map[string]any

// Units extracts the purchased unit count from metadata. The provider
// round-trips numbers as float64 and some checkout integrations send
// strings, so both are accepted.
func (m Metadata) Units() (int64, bool) {
	v, ok := m["units"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		if n <= 0 || n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil || parsed <= 0 {
			return 0, false
		}
		return parsed, true
	case int64:
		if n <= 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// Transaction is a charge as the provider reports it. Amount is in the
// currency's subunit (kobo for NGN, cents for USD).
type Transaction struct {
	Reference string   `json:"reference"`
	Status    string   `json:"status"`
	Amount    int64    `json:"amount"`
	Currency  string   `json:"currency"`
	PaidAt    string   `json:"paid_at"`
	Customer  Customer `json:"customer"`
	Metadata  Metadata `json:"metadata"`
}

// Customer is the payer identity attached to a transaction
type Customer struct {
	Email string `json:"email"`
}

// Event is an inbound webhook envelope
type Event struct {
	Event string      `json:"event"`
	Data  Transaction `json:"data"`
}

// EventChargeSuccess is the only webhook event that credits
const EventChargeSuccess = "charge.success"

// Checkout is the result of initializing a transaction
type Checkout struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// Client talks to the provider's transaction API
type Client struct {
	secretKey string
	baseURL   string
	client    *http.Client
}

// Option configures the client
type Option func(*Client)

// WithBaseURL points the client at a different host (sandbox, test server)
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// New creates a provider client
func New(secretKey string, opts ...Option) (*Client, error) {
	if secretKey == "" {
		return nil, ErrMissingSecretKey
	}
	c := &Client{
		secretKey: secretKey,
		baseURL:   DefaultBaseURL,
		client:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type initializeRequest struct {
	Email    string   `json:"email"`
	Amount   int64    `json:"amount"`
	Currency string   `json:"currency,omitempty"`
	Metadata Metadata `json:"metadata,omitempty"`
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Initialize creates a checkout session for a charge. amountSubunits is
// in the currency's smallest denomination.
func (c *Client) Initialize(ctx context.Context, email string, amountSubunits int64, currency string, metadata Metadata) (*Checkout, error) {
	body, err := json.Marshal(initializeRequest{
		Email:    email,
		Amount:   amountSubunits,
		Currency: currency,
		Metadata: metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("paystack: marshal initialize request: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, "/transaction/initialize", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var checkout Checkout
	if err := json.Unmarshal(data, &checkout); err != nil {
		return nil, fmt.Errorf("paystack: decode initialize response: %w", err)
	}
	return &checkout, nil
}

// Verify fetches the provider's record of a charge by reference
func (c *Client) Verify(ctx context.Context, reference string) (*Transaction, error) {
	if reference == "" {
		return nil, ErrInvalidReference
	}

	data, err := c.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil)
	if err != nil {
		return nil, err
	}

	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("paystack: decode verify response: %w", err)
	}
	return &tx, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("paystack: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paystack: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("paystack: read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env envelope
		if json.Unmarshal(respBody, &env) == nil && env.Message != "" {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: env.Message}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("paystack: decode response envelope: %w", err)
	}
	if !env.Status {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	return env.Data, nil
}
