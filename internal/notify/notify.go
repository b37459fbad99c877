// Package notify sends best-effort event notifications to a configured
// sink (the email/telegram bridge). Delivery failures are logged and
// counted, never returned to callers.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oamen/brickpay/internal/metrics"
	"github.com/oamen/brickpay/internal/retry"
)

// EventType represents the type of notification event
type EventType string

const (
	EventPurchaseCredited EventType = "purchase.credited"
	EventEscrowCreated    EventType = "escrow.created"
	EventEscrowReleased   EventType = "escrow.released"
	EventEscrowDisputed   EventType = "escrow.disputed"
)

// Event is the payload posted to the sink
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Notifier posts signed events to a single sink URL
type Notifier struct {
	url       string
	secret    string
	client    *http.Client
	attempts  int
	baseDelay time.Duration
	logger    *slog.Logger
}

// New creates a notifier. An empty URL disables delivery; Send becomes
// a no-op so callers never need to branch.
func New(url, secret string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		attempts:  3,
		baseDelay: 500 * time.Millisecond,
		logger:    logger,
	}
}

// WithHTTPClient replaces the transport, for tests
func (n *Notifier) WithHTTPClient(client *http.Client) *Notifier {
	n.client = client
	return n
}

// Send posts the event to the sink, retrying transient failures. It
// never returns an error: failures are logged and counted in metrics
// only.
func (n *Notifier) Send(ctx context.Context, eventType EventType, data map[string]any) {
	if n.url == "" {
		return
	}

	event := &Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		n.fail(eventType, "marshal event", err)
		return
	}

	err = retry.Do(ctx, n.attempts, n.baseDelay, func() error {
		return n.deliver(ctx, event, payload)
	})
	if err != nil {
		n.fail(eventType, "delivery failed", err)
		return
	}

	metrics.NotificationsTotal.WithLabelValues("ok").Inc()
}

// deliver performs one delivery attempt. A sink 4xx is permanent: the
// payload will not become acceptable on retry.
func (n *Notifier) deliver(ctx context.Context, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Brickpay-Event", string(event.Type))
	req.Header.Set("X-Brickpay-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if n.secret != "" {
		req.Header.Set("X-Brickpay-Signature", sign(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("sink returned %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Permanent(err)
	}
	return err
}

func (n *Notifier) fail(eventType EventType, msg string, err error) {
	metrics.NotificationsTotal.WithLabelValues("error").Inc()
	if err != nil {
		n.logger.Warn("notification delivery failed",
			"event", string(eventType), "reason", msg, "error", err)
		return
	}
	n.logger.Warn("notification delivery failed",
		"event", string(eventType), "reason", msg)
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func generateEventID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("evt_%x", b)
}
