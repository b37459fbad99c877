package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSend_SignedDelivery(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, "topsecret", discardLogger())
	n.Send(context.Background(), EventPurchaseCredited, map[string]any{
		"email": "buyer@example.com",
		"units": 5,
	})

	require.NotEmpty(t, gotBody)

	var event Event
	require.NoError(t, json.Unmarshal(gotBody, &event))
	assert.Equal(t, EventPurchaseCredited, event.Type)
	assert.Equal(t, "buyer@example.com", event.Data["email"])
	assert.NotEmpty(t, event.ID)

	assert.Equal(t, string(EventPurchaseCredited), gotHeaders.Get("X-Brickpay-Event"))
	assert.NotEmpty(t, gotHeaders.Get("X-Brickpay-Timestamp"))

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotHeaders.Get("X-Brickpay-Signature"))
}

func TestSend_NoURLIsNoop(t *testing.T) {
	n := New("", "secret", discardLogger())
	// Must not panic or block
	n.Send(context.Background(), EventEscrowReleased, nil)
}

func TestSend_SinkErrorSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(srv.URL, "", discardLogger())
	n.baseDelay = time.Millisecond
	// No error surfaces regardless of sink behavior
	n.Send(context.Background(), EventEscrowDisputed, map[string]any{"escrowId": "esc_1"})
}

func TestSend_UnreachableSinkSwallowed(t *testing.T) {
	n := New("http://127.0.0.1:1", "", discardLogger())
	n.baseDelay = time.Millisecond
	n.Send(context.Background(), EventEscrowCreated, nil)
}

func TestSend_RetriesTransientSinkFailure(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, "", discardLogger())
	n.baseDelay = time.Millisecond
	n.Send(context.Background(), EventEscrowReleased, map[string]any{"paymentId": "pay_1"})

	assert.Equal(t, int32(3), requests.Load())
}

func TestSend_SinkClientErrorNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := New(srv.URL, "", discardLogger())
	n.baseDelay = time.Millisecond
	n.Send(context.Background(), EventEscrowReleased, nil)

	assert.Equal(t, int32(1), requests.Load())
}
