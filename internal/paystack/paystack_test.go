package paystack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresSecretKey(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrMissingSecretKey)
}

func TestInitialize(t *testing.T) {
	var gotAuth string
	var gotReq map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/transaction/initialize", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]any{
			"status":  true,
			"message": "Authorization URL created",
			"data": map[string]any{
				"authorization_url": "https://checkout.paystack.com/abc123",
				"access_code":       "abc123",
				"reference":         "ref_42",
			},
		})
	}))
	defer srv.Close()

	client, err := New("sk_test_xyz", WithBaseURL(srv.URL))
	require.NoError(t, err)

	checkout, err := client.Initialize(context.Background(), "buyer@example.com", 250_000, "NGN", Metadata{"units": int64(5)})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk_test_xyz", gotAuth)
	assert.Equal(t, "buyer@example.com", gotReq["email"])
	assert.Equal(t, float64(250_000), gotReq["amount"])
	assert.Equal(t, "https://checkout.paystack.com/abc123", checkout.AuthorizationURL)
	assert.Equal(t, "ref_42", checkout.Reference)
}

func TestVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transaction/verify/ref_42", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"status":  true,
			"message": "Verification successful",
			"data": map[string]any{
				"reference": "ref_42",
				"status":    "success",
				"amount":    250000,
				"currency":  "NGN",
				"customer":  map[string]any{"email": "buyer@example.com"},
				"metadata":  map[string]any{"units": 5},
			},
		})
	}))
	defer srv.Close()

	client, err := New("sk_test_xyz", WithBaseURL(srv.URL))
	require.NoError(t, err)

	tx, err := client.Verify(context.Background(), "ref_42")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, tx.Status)
	assert.Equal(t, int64(250_000), tx.Amount)
	assert.Equal(t, "buyer@example.com", tx.Customer.Email)

	units, ok := tx.Metadata.Units()
	require.True(t, ok)
	assert.Equal(t, int64(5), units)
}

func TestVerify_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"status": false, "message": "Transaction reference not found"})
	}))
	defer srv.Close()

	client, err := New("sk_test_xyz", WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = client.Verify(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerify_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"status": false, "message": "Invalid key"})
	}))
	defer srv.Close()

	client, err := New("sk_test_bad", WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = client.Verify(context.Background(), "ref_42")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "Invalid key", apiErr.Message)
}

func TestVerify_EmptyReference(t *testing.T) {
	client, err := New("sk_test_xyz")
	require.NoError(t, err)

	_, err = client.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestMetadataUnits(t *testing.T) {
	tests := []struct {
		name string
		meta Metadata
		want int64
		ok   bool
	}{
		{"number", Metadata{"units": float64(5)}, 5, true},
		{"string", Metadata{"units": "12"}, 12, true},
		{"missing", Metadata{}, 0, false},
		{"zero", Metadata{"units": float64(0)}, 0, false},
		{"negative", Metadata{"units": "-3"}, 0, false},
		{"fractional", Metadata{"units": 2.5}, 0, false},
		{"garbage", Metadata{"units": "five"}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.meta.Units()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
