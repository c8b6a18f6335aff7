package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/lms-pay-api/pkg/errors"
)

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	client := NewClient(Config{KeySecret: "key-secret"})

	good := sign("key-secret", "order_1|pay_1")
	assert.True(t, client.VerifySignature("order_1", "pay_1", good))
	assert.False(t, client.VerifySignature("order_1", "pay_2", good))
	assert.False(t, client.VerifySignature("order_1", "pay_1", "forged"))
}

func TestVerifyWebhookSignature(t *testing.T) {
	client := NewClient(Config{KeySecret: "key-secret", WebhookSecret: "hook-secret"})
	body := []byte(`{"event":"payment.captured"}`)

	assert.True(t, client.VerifyWebhookSignature(body, sign("hook-secret", string(body))))

	// Checkout and webhook secrets are distinct keys.
	assert.False(t, client.VerifyWebhookSignature(body, sign("key-secret", string(body))))

	tampered := []byte(`{"event":"payment.failed"}`)
	assert.False(t, client.VerifyWebhookSignature(tampered, sign("hook-secret", string(body))))
}

func TestCreateOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/orders", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "key-id", user)
		assert.Equal(t, "key-secret", pass)

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, float64(90000), payload["amount"])
		assert.Equal(t, "INR", payload["currency"])
		notes, ok := payload["notes"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "enr-1", notes["enrollment_id"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Order{ //nolint:errcheck
			ID: "order_1", Amount: 90000, Currency: "INR", Receipt: "enr-1", Status: "created",
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, KeyID: "key-id", KeySecret: "key-secret"})
	order, err := client.CreateOrder(context.Background(), 90000, "INR", "enr-1", map[string]string{"enrollment_id": "enr-1"})
	require.NoError(t, err)
	assert.Equal(t, "order_1", order.ID)
	assert.Equal(t, int64(90000), order.Amount)
}

func TestCreateOrderGatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	_, err := client.CreateOrder(context.Background(), 100, "INR", "enr-1", nil)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrExternalService))
}

func TestGetPaymentDetails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payments/pay_1", r.URL.Path)
		json.NewEncoder(w).Encode(PaymentDetails{ //nolint:errcheck
			ID: "pay_1", OrderID: "order_1", Amount: 90000, Currency: "INR", Method: "upi", Status: "captured",
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	details, err := client.GetPaymentDetails(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Equal(t, "captured", details.Status)
}

func TestGetPaymentDetailsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	_, err := client.GetPaymentDetails(context.Background(), "pay_missing")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
}
