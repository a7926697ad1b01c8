package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckYooKassaSignature(t *testing.T) {
	secret := "testsecret"
	body := []byte(`{"test":"data"}`)

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	calc := hex.EncodeToString(h.Sum(nil))

	tests := []struct {
		desc        string
		authHeader  string
		yoomoneyHdr string
		want        bool
	}{
		{"valid Authorization", "HMAC " + calc, "", true},
		{"valid Authorization SHA256", "HMAC-SHA256 " + calc, "", true},
		{"valid Yoomoney header", "", calc, true},
		{"wrong signature", "HMAC wrong", "", false},
		{"wrong yoomoney", "", "wrong", false},
		{"both empty", "", "", false},
	}

	for _, tt := range tests {
		if got := CheckYooKassaSignature(secret, body, tt.authHeader, tt.yoomoneyHdr); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.desc, got, tt.want)
		}
	}
}

func TestYooKassaRail_CreateInvoice(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "shop", user)
		assert.Equal(t, "key", pass)
		assert.NotEmpty(t, r.Header.Get("Idempotence-Key"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"2f1a-yk","status":"pending","confirmation":{"confirmation_url":"https://yoomoney.ru/checkout/2f1a"}}`))
	}))
	defer srv.Close()

	rail := NewYooKassaRail("shop", "key", "https://t.me/vpn_bot", 5*time.Second)
	rail.endpoint = srv.URL

	inv, err := rail.CreateInvoice(context.Background(), InvoiceRequest{
		Payload:     "buy:17",
		Description: "VPN 30 days",
		AmountRUB:   decimal.RequireFromString("455.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "2f1a-yk", inv.ProviderPaymentID)
	assert.Equal(t, "https://yoomoney.ru/checkout/2f1a", inv.URL)
	assert.Equal(t, "RUB", inv.Currency)

	amount := got["amount"].(map[string]interface{})
	assert.Equal(t, "455.50", amount["value"])
	assert.Equal(t, "buy:17", got["metadata"].(map[string]interface{})["payload"])
}

func TestParseYooKassaWebhook(t *testing.T) {
	ev, err := ParseYooKassaWebhook([]byte(`{"type":"notification","event":"payment.succeeded","object":{"id":"yk-1","status":"succeeded","metadata":{"payload":"renew:9"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "payment.succeeded", ev.Event)
	assert.Equal(t, "yk-1", ev.PaymentID)
	assert.Equal(t, "renew:9", ev.Payload)

	_, err = ParseYooKassaWebhook([]byte(`not json`))
	assert.Error(t, err)
}
