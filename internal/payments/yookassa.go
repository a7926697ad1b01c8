package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"vpn-miniapp-backend/internal/db"
)

const yooKassaAPI = "https://api.yookassa.ru/v3/payments"

type PaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

type YooKassaRail struct {
	shopID    string
	secretKey string
	returnURL string
	endpoint  string
	http      *http.Client
}

func NewYooKassaRail(shopID, secretKey, returnURL string, timeout time.Duration) *YooKassaRail {
	return &YooKassaRail{
		shopID:    shopID,
		secretKey: secretKey,
		returnURL: returnURL,
		endpoint:  yooKassaAPI,
		http:      &http.Client{Timeout: timeout},
	}
}

func (r *YooKassaRail) Provider() string { return db.ProviderYooKassa }

func (r *YooKassaRail) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if !req.AmountRUB.IsPositive() {
		return nil, errors.New("yookassa: amount must be positive")
	}
	body := map[string]interface{}{
		"amount":       map[string]interface{}{"value": req.AmountRUB.StringFixed(2), "currency": "RUB"},
		"confirmation": map[string]string{"type": "redirect", "return_url": r.returnURL},
		"capture":      true,
		"description":  req.Description,
		"metadata":     map[string]string{"payload": req.Payload},
	}
	jsonBody, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotence-Key", uuid.NewString())
	httpReq.SetBasicAuth(r.shopID, r.secretKey)

	resp, err := r.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("yookassa: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("yookassa: http %d", resp.StatusCode)
	}
	var pr PaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, err
	}
	return &Invoice{
		ProviderPaymentID: pr.ID,
		URL:               pr.Confirmation.ConfirmationURL,
		Amount:            req.AmountRUB,
		Currency:          "RUB",
	}, nil
}

// YooKassaEvent: уведомление YooKassa
type YooKassaEvent struct {
	Event     string
	PaymentID string
	Status    string
	Payload   string
}

func ParseYooKassaWebhook(body []byte) (*YooKassaEvent, error) {
	var raw struct {
		Event  string `json:"event"`
		Object struct {
			ID       string            `json:"id"`
			Status   string            `json:"status"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	return &YooKassaEvent{
		Event:     raw.Event,
		PaymentID: raw.Object.ID,
		Status:    raw.Object.Status,
		Payload:   raw.Object.Metadata["payload"],
	}, nil
}

// Проверка HMAC подписи webhook YooKassa (Authorization или Content-Yoomoney-Signature)
func CheckYooKassaSignature(secret string, body []byte, authHeader, yoomoneyHeader string) bool {
	var signatures []string
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "HMAC ") || strings.HasPrefix(authHeader, "HMAC-SHA256 ") {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 {
				signatures = append(signatures, parts[1])
			}
		}
	}
	if yoomoneyHeader != "" {
		signatures = append(signatures, yoomoneyHeader)
	}
	if len(signatures) == 0 {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	calc := hex.EncodeToString(h.Sum(nil))
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(calc)) {
			return true
		}
	}
	return false
}
