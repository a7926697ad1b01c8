package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"vpn-miniapp-backend/internal/db"
)

// MinCryptoDeposit: CryptoPay не принимает счета меньше 0.1 USDT
var MinCryptoDeposit = decimal.RequireFromString("0.1")

type CryptoPayRail struct {
	token  string
	apiURL string
	http   *http.Client
}

func NewCryptoPayRail(token, apiURL string, timeout time.Duration) *CryptoPayRail {
	return &CryptoPayRail{
		token:  token,
		apiURL: strings.TrimRight(apiURL, "/"),
		http:   &http.Client{Timeout: timeout},
	}
}

func (r *CryptoPayRail) Provider() string { return db.ProviderCrypto }

type cryptoInvoice struct {
	InvoiceID     int64  `json:"invoice_id"`
	Status        string `json:"status"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	BotInvoiceURL string `json:"bot_invoice_url"`
	PayURL        string `json:"pay_url"`
	Payload       string `json:"payload"`
}

func (r *CryptoPayRail) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if req.AmountUSDT.LessThan(MinCryptoDeposit) {
		return nil, fmt.Errorf("cryptopay invoice: amount %s below minimum %s", req.AmountUSDT, MinCryptoDeposit)
	}
	body, _ := json.Marshal(map[string]interface{}{
		"asset":       "USDT",
		"amount":      req.AmountUSDT.StringFixed(2),
		"description": req.Description,
		"payload":     req.Payload,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiURL+"/createInvoice", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Crypto-Pay-API-Token", r.token)

	resp, err := r.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cryptopay invoice: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		OK     bool          `json:"ok"`
		Result cryptoInvoice `json:"result"`
		Error  struct {
			Code int    `json:"code"`
			Name string `json:"name"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("cryptopay invoice: http %d: %w", resp.StatusCode, err)
	}
	if !out.OK {
		return nil, fmt.Errorf("cryptopay invoice: %s", out.Error.Name)
	}
	link := out.Result.BotInvoiceURL
	if link == "" {
		link = out.Result.PayURL
	}
	return &Invoice{
		ProviderPaymentID: strconv.FormatInt(out.Result.InvoiceID, 10),
		URL:               link,
		Amount:            req.AmountUSDT,
		Currency:          "USDT",
	}, nil
}

// CryptoPayEvent: то, что нам нужно из вебхука CryptoPay
type CryptoPayEvent struct {
	UpdateType string
	InvoiceID  string
	Status     string
	Payload    string
}

func ParseCryptoPayWebhook(body []byte) (*CryptoPayEvent, error) {
	var raw struct {
		UpdateType string        `json:"update_type"`
		Payload    cryptoInvoice `json:"payload"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	return &CryptoPayEvent{
		UpdateType: raw.UpdateType,
		InvoiceID:  strconv.FormatInt(raw.Payload.InvoiceID, 10),
		Status:     raw.Payload.Status,
		Payload:    raw.Payload.Payload,
	}, nil
}

// CheckCryptoPaySignature: hex(HMAC-SHA256(body)) с ключом SHA256(token)
func CheckCryptoPaySignature(token string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	key := sha256.Sum256([]byte(token))
	h := hmac.New(sha256.New, key[:])
	h.Write(body)
	calc := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(calc))
}
