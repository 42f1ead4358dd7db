package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pharmalink/internal/model"
)

// NotchPayName тег процессора NotchPay.
const NotchPayName = "notchpay"

const notchPaySignatureHeader = "X-Notchpay-Signature"

// NotchPayConfig содержит учётные данные NotchPay.
type NotchPayConfig struct {
	PublicKey     string
	SecretKey     string
	WebhookSecret string
	BaseURL       string
}

// NotchPay реализует Gateway для NotchPay.
type NotchPay struct {
	api           *apiClient
	webhookSecret string
}

var _ Gateway = (*NotchPay)(nil)

// NewNotchPay создаёт адаптер NotchPay поверх переданного HTTP-клиента.
func NewNotchPay(cfg NotchPayConfig, httpClient *http.Client) *NotchPay {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.notchpay.co"
	}
	return &NotchPay{
		api: newAPIClient(base, map[string]string{
			"Authorization": cfg.PublicKey,
			"X-Grant":       cfg.SecretKey,
		}, httpClient),
		webhookSecret: cfg.WebhookSecret,
	}
}

// Name возвращает тег процессора.
func (n *NotchPay) Name() string { return NotchPayName }

// SignatureHeader возвращает заголовок с подписью вебхука.
func (n *NotchPay) SignatureHeader() string { return notchPaySignatureHeader }

// WebhookSecret возвращает общий секрет вебхуков.
func (n *NotchPay) WebhookSecret() string { return n.webhookSecret }

type notchTransaction struct {
	Reference     string          `json:"reference"`
	Trxref        string          `json:"trxref"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CompletedAt   string          `json:"completed_at"`
	FailureReason string          `json:"failure_reason"`
}

func (t notchTransaction) reference() string {
	if t.Reference != "" {
		return t.Reference
	}
	return t.Trxref
}

type notchInitRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Callback    string `json:"callback,omitempty"`
	Reference   string `json:"reference"`
}

type notchInitResponse struct {
	AuthorizationURL string            `json:"authorization_url"`
	Reference        string            `json:"reference"`
	Transaction      *notchTransaction `json:"transaction"`
}

// Initialize создаёт платёж и возвращает ссылку на страницу оплаты.
func (n *NotchPay) Initialize(ctx context.Context, req InitRequest) (*InitResult, error) {
	raw, err := n.api.do(ctx, http.MethodPost, "/payments/initialize", notchInitRequest{
		Amount:      ToMinorUnits(req.Amount, req.Currency),
		Currency:    strings.ToUpper(req.Currency),
		Email:       req.Email,
		Phone:       req.Phone,
		Name:        req.Name,
		Description: req.Description,
		Callback:    req.CallbackURL,
		Reference:   req.Reference,
	})
	if err != nil {
		return nil, fmt.Errorf("notchpay initialize: %w", err)
	}

	var resp notchInitResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: notchpay initialize: decode response: %v", ErrGatewayUnavailable, err)
	}

	ref := req.Reference
	if resp.Transaction != nil && resp.Transaction.reference() != "" {
		ref = resp.Transaction.reference()
	} else if resp.Reference != "" {
		ref = resp.Reference
	}

	return &InitResult{
		PaymentURL: resp.AuthorizationURL,
		Reference:  ref,
		Raw:        raw,
	}, nil
}

// Verify запрашивает актуальный статус платежа по reference.
func (n *NotchPay) Verify(ctx context.Context, reference string) (*Result, error) {
	raw, err := n.api.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, fmt.Errorf("notchpay verify: %w", err)
	}

	var resp struct {
		notchTransaction
		Transaction *notchTransaction `json:"transaction"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: notchpay verify: decode response: %v", ErrGatewayUnavailable, err)
	}

	trx := resp.notchTransaction
	if resp.Transaction != nil {
		trx = *resp.Transaction
	}
	if trx.reference() == "" {
		trx.Reference = reference
	}

	res := notchResult(trx)
	res.Raw = raw
	return &res, nil
}

// ValidateWebhookSignature проверяет HMAC-SHA512 подпись тела вебхука.
func (n *NotchPay) ValidateWebhookSignature(rawBody []byte, signature, secret string) bool {
	return ValidHMACSHA512(rawBody, signature, secret)
}

// ParseWebhook разбирает тело уже проверенного вебхука.
func (n *NotchPay) ParseWebhook(rawBody []byte) (*WebhookEvent, error) {
	var body struct {
		Event string           `json:"event"`
		Type  string           `json:"type"`
		Data  notchTransaction `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}

	event := body.Event
	if event == "" {
		event = body.Type
	}

	var status model.PaymentStatus
	switch strings.ToLower(event) {
	case "payment.complete", "payment.completed", "payment.successful":
		status = model.PaymentStatusCompleted
	case "payment.failed", "payment.expired":
		status = model.PaymentStatusFailed
	case "payment.canceled", "payment.cancelled":
		status = model.PaymentStatusCancelled
	default:
		return &WebhookEvent{Type: event}, nil
	}

	if body.Data.reference() == "" {
		return nil, fmt.Errorf("%w: missing reference", ErrMalformedWebhook)
	}

	res := notchResult(body.Data)
	res.Status = status
	res.Raw = rawBody

	return &WebhookEvent{Type: event, Handled: true, Result: res}, nil
}

func notchResult(trx notchTransaction) Result {
	res := Result{
		Reference:     trx.reference(),
		Status:        mapNotchPayStatus(trx.Status),
		FailureReason: trx.FailureReason,
	}
	res.setAmount(trx.Amount, trx.Currency)
	if res.Status == model.PaymentStatusCompleted {
		res.PaidAt = parseTime(trx.CompletedAt)
	}
	return res
}

func mapNotchPayStatus(s string) model.PaymentStatus {
	switch strings.ToLower(s) {
	case "complete", "completed", "successful", "success":
		return model.PaymentStatusCompleted
	case "failed", "rejected", "expired":
		return model.PaymentStatusFailed
	case "canceled", "cancelled", "abandoned":
		return model.PaymentStatusCancelled
	case "refunded":
		return model.PaymentStatusRefunded
	default:
		return model.PaymentStatusPending
	}
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05.000000Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
