package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pharmalink/internal/model"
)

// PaystackName тег процессора Paystack.
const PaystackName = "paystack"

const paystackSignatureHeader = "X-Paystack-Signature"

// PaystackConfig содержит учётные данные Paystack.
type PaystackConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
}

// Paystack реализует Gateway для Paystack.
type Paystack struct {
	api           *apiClient
	webhookSecret string
}

var _ Gateway = (*Paystack)(nil)

// NewPaystack создаёт адаптер Paystack. Без отдельного секрета вебхуки
// проверяются секретным ключом API, как их подписывает Paystack.
func NewPaystack(cfg PaystackConfig, httpClient *http.Client) *Paystack {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.paystack.co"
	}
	secret := cfg.WebhookSecret
	if secret == "" {
		secret = cfg.SecretKey
	}
	var auth string
	if cfg.SecretKey != "" {
		auth = "Bearer " + cfg.SecretKey
	}
	return &Paystack{
		api:           newAPIClient(base, map[string]string{"Authorization": auth}, httpClient),
		webhookSecret: secret,
	}
}

// Name возвращает тег процессора.
func (p *Paystack) Name() string { return PaystackName }

// SignatureHeader возвращает заголовок с подписью вебхука.
func (p *Paystack) SignatureHeader() string { return paystackSignatureHeader }

// WebhookSecret возвращает секрет проверки вебхуков.
func (p *Paystack) WebhookSecret() string { return p.webhookSecret }

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackTransaction struct {
	Reference       string          `json:"reference"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	PaidAt          string          `json:"paid_at"`
	GatewayResponse string          `json:"gateway_response"`
}

// Initialize создаёт транзакцию и возвращает ссылку на страницу оплаты.
func (p *Paystack) Initialize(ctx context.Context, req InitRequest) (*InitResult, error) {
	body := map[string]any{
		"email":     req.Email,
		"amount":    ToMinorUnits(req.Amount, req.Currency),
		"currency":  strings.ToUpper(req.Currency),
		"reference": req.Reference,
		"metadata": map[string]string{
			"name":        req.Name,
			"phone":       req.Phone,
			"description": req.Description,
		},
	}
	if req.CallbackURL != "" {
		body["callback_url"] = req.CallbackURL
	}

	raw, err := p.api.do(ctx, http.MethodPost, "/transaction/initialize", body)
	if err != nil {
		return nil, fmt.Errorf("paystack initialize: %w", err)
	}

	env, err := decodePaystack(raw)
	if err != nil {
		return nil, fmt.Errorf("paystack initialize: %w", err)
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		Reference        string `json:"reference"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: paystack initialize: decode data: %v", ErrGatewayUnavailable, err)
	}

	ref := data.Reference
	if ref == "" {
		ref = req.Reference
	}

	return &InitResult{PaymentURL: data.AuthorizationURL, Reference: ref, Raw: raw}, nil
}

// Verify запрашивает актуальный статус транзакции по reference.
func (p *Paystack) Verify(ctx context.Context, reference string) (*Result, error) {
	raw, err := p.api.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, fmt.Errorf("paystack verify: %w", err)
	}

	env, err := decodePaystack(raw)
	if err != nil {
		return nil, fmt.Errorf("paystack verify: %w", err)
	}

	var trx paystackTransaction
	if err := json.Unmarshal(env.Data, &trx); err != nil {
		return nil, fmt.Errorf("%w: paystack verify: decode data: %v", ErrGatewayUnavailable, err)
	}
	if trx.Reference == "" {
		trx.Reference = reference
	}

	res := paystackResult(trx)
	res.Raw = raw
	return &res, nil
}

// ValidateWebhookSignature проверяет HMAC-SHA512 подпись тела вебхука.
func (p *Paystack) ValidateWebhookSignature(rawBody []byte, signature, secret string) bool {
	return ValidHMACSHA512(rawBody, signature, secret)
}

// ParseWebhook разбирает тело уже проверенного вебхука.
func (p *Paystack) ParseWebhook(rawBody []byte) (*WebhookEvent, error) {
	var body struct {
		Event string              `json:"event"`
		Data  paystackTransaction `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}

	var status model.PaymentStatus
	switch strings.ToLower(body.Event) {
	case "charge.success":
		status = model.PaymentStatusCompleted
	case "charge.failed":
		status = model.PaymentStatusFailed
	case "refund.processed":
		status = model.PaymentStatusRefunded
	default:
		return &WebhookEvent{Type: body.Event}, nil
	}

	if body.Data.Reference == "" {
		return nil, fmt.Errorf("%w: missing reference", ErrMalformedWebhook)
	}

	res := paystackResult(body.Data)
	res.Status = status
	res.Raw = rawBody

	return &WebhookEvent{Type: body.Event, Handled: true, Result: res}, nil
}

func decodePaystack(raw []byte) (*paystackEnvelope, error) {
	var env paystackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
	}
	if !env.Status {
		return nil, fmt.Errorf("%w: %s", ErrGatewayRejected, env.Message)
	}
	return &env, nil
}

func paystackResult(trx paystackTransaction) Result {
	res := Result{
		Reference: trx.Reference,
		Status:    mapPaystackStatus(trx.Status),
	}
	res.setAmount(trx.Amount, trx.Currency)
	switch res.Status {
	case model.PaymentStatusCompleted:
		res.PaidAt = parseTime(trx.PaidAt)
	case model.PaymentStatusFailed, model.PaymentStatusCancelled:
		res.FailureReason = trx.GatewayResponse
	}
	return res
}

func mapPaystackStatus(s string) model.PaymentStatus {
	switch strings.ToLower(s) {
	case "success":
		return model.PaymentStatusCompleted
	case "failed":
		return model.PaymentStatusFailed
	case "abandoned":
		return model.PaymentStatusCancelled
	case "reversed":
		return model.PaymentStatusRefunded
	default:
		return model.PaymentStatusPending
	}
}
