package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmalink/internal/service"
)

type initializePaymentRequest struct {
	OrderID   string `json:"orderId"`
	Processor string `json:"processor"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
}

type initializePaymentResponse struct {
	PaymentURL string          `json:"paymentUrl"`
	Reference  string          `json:"reference"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Processor  string          `json:"processor"`
	OrderID    uuid.UUID       `json:"orderId"`
}

type verifyRequest struct {
	Reference string `json:"reference"`
}

type verifyResponse struct {
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Reference string          `json:"reference"`
	OrderID   uuid.UUID       `json:"orderId"`
	PaidAt    *string         `json:"paidAt"`
}

type webhookResponse struct {
	Status    string `json:"status"`
	Event     string `json:"event,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
}

// InitializePayment создаёт платёж у процессора для заказа текущего пользователя.
func (h *Handler) InitializePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req initializePaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id", map[string]any{"field": "orderId"})
		return
	}

	created, err := h.payments.Initialize(r.Context(), userID, service.InitializePaymentInput{
		OrderID:   orderID,
		Processor: req.Processor,
		Email:     req.Email,
		Name:      req.Name,
		Phone:     req.Phone,
	})
	if err != nil {
		h.writeServiceError(w, "initialize payment", err)
		return
	}

	writeJSON(w, http.StatusOK, initializePaymentResponse{
		PaymentURL: created.PaymentURL,
		Reference:  created.Reference,
		Amount:     created.Amount,
		Currency:   created.Currency,
		Processor:  created.Processor,
		OrderID:    created.OrderID,
	})
}

// VerifyPayment возвращает состояние платежа. Ссылка берётся из query или из JSON-тела.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	reference := r.URL.Query().Get("reference")
	if r.Method == http.MethodPost {
		var req verifyRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		reference = req.Reference
	}

	v, err := h.payments.Verify(r.Context(), userID, strings.TrimSpace(reference))
	if err != nil {
		h.writeServiceError(w, "verify payment", err)
		return
	}

	resp := verifyResponse{
		Status:    string(v.Status),
		Amount:    v.Amount,
		Currency:  v.Currency,
		Reference: v.Reference,
		OrderID:   v.OrderID,
	}
	if v.PaidAt != nil {
		paidAt := v.PaidAt.UTC().Format(time.RFC3339)
		resp.PaidAt = &paidAt
	}

	writeJSON(w, http.StatusOK, resp)
}

// PaymentCallback принимает вебхук процессора. Подпись проверяется над сырым телом до разбора.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	processor := chi.URLParam(r, "processor")

	header, err := h.payments.SignatureHeader(processor)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown payment processor", nil)
		return
	}

	body, ok := readRaw(w, r)
	if !ok {
		return
	}

	out, err := h.payments.HandleWebhook(r.Context(), processor, body, r.Header.Get(header))
	if err != nil {
		h.writeServiceError(w, "payment callback", err)
		return
	}

	if out.Duplicate {
		h.logger.Info("duplicate webhook acknowledged", zap.String("event", out.Event), zap.String("reference", out.Reference))
	}

	writeJSON(w, http.StatusOK, webhookResponse{
		Status:    "ok",
		Event:     out.Event,
		Duplicate: out.Duplicate,
		Ignored:   out.Ignored,
	})
}
