// Package handler содержит HTTP-обработчики API сервиса PharmaLink.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmalink/internal/gateway"
	"github.com/mmeshcher/pharmalink/internal/middleware"
	"github.com/mmeshcher/pharmalink/internal/model"
	"github.com/mmeshcher/pharmalink/internal/service"
)

const maxBodyBytes = 1 << 20

// OrderService определяет операции с заказами, используемые HTTP-обработчиками.
type OrderService interface {
	Create(ctx context.Context, userID int64, in service.CreateOrderInput) (*model.Order, error)
	Get(ctx context.Context, userID int64, orderID uuid.UUID) (*model.Order, error)
	List(ctx context.Context, userID int64, in service.ListOrdersInput) (*service.OrderPage, error)
	Update(ctx context.Context, userID int64, orderID uuid.UUID, in service.UpdateOrderInput) (*model.Order, error)
	Cancel(ctx context.Context, userID int64, orderID uuid.UUID) (*model.Order, error)
}

// PaymentService определяет операции с платежами, используемые HTTP-обработчиками.
type PaymentService interface {
	Initialize(ctx context.Context, userID int64, in service.InitializePaymentInput) (*service.PaymentInit, error)
	HandleWebhook(ctx context.Context, processor string, rawBody []byte, signature string) (*service.WebhookOutcome, error)
	Verify(ctx context.Context, userID int64, reference string) (*service.Verification, error)
	SignatureHeader(processor string) (string, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	orders         OrderService
	payments       PaymentService
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        http.Handler
}

// NewHandler создаёт обработчик. metrics может быть nil, тогда /metrics не публикуется.
func NewHandler(orders OrderService, payments PaymentService, logger *zap.Logger, auth *middleware.AuthMiddleware, metrics http.Handler) *Handler {
	return &Handler{
		orders:         orders,
		payments:       payments,
		logger:         logger,
		authMiddleware: auth,
		metrics:        metrics,
	}
}

type errorResponse struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details map[string]any) {
	if msg == "" {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: msg, Details: details})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", map[string]any{"reason": err.Error()})
		return false
	}
	return true
}

// readRaw читает тело без разбора, подпись вебхука проверяется над этими байтами.
func readRaw(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", nil)
		return nil, false
	}
	return body, true
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", nil)
		return 0, false
	}
	return userID, true
}

// writeServiceError переводит ошибку сервиса в HTTP-статус и тело ответа.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var (
		validationErr *service.ValidationError
		stockErr      *service.StockError
	)

	switch {
	case errors.As(err, &stockErr):
		writeError(w, http.StatusBadRequest, stockErr.Error(), map[string]any{
			"medicationId":   stockErr.MedicationID,
			"medicationName": stockErr.Name,
			"requested":      stockErr.Requested,
			"available":      stockErr.Available,
		})
	case errors.As(err, &validationErr):
		var details map[string]any
		if validationErr.Field != "" {
			details = map[string]any{"field": validationErr.Field}
		}
		writeError(w, http.StatusBadRequest, validationErr.Error(), details)
	case errors.Is(err, service.ErrPharmacyInactive),
		errors.Is(err, model.ErrInvalidStateTransition):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, service.ErrAlreadyPaid):
		writeError(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", nil)
	case errors.Is(err, service.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated", nil)
	case errors.Is(err, service.ErrSignatureMismatch):
		writeError(w, http.StatusUnauthorized, "invalid signature", nil)
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		h.logger.Warn(op+" gateway unavailable", zap.Error(err))
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, "payment gateway unavailable", nil)
	case errors.Is(err, gateway.ErrGatewayRejected):
		h.logger.Warn(op+" gateway rejected", zap.Error(err))
		writeError(w, http.StatusBadGateway, "payment gateway rejected request", nil)
	default:
		h.logger.Error(op+" error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "", nil)
	}
}
