package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmalink/internal/gateway"
	"github.com/mmeshcher/pharmalink/internal/middleware"
	"github.com/mmeshcher/pharmalink/internal/model"
	"github.com/mmeshcher/pharmalink/internal/service"
)

const testUserID int64 = 42

type stubOrders struct {
	createIn  service.CreateOrderInput
	createRes *model.Order
	createErr error

	getRes *model.Order
	getErr error

	listIn  service.ListOrdersInput
	listRes *service.OrderPage
	listErr error

	updateIn  service.UpdateOrderInput
	updateRes *model.Order
	updateErr error

	cancelRes *model.Order
	cancelErr error
}

func (s *stubOrders) Create(_ context.Context, _ int64, in service.CreateOrderInput) (*model.Order, error) {
	s.createIn = in
	return s.createRes, s.createErr
}

func (s *stubOrders) Get(context.Context, int64, uuid.UUID) (*model.Order, error) {
	return s.getRes, s.getErr
}

func (s *stubOrders) List(_ context.Context, _ int64, in service.ListOrdersInput) (*service.OrderPage, error) {
	s.listIn = in
	return s.listRes, s.listErr
}

func (s *stubOrders) Update(_ context.Context, _ int64, _ uuid.UUID, in service.UpdateOrderInput) (*model.Order, error) {
	s.updateIn = in
	return s.updateRes, s.updateErr
}

func (s *stubOrders) Cancel(context.Context, int64, uuid.UUID) (*model.Order, error) {
	return s.cancelRes, s.cancelErr
}

type stubPayments struct {
	initRes *service.PaymentInit
	initErr error

	webhookProcessor string
	webhookBody      []byte
	webhookSignature string
	webhookRes       *service.WebhookOutcome
	webhookErr       error

	verifyRef string
	verifyRes *service.Verification
	verifyErr error
}

func (s *stubPayments) Initialize(context.Context, int64, service.InitializePaymentInput) (*service.PaymentInit, error) {
	return s.initRes, s.initErr
}

func (s *stubPayments) HandleWebhook(_ context.Context, processor string, rawBody []byte, signature string) (*service.WebhookOutcome, error) {
	s.webhookProcessor, s.webhookBody, s.webhookSignature = processor, rawBody, signature
	return s.webhookRes, s.webhookErr
}

func (s *stubPayments) Verify(_ context.Context, _ int64, reference string) (*service.Verification, error) {
	s.verifyRef = reference
	return s.verifyRes, s.verifyErr
}

func (s *stubPayments) SignatureHeader(processor string) (string, error) {
	switch processor {
	case "", "notchpay":
		return "X-Notchpay-Signature", nil
	case "paystack":
		return "X-Paystack-Signature", nil
	}
	return "", service.ErrNotFound
}

type testServer struct {
	router   http.Handler
	orders   *stubOrders
	payments *stubPayments
	token    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	resolver := middleware.NewHMACResolver("test-secret")
	orders := &stubOrders{}
	payments := &stubPayments{}
	h := NewHandler(orders, payments, zap.NewNop(), middleware.NewAuthMiddleware(resolver), nil)

	return &testServer{
		router:   h.SetupRouter(),
		orders:   orders,
		payments: payments,
		token:    resolver.SignToken(testUserID),
	}
}

func (s *testServer) do(t *testing.T, method, target string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, rd)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	res := rec.Result()
	t.Cleanup(func() { res.Body.Close() })

	var decoded map[string]any
	if raw, _ := io.ReadAll(res.Body); len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return res, decoded
}

func sampleOrder() *model.Order {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	lat, lng := 4.05, 9.7
	return &model.Order{
		ID:             uuid.New(),
		UserID:         testUserID,
		PharmacyID:     1,
		OrderNumber:    "ORD-17460000000001234",
		Status:         model.OrderStatusPending,
		TotalAmount:    decimal.NewFromInt(3000),
		Currency:       "XAF",
		DeliveryMethod: "pickup",
		PaymentMethod:  "cash",
		PaymentStatus:  model.PaymentStatusPending,
		ItemCount:      1,
		Items: []model.OrderItem{{
			ID: uuid.New(), MedicationID: 7, MedicationName: "Ibuprofen", Quantity: 3,
			UnitPrice: decimal.NewFromInt(1000), TotalPrice: decimal.NewFromInt(3000), Currency: "XAF",
		}},
		Pharmacy:  &model.Pharmacy{ID: 1, Name: "Douala Pharmacy", Address: "Rue 1", Latitude: &lat, Longitude: &lng},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateOrder(t *testing.T) {
	s := newTestServer(t)
	s.orders.createRes = sampleOrder()

	res, body := s.do(t, http.MethodPost, "/orders", map[string]any{
		"pharmacyId": 1,
		"items":      []map[string]any{{"medicationId": 7, "quantity": 3}},
	}, nil)

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, s.orders.createRes.ID.String(), body["orderId"])
	assert.Equal(t, "3000", body["totalAmount"])
	assert.Equal(t, "XAF", body["currency"])
	assert.Len(t, body["items"], 1)
	assert.Equal(t, []service.CreateOrderItem{{MedicationID: 7, Quantity: 3}}, s.orders.createIn.Items)
}

func TestCreateOrderErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "stock", err: &service.StockError{MedicationID: 7, Name: "Ibuprofen", Requested: 3, Available: 2}, wantStatus: http.StatusBadRequest},
		{name: "validation", err: &service.ValidationError{Field: "items", Message: "at least one item is required"}, wantStatus: http.StatusBadRequest},
		{name: "inactive pharmacy", err: fmt.Errorf("%w: pharmacy 1", service.ErrPharmacyInactive), wantStatus: http.StatusBadRequest},
		{name: "pharmacy not found", err: fmt.Errorf("%w: pharmacy 1", service.ErrNotFound), wantStatus: http.StatusNotFound},
		{name: "internal", err: assert.AnError, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.orders.createErr = tt.err

			res, body := s.do(t, http.MethodPost, "/orders", map[string]any{"pharmacyId": 1}, nil)
			assert.Equal(t, tt.wantStatus, res.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestCreateOrderStockDetails(t *testing.T) {
	s := newTestServer(t)
	s.orders.createErr = &service.StockError{MedicationID: 7, Name: "Ibuprofen", Requested: 3, Available: 2}

	_, body := s.do(t, http.MethodPost, "/orders", map[string]any{"pharmacyId": 1}, nil)

	details, ok := body["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), details["available"])
	assert.Equal(t, float64(3), details["requested"])
	assert.Equal(t, "Ibuprofen", details["medicationName"])
}

func TestOrdersRequireAuth(t *testing.T) {
	s := newTestServer(t)
	s.token = ""

	res, _ := s.do(t, http.MethodGet, "/orders", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = s.do(t, http.MethodPost, "/payments/verify", map[string]string{"reference": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestCreateOrderInvalidJSON(t *testing.T) {
	s := newTestServer(t)

	res, _ := s.do(t, http.MethodPost, "/orders", []byte(`{"pharmacyId":`), nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestListOrders(t *testing.T) {
	s := newTestServer(t)
	o := sampleOrder()
	s.orders.listRes = &service.OrderPage{Orders: []model.Order{*o}, Total: 5, Limit: 2, Offset: 2}

	res, body := s.do(t, http.MethodGet, "/orders?status=pending&limit=2&offset=2", nil, nil)

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, service.ListOrdersInput{Status: model.OrderStatusPending, Limit: 2, Offset: 2}, s.orders.listIn)

	pagination, ok := body["pagination"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(5), pagination["total"])
	assert.Equal(t, float64(2), pagination["page"])
	assert.Equal(t, float64(3), pagination["totalPages"])
	assert.Equal(t, true, pagination["hasMore"])
	assert.Len(t, body["data"], 1)

	res, _ = s.do(t, http.MethodGet, "/orders?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestGetOrder(t *testing.T) {
	s := newTestServer(t)
	o := sampleOrder()
	s.orders.getRes = o

	res, body := s.do(t, http.MethodGet, "/orders/"+o.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, o.OrderNumber, body["orderNumber"])

	pharmacy, ok := body["pharmacy"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Douala Pharmacy", pharmacy["name"])
	assert.NotNil(t, pharmacy["location"])

	res, _ = s.do(t, http.MethodGet, "/orders/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	s.orders.getErr = service.ErrNotFound
	res, _ = s.do(t, http.MethodGet, "/orders/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestUpdateOrder(t *testing.T) {
	s := newTestServer(t)
	o := sampleOrder()
	o.Notes = "call on arrival"
	s.orders.updateRes = o

	res, body := s.do(t, http.MethodPut, "/orders/"+o.ID.String(), map[string]any{"notes": "call on arrival"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "call on arrival", body["notes"])
	require.NotNil(t, s.orders.updateIn.Notes)
	assert.Nil(t, s.orders.updateIn.Status)

	s.orders.updateErr = fmt.Errorf("%w: pending -> ready", model.ErrInvalidStateTransition)
	res, _ = s.do(t, http.MethodPut, "/orders/"+o.ID.String(), map[string]any{"status": "ready"}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.NotNil(t, s.orders.updateIn.Status)
	assert.Equal(t, model.OrderStatusReady, *s.orders.updateIn.Status)
}

func TestCancelOrder(t *testing.T) {
	s := newTestServer(t)
	o := sampleOrder()
	o.Status = model.OrderStatusCancelled
	s.orders.cancelRes = o

	res, body := s.do(t, http.MethodDelete, "/orders/"+o.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	s.orders.cancelErr = fmt.Errorf("%w: completed -> cancelled", model.ErrInvalidStateTransition)
	res, _ = s.do(t, http.MethodDelete, "/orders/"+o.ID.String(), nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestInitializePayment(t *testing.T) {
	s := newTestServer(t)
	orderID := uuid.New()
	s.payments.initRes = &service.PaymentInit{
		OrderID: orderID, PaymentURL: "https://pay.example.test/abc", Reference: "PHARMA_1_ABCDEF12",
		Amount: decimal.NewFromInt(3000), Currency: "XAF", Processor: "notchpay",
	}

	res, body := s.do(t, http.MethodPost, "/payments/initialize", map[string]string{
		"orderId": orderID.String(), "email": "buyer@example.test",
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "https://pay.example.test/abc", body["paymentUrl"])
	assert.Equal(t, "PHARMA_1_ABCDEF12", body["reference"])

	res, _ = s.do(t, http.MethodPost, "/payments/initialize", map[string]string{"orderId": "nope"}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	s.payments.initErr = fmt.Errorf("%w: order %s", service.ErrAlreadyPaid, orderID)
	res, _ = s.do(t, http.MethodPost, "/payments/initialize", map[string]string{"orderId": orderID.String()}, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestVerifyPayment(t *testing.T) {
	s := newTestServer(t)
	paidAt := time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)
	s.payments.verifyRes = &service.Verification{
		Reference: "PHARMA_1_ABCDEF12", OrderID: uuid.New(), Status: model.PaymentStatusCompleted,
		Amount: decimal.NewFromInt(3000), Currency: "XAF", PaidAt: &paidAt,
	}

	res, body := s.do(t, http.MethodGet, "/payments/verify?reference=PHARMA_1_ABCDEF12", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "2026-05-01T12:30:00Z", body["paidAt"])
	assert.Equal(t, "PHARMA_1_ABCDEF12", s.payments.verifyRef)

	res, _ = s.do(t, http.MethodPost, "/payments/verify", map[string]string{"reference": " PHARMA_2 "}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "PHARMA_2", s.payments.verifyRef)
}

func TestVerifyPaymentGatewayErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "unavailable", err: fmt.Errorf("%w: status 503", gateway.ErrGatewayUnavailable), wantStatus: http.StatusBadGateway},
		{name: "timeout", err: fmt.Errorf("%w: %w", gateway.ErrGatewayUnavailable, context.DeadlineExceeded), wantStatus: http.StatusGatewayTimeout},
		{name: "rejected", err: fmt.Errorf("%w: status 400", gateway.ErrGatewayRejected), wantStatus: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.payments.verifyErr = tt.err

			res, _ := s.do(t, http.MethodGet, "/payments/verify?reference=PHARMA_1", nil, nil)
			assert.Equal(t, tt.wantStatus, res.StatusCode)
		})
	}
}

func TestPaymentCallback(t *testing.T) {
	raw := []byte(`{"event":"payment.complete","data":{"reference":"PHARMA_1"}}`)

	t.Run("default processor", func(t *testing.T) {
		s := newTestServer(t)
		s.token = ""
		s.payments.webhookRes = &service.WebhookOutcome{Event: "payment.complete", Reference: "PHARMA_1"}

		res, body := s.do(t, http.MethodPost, "/payments/callback", raw, map[string]string{"X-Notchpay-Signature": "abc"})
		require.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "", s.payments.webhookProcessor)
		assert.Equal(t, raw, s.payments.webhookBody)
		assert.Equal(t, "abc", s.payments.webhookSignature)
	})

	t.Run("named processor duplicate", func(t *testing.T) {
		s := newTestServer(t)
		s.payments.webhookRes = &service.WebhookOutcome{Event: "charge.success", Duplicate: true}

		res, body := s.do(t, http.MethodPost, "/payments/callback/paystack", raw, map[string]string{"X-Paystack-Signature": "def"})
		require.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, true, body["duplicate"])
		assert.Equal(t, "paystack", s.payments.webhookProcessor)
		assert.Equal(t, "def", s.payments.webhookSignature)
	})

	t.Run("bad signature", func(t *testing.T) {
		s := newTestServer(t)
		s.payments.webhookErr = service.ErrSignatureMismatch

		res, _ := s.do(t, http.MethodPost, "/payments/callback", raw, nil)
		assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	})

	t.Run("unknown processor", func(t *testing.T) {
		s := newTestServer(t)

		res, _ := s.do(t, http.MethodPost, "/payments/callback/paypal", raw, nil)
		assert.Equal(t, http.StatusNotFound, res.StatusCode)
		assert.Nil(t, s.payments.webhookBody)
	})
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	res, body := s.do(t, http.MethodGet, "/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "Not Found", body["error"])
}
