package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmalink/internal/gateway"
	"github.com/mmeshcher/pharmalink/internal/model"
	"github.com/mmeshcher/pharmalink/internal/repository"
)

const (
	testUserID   int64 = 42
	otherUserID  int64 = 7
	stubSecret         = "whsec_test"
	stubProvider       = "stub"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, eventType string, data any) error {
	args := m.Called(ctx, eventType, data)
	return args.Error(0)
}

func (m *mockPublisher) Close() error {
	return nil
}

// stubGateway отвечает заранее заданными результатами и считает вызовы.
type stubGateway struct {
	mu          sync.Mutex
	initErr     error
	verifyRes   *gateway.Result
	verifyErr   error
	initCalls   atomic.Int32
	verifyCalls atomic.Int32
}

func (g *stubGateway) Name() string { return stubProvider }

func (g *stubGateway) Initialize(_ context.Context, req gateway.InitRequest) (*gateway.InitResult, error) {
	g.initCalls.Add(1)
	if g.initErr != nil {
		return nil, g.initErr
	}
	return &gateway.InitResult{
		PaymentURL: "https://pay.example.test/" + req.Reference,
		Reference:  req.Reference,
		Raw:        json.RawMessage(`{"ok":true}`),
	}, nil
}

func (g *stubGateway) Verify(_ context.Context, reference string) (*gateway.Result, error) {
	g.verifyCalls.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	res := *g.verifyRes
	res.Reference = reference
	return &res, nil
}

func (g *stubGateway) setVerify(res *gateway.Result, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyRes, g.verifyErr = res, err
}

func (g *stubGateway) ValidateWebhookSignature(rawBody []byte, signature, secret string) bool {
	return gateway.ValidHMACSHA512(rawBody, signature, secret)
}

// ParseWebhook принимает тело вида {"event":"...","reference":"...","status":"...","amount":"..."}.
func (g *stubGateway) ParseWebhook(rawBody []byte) (*gateway.WebhookEvent, error) {
	var body struct {
		Event     string          `json:"event"`
		Reference string          `json:"reference"`
		Status    string          `json:"status"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, gateway.ErrMalformedWebhook
	}
	if body.Status == "" {
		return &gateway.WebhookEvent{Type: body.Event}, nil
	}
	return &gateway.WebhookEvent{
		Type:    body.Event,
		Handled: true,
		Result: gateway.Result{
			Reference: body.Reference,
			Status:    model.PaymentStatus(body.Status),
			Amount:    body.Amount,
			Raw:       rawBody,
		},
	}, nil
}

func (g *stubGateway) SignatureHeader() string { return "X-Stub-Signature" }

func (g *stubGateway) WebhookSecret() string { return stubSecret }

type fixture struct {
	store      *repository.MemoryRepository
	publisher  *mockPublisher
	gw         *stubGateway
	orders     *OrderService
	payments   *PaymentService
	pharmacyID int64
	paracetID  int64
	amoxID     int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := repository.NewMemoryRepository()
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	f := &fixture{store: store, publisher: pub, gw: &stubGateway{}}
	f.pharmacyID = store.SeedPharmacy(model.Pharmacy{Name: "Central Pharmacy", Address: "1 Main St"})
	f.paracetID = store.SeedMedication(model.Medication{Name: "Paracetamol 500mg"})
	f.amoxID = store.SeedMedication(model.Medication{Name: "Amoxicillin 250mg", RequiresPrescription: true})

	require.NoError(t, store.SeedInventory(model.InventoryRecord{
		PharmacyID: f.pharmacyID, MedicationID: f.paracetID,
		QuantityAvailable: 10, UnitPrice: decimal.RequireFromString("150.50"), Currency: "NGN",
	}))
	require.NoError(t, store.SeedInventory(model.InventoryRecord{
		PharmacyID: f.pharmacyID, MedicationID: f.amoxID,
		QuantityAvailable: 3, UnitPrice: decimal.RequireFromString("1200"), Currency: "NGN",
	}))

	registry := gateway.NewRegistry(stubProvider)
	registry.Register(f.gw)

	logger := zap.NewNop()
	f.orders = NewOrderService(store, NewLedger(), pub, nil, logger, "NGN")
	f.payments = NewPaymentService(store, registry, pub, nil, logger, PaymentConfig{
		BaseCurrency: "NGN",
		CallbackURL:  "https://shop.example.test/payments/return",
	})

	return f
}

func (f *fixture) stock(t *testing.T, medicationID int64) int {
	t.Helper()
	rec, ok := f.store.Inventory(f.pharmacyID, medicationID)
	require.True(t, ok)
	return rec.QuantityAvailable
}

func (f *fixture) createOrder(t *testing.T, items ...CreateOrderItem) *model.Order {
	t.Helper()
	o, err := f.orders.Create(context.Background(), testUserID, CreateOrderInput{
		PharmacyID: f.pharmacyID,
		Items:      items,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) initPayment(t *testing.T, o *model.Order) *PaymentInit {
	t.Helper()
	created, err := f.payments.Initialize(context.Background(), testUserID, InitializePaymentInput{
		OrderID: o.ID,
		Email:   "buyer@example.test",
	})
	require.NoError(t, err)
	return created
}
