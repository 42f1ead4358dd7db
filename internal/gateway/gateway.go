// Package gateway реализует адаптеры внешних платёжных процессоров.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pharmalink/internal/model"
)

var (
	// ErrGatewayUnavailable возвращается при сетевой ошибке, таймауте или ответе 5xx/429.
	// Такая ошибка не означает, что платёж не прошёл.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected возвращается, если процессор отклонил запрос (4xx).
	ErrGatewayRejected = errors.New("payment gateway rejected request")
	// ErrUnknownProcessor возвращается для незарегистрированного процессора.
	ErrUnknownProcessor = errors.New("unknown payment processor")
	// ErrMalformedWebhook возвращается, если тело вебхука не удалось разобрать.
	ErrMalformedWebhook = errors.New("malformed webhook payload")
)

// InitRequest содержит параметры создания платежа у процессора.
type InitRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	Email       string
	Name        string
	Phone       string
	Description string
	CallbackURL string
}

// InitResult содержит ссылку на страницу оплаты.
type InitResult struct {
	PaymentURL string
	Reference  string
	Raw        json.RawMessage
}

// Result описывает состояние платежа по данным процессора. Amount в основных единицах
// и заполнен только когда процессор указал валюту, MinorAmount хранит сумму как пришла.
type Result struct {
	Reference     string
	Status        model.PaymentStatus
	Amount        decimal.Decimal
	MinorAmount   decimal.Decimal
	Currency      string
	PaidAt        *time.Time
	FailureReason string
	Raw           json.RawMessage
}

// WebhookEvent описывает разобранное уведомление процессора.
// Handled равен false для событий, на которые сервис не реагирует.
type WebhookEvent struct {
	Type    string
	Handled bool
	Result  Result
}

// Gateway описывает адаптер одного платёжного процессора.
type Gateway interface {
	Name() string
	Initialize(ctx context.Context, req InitRequest) (*InitResult, error)
	Verify(ctx context.Context, reference string) (*Result, error)
	// ValidateWebhookSignature проверяет подпись над сырым, ещё не разобранным телом.
	ValidateWebhookSignature(rawBody []byte, signature, secret string) bool
	ParseWebhook(rawBody []byte) (*WebhookEvent, error)
	SignatureHeader() string
	WebhookSecret() string
}

// Registry хранит адаптеры, доступные по тегу процессора.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	def      string
}

// NewRegistry создаёт реестр с процессором по умолчанию defaultName.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		gateways: make(map[string]Gateway),
		def:      strings.ToLower(defaultName),
	}
}

// Register добавляет адаптер, заменяя ранее зарегистрированный с тем же именем.
func (r *Registry) Register(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[strings.ToLower(g.Name())] = g
}

// Get возвращает адаптер по тегу. Пустой тег означает процессор по умолчанию.
func (r *Registry) Get(name string) (Gateway, error) {
	if name == "" {
		name = r.def
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.gateways[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcessor, name)
	}
	return g, nil
}

// Default возвращает тег процессора по умолчанию.
func (r *Registry) Default() string {
	return r.def
}

// NewReference формирует идентификатор транзакции вида PHARMA_<ms>_<8 символов>.
func NewReference(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
	return "PHARMA_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + suffix
}
