package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmalink/internal/events"
	"github.com/mmeshcher/pharmalink/internal/gateway"
	"github.com/mmeshcher/pharmalink/internal/metrics"
	"github.com/mmeshcher/pharmalink/internal/model"
	"github.com/mmeshcher/pharmalink/internal/repository"
)

const (
	defaultGatewayTimeout = 10 * time.Second
	sweepBatchSize        = 50

	overpaidReason = "order already paid, refund required"
)

// PaymentConfig задаёт параметры сверки платежей.
type PaymentConfig struct {
	BaseCurrency   string
	CallbackURL    string
	GatewayTimeout time.Duration
	SweepInterval  time.Duration
	SweepAge       time.Duration
}

// InitializePaymentInput содержит данные плательщика для создания платежа.
type InitializePaymentInput struct {
	OrderID   uuid.UUID
	Processor string
	Email     string
	Name      string
	Phone     string
}

// PaymentInit описывает созданный у процессора платёж.
type PaymentInit struct {
	OrderID    uuid.UUID
	PaymentURL string
	Reference  string
	Amount     decimal.Decimal
	Currency   string
	Processor  string
}

// ApplyOutcome описывает результат применения статуса от процессора.
// RefundRequired означает повторную оплату уже оплаченного заказа.
type ApplyOutcome struct {
	Payment        model.Payment
	Applied        bool
	Duplicate      bool
	RefundRequired bool
}

// WebhookOutcome описывает результат обработки вебхука.
type WebhookOutcome struct {
	Event     string
	Reference string
	Ignored   bool
	Duplicate bool
}

// Verification содержит состояние платежа для ответа клиенту.
type Verification struct {
	Reference string
	OrderID   uuid.UUID
	Status    model.PaymentStatus
	Amount    decimal.Decimal
	Currency  string
	PaidAt    *time.Time
	Cached    bool
}

// PaymentService сводит вебхуки и запросы проверки к одному идемпотентному переходу.
type PaymentService struct {
	store    repository.Store
	gateways *gateway.Registry
	notifier notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      PaymentConfig
	now      func() time.Time
}

// NewPaymentService создаёт сервис платежей.
func NewPaymentService(
	store repository.Store,
	gateways *gateway.Registry,
	publisher events.Publisher,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg PaymentConfig,
) *PaymentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	cfg.BaseCurrency = strings.ToUpper(cfg.BaseCurrency)

	return &PaymentService{
		store:    store,
		gateways: gateways,
		notifier: notifier{publisher: publisher, metrics: m, logger: logger},
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Initialize создаёт платёж у процессора для ожидающего оплаты заказа пользователя.
// Процессор вызывается вне транзакции; строка платежа сохраняется после ответа.
func (s *PaymentService) Initialize(ctx context.Context, userID int64, in InitializePaymentInput) (_ *PaymentInit, err error) {
	ctx, span := startSpan(ctx, "PaymentService.Initialize",
		attribute.String("order.id", in.OrderID.String()),
		attribute.String("payment.processor", in.Processor),
	)
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("payment.initialize", start, err)
		endSpan(span, err)
	}()

	if in.OrderID == uuid.Nil {
		return nil, invalid("orderId", "is required")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, invalid("email", "must be a valid address")
	}

	g, err := s.gateways.Get(in.Processor)
	if err != nil {
		return nil, invalid("processor", "%v", err)
	}

	order, err := s.store.GetOrder(ctx, in.OrderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, in.OrderID)
		}
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, in.OrderID)
	}
	if err := payable(order); err != nil {
		return nil, err
	}

	currency := order.Currency
	if currency == "" {
		currency = s.cfg.BaseCurrency
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	callStart := time.Now()
	created, err := g.Initialize(gctx, gateway.InitRequest{
		Reference:   gateway.NewReference(s.now()),
		Amount:      order.TotalAmount,
		Currency:    currency,
		Email:       in.Email,
		Name:        in.Name,
		Phone:       in.Phone,
		Description: "PharmaLink order " + order.OrderNumber,
		CallbackURL: s.cfg.CallbackURL,
	})
	s.metrics.ObserveGatewayCall(g.Name(), "initialize", callStart, err)
	if err != nil {
		return nil, gatewayError(err)
	}

	payment := &model.Payment{
		ID:                uuid.New(),
		OrderID:           order.ID,
		Processor:         g.Name(),
		Reference:         created.Reference,
		Status:            model.PaymentStatusPending,
		Amount:            order.TotalAmount,
		Currency:          currency,
		ProcessorResponse: created.Raw,
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		o, err := tx.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := payable(o); err != nil {
			return err
		}
		paid, err := tx.HasCompletedPayment(ctx, o.ID)
		if err != nil {
			return err
		}
		if paid {
			return fmt.Errorf("%w: order %s", ErrAlreadyPaid, o.ID)
		}
		return tx.InsertPayment(ctx, payment)
	})
	if err != nil {
		s.logger.Error("store initialized payment error",
			zap.String("reference", created.Reference),
			zap.String("processor", g.Name()),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("payment initialized",
		zap.String("order_id", order.ID.String()),
		zap.String("reference", payment.Reference),
		zap.String("processor", payment.Processor),
	)

	return &PaymentInit{
		OrderID:    order.ID,
		PaymentURL: created.PaymentURL,
		Reference:  payment.Reference,
		Amount:     payment.Amount,
		Currency:   payment.Currency,
		Processor:  payment.Processor,
	}, nil
}

func payable(o *model.Order) error {
	if o.PaymentStatus == model.PaymentStatusCompleted {
		return fmt.Errorf("%w: order %s", ErrAlreadyPaid, o.ID)
	}
	if o.Status != model.OrderStatusPending {
		return fmt.Errorf("%w: order is %s, payment requires pending", model.ErrInvalidStateTransition, o.Status)
	}
	return nil
}

// HandleWebhook проверяет подпись над сырым телом и только затем разбирает и применяет событие.
// Пустой processor означает процессор по умолчанию.
func (s *PaymentService) HandleWebhook(ctx context.Context, processor string, rawBody []byte, signature string) (_ *WebhookOutcome, err error) {
	ctx, span := startSpan(ctx, "PaymentService.HandleWebhook", attribute.String("payment.processor", processor))
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("payment.webhook", start, err)
		endSpan(span, err)
	}()

	g, err := s.gateways.Get(processor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	if !g.ValidateWebhookSignature(rawBody, signature, g.WebhookSecret()) {
		s.metrics.WebhookReceived(g.Name(), metrics.WebhookRejected)
		s.logger.Warn("webhook signature mismatch",
			zap.String("processor", g.Name()),
			zap.Bool("signature_present", signature != ""),
		)
		return nil, ErrSignatureMismatch
	}

	ev, err := g.ParseWebhook(rawBody)
	if err != nil {
		s.metrics.WebhookReceived(g.Name(), metrics.WebhookRejected)
		return nil, invalid("body", "%v", err)
	}

	if !ev.Handled {
		s.metrics.WebhookReceived(g.Name(), metrics.WebhookIgnored)
		s.logger.Info("webhook event ignored", zap.String("processor", g.Name()), zap.String("event", ev.Type))
		return &WebhookOutcome{Event: ev.Type, Ignored: true}, nil
	}

	res, err := s.ApplyPaymentResult(ctx, ev.Result)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.metrics.WebhookReceived(g.Name(), metrics.WebhookIgnored)
			s.logger.Warn("webhook for unknown payment",
				zap.String("processor", g.Name()),
				zap.String("reference", ev.Result.Reference),
			)
			return &WebhookOutcome{Event: ev.Type, Reference: ev.Result.Reference, Ignored: true}, nil
		}
		return nil, err
	}

	if res.Duplicate {
		s.metrics.WebhookReceived(g.Name(), metrics.WebhookDuplicate)
	} else {
		s.metrics.WebhookReceived(g.Name(), metrics.WebhookApplied)
	}

	return &WebhookOutcome{
		Event:     ev.Type,
		Reference: ev.Result.Reference,
		Duplicate: res.Duplicate,
	}, nil
}

// Verify возвращает состояние платежа пользователя. Завершённый платёж отдаётся
// из базы без обращения к процессору, иначе статус запрашивается у процессора и применяется.
func (s *PaymentService) Verify(ctx context.Context, userID int64, reference string) (_ *Verification, err error) {
	ctx, span := startSpan(ctx, "PaymentService.Verify", attribute.String("payment.reference", reference))
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("payment.verify", start, err)
		endSpan(span, err)
	}()

	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, invalid("reference", "is required")
	}

	p, err := s.store.GetPaymentByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: payment %s", ErrNotFound, reference)
		}
		return nil, err
	}

	order, err := s.store.GetOrder(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("%w: payment %s", ErrNotFound, reference)
	}

	if p.Status == model.PaymentStatusCompleted {
		v := verification(p)
		v.Cached = true
		return v, nil
	}

	out, err := s.verifyWithGateway(ctx, p)
	if err != nil {
		return nil, err
	}

	return verification(&out.Payment), nil
}

// verifyWithGateway запрашивает статус у процессора без блокировок и применяет его.
func (s *PaymentService) verifyWithGateway(ctx context.Context, p *model.Payment) (*ApplyOutcome, error) {
	g, err := s.gateways.Get(p.Processor)
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	callStart := time.Now()
	res, err := g.Verify(gctx, p.Reference)
	s.metrics.ObserveGatewayCall(g.Name(), "verify", callStart, err)
	if err != nil {
		s.logger.Warn("gateway verify error",
			zap.String("processor", g.Name()),
			zap.String("reference", p.Reference),
			zap.Error(err),
		)
		return nil, gatewayError(err)
	}

	if res.Reference == "" {
		res.Reference = p.Reference
	}
	if res.Reference != p.Reference {
		return nil, fmt.Errorf("%w: processor returned reference %s for %s", gateway.ErrGatewayRejected, res.Reference, p.Reference)
	}

	return s.ApplyPaymentResult(ctx, *res)
}

// ApplyPaymentResult применяет статус от процессора к платежу и заказу в одной транзакции
// под блокировкой строки платежа. Повторное применение к завершённому платежу ничего не меняет.
func (s *PaymentService) ApplyPaymentResult(ctx context.Context, res gateway.Result) (_ *ApplyOutcome, err error) {
	ctx, span := startSpan(ctx, "PaymentService.ApplyPaymentResult",
		attribute.String("payment.reference", res.Reference),
		attribute.String("payment.result", string(res.Status)),
	)
	defer func() { endSpan(span, err) }()

	var (
		out       ApplyOutcome
		confirmed *model.Order
		failed    bool
	)

	err = s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		out = ApplyOutcome{}
		confirmed = nil
		failed = false

		p, err := tx.LockPaymentByReference(ctx, res.Reference)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%w: payment %s", ErrNotFound, res.Reference)
			}
			return err
		}

		if p.Status.IsTerminal() {
			out.Payment = *p
			out.Duplicate = true
			return nil
		}

		switch res.Status {
		case model.PaymentStatusCompleted:
			paid, err := tx.HasCompletedPayment(ctx, p.OrderID)
			if err != nil {
				return err
			}
			if paid {
				if err := s.overpaid(ctx, tx, p, res); err != nil {
					return err
				}
				out.RefundRequired = true
				break
			}
			o, err := s.complete(ctx, tx, p, res)
			if err != nil {
				return err
			}
			confirmed = o
		case model.PaymentStatusFailed, model.PaymentStatusCancelled, model.PaymentStatusRefunded:
			if err := s.fail(ctx, tx, p, res); err != nil {
				return err
			}
			failed = res.Status != model.PaymentStatusRefunded
		default:
			if p.Status != model.PaymentStatusPending {
				out.Payment = *p
				return nil
			}
			p.Status = model.PaymentStatusProcessing
			if len(res.Raw) > 0 {
				p.ProcessorResponse = res.Raw
			}
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
		}

		out.Payment = *p
		out.Applied = true
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrPaymentAlreadyCompleted) {
			err = fmt.Errorf("%w: %v", ErrAlreadyPaid, err)
		}
		return nil, err
	}

	p := out.Payment
	switch {
	case out.RefundRequired:
		s.logger.Error("second completed payment for order, refund required",
			zap.String("reference", p.Reference),
			zap.String("order_id", p.OrderID.String()),
			zap.String("amount", res.AmountFor(p.Currency).StringFixed(2)),
		)
	case out.Duplicate:
		s.logger.Info("duplicate payment result ignored",
			zap.String("reference", p.Reference),
			zap.String("status", string(p.Status)),
			zap.String("result", string(res.Status)),
		)
	case confirmed != nil:
		s.logger.Info("payment completed",
			zap.String("reference", p.Reference),
			zap.String("order_id", p.OrderID.String()),
			zap.String("order_status", string(confirmed.Status)),
		)
		if confirmed.Status == model.OrderStatusConfirmed {
			s.notifier.publish(ctx, events.OrderConfirmed, orderEvent(confirmed))
		}
	case failed:
		s.logger.Info("payment not completed",
			zap.String("reference", p.Reference),
			zap.String("status", string(p.Status)),
			zap.String("reason", p.FailureReason),
		)
		s.notifier.publish(ctx, events.PaymentFailed, events.PaymentEvent{
			OrderID:       p.OrderID,
			Reference:     p.Reference,
			Processor:     p.Processor,
			Status:        string(p.Status),
			Amount:        p.Amount,
			Currency:      p.Currency,
			FailureReason: p.FailureReason,
		})
	}

	return &out, nil
}

// overpaid закрывает платёж, пришедший для уже оплаченного заказа. Деньги списаны,
// но второй завершённый платёж на заказ невозможен, поэтому платёж помечается failed.
func (s *PaymentService) overpaid(ctx context.Context, tx repository.Tx, p *model.Payment, res gateway.Result) error {
	processedAt := s.now()
	if res.PaidAt != nil {
		processedAt = *res.PaidAt
	}

	p.Status = model.PaymentStatusFailed
	p.FailureReason = overpaidReason
	p.ProcessedAt = &processedAt
	if len(res.Raw) > 0 {
		p.ProcessorResponse = res.Raw
	}
	return tx.UpdatePayment(ctx, p)
}

// complete завершает платёж и подтверждает заказ. Вызывается под блокировкой платежа.
func (s *PaymentService) complete(ctx context.Context, tx repository.Tx, p *model.Payment, res gateway.Result) (*model.Order, error) {
	o, err := tx.LockOrder(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}

	amount := p.Amount
	if reported := res.AmountFor(p.Currency); reported.IsPositive() {
		amount = reported
	}
	if res.Currency != "" && !strings.EqualFold(res.Currency, p.Currency) {
		s.logger.Warn("payment currency mismatch",
			zap.String("reference", p.Reference),
			zap.String("expected", p.Currency),
			zap.String("reported", res.Currency),
		)
	} else if amount.LessThan(p.Amount) {
		s.logger.Warn("payment amount below order total",
			zap.String("reference", p.Reference),
			zap.String("expected", p.Amount.StringFixed(2)),
			zap.String("reported", amount.StringFixed(2)),
		)
	}

	processedAt := s.now()
	if res.PaidAt != nil {
		processedAt = *res.PaidAt
	}

	p.Status = model.PaymentStatusCompleted
	p.FailureReason = ""
	p.ProcessedAt = &processedAt
	if len(res.Raw) > 0 {
		p.ProcessorResponse = res.Raw
	}
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}

	switch o.Status {
	case model.OrderStatusPending:
		if err := model.ValidateOrderTransition(o.Status, model.OrderStatusConfirmed); err != nil {
			return nil, err
		}
		o.Status = model.OrderStatusConfirmed
	case model.OrderStatusCancelled:
		s.logger.Error("payment completed for cancelled order, refund required",
			zap.String("reference", p.Reference),
			zap.String("order_id", o.ID.String()),
			zap.String("amount", amount.StringFixed(2)),
		)
	}

	o.PaymentStatus = model.PaymentStatusCompleted
	o.AmountPaid = decimal.NewNullDecimal(amount)
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}

	return o, nil
}

// fail сохраняет неуспешный итог платежа. Заказ остаётся в своём статусе вместе с резервом.
func (s *PaymentService) fail(ctx context.Context, tx repository.Tx, p *model.Payment, res gateway.Result) error {
	processedAt := s.now()

	p.Status = res.Status
	p.FailureReason = res.FailureReason
	p.ProcessedAt = &processedAt
	if len(res.Raw) > 0 {
		p.ProcessorResponse = res.Raw
	}
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return err
	}

	o, err := tx.LockOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if o.PaymentStatus == model.PaymentStatusCompleted {
		return nil
	}
	o.PaymentStatus = res.Status
	return tx.UpdateOrder(ctx, o)
}

// StartSweep запускает периодическую проверку зависших платежей через тот же переход,
// что и вебхуки. Остатки при этом не освобождаются.
func (s *PaymentService) StartSweep(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepOnce(ctx)
			}
		}
	}()
}

func (s *PaymentService) sweepOnce(ctx context.Context) int {
	age := s.cfg.SweepAge
	if age <= 0 {
		age = 5 * time.Minute
	}

	stale, err := s.store.ListStalePayments(ctx, s.now().Add(-age), sweepBatchSize)
	if err != nil {
		s.logger.Warn("list stale payments error", zap.Error(err))
		return 0
	}

	applied := 0
	for i := range stale {
		if ctx.Err() != nil {
			return applied
		}
		out, err := s.verifyWithGateway(ctx, &stale[i])
		if err != nil {
			if !errors.Is(err, gateway.ErrGatewayUnavailable) {
				s.logger.Warn("sweep verify error", zap.String("reference", stale[i].Reference), zap.Error(err))
			}
			continue
		}
		if out.Applied {
			applied++
		}
	}

	return applied
}

func verification(p *model.Payment) *Verification {
	v := &Verification{
		Reference: p.Reference,
		OrderID:   p.OrderID,
		Status:    p.Status,
		Amount:    p.Amount,
		Currency:  p.Currency,
	}
	if p.Status == model.PaymentStatusCompleted {
		v.PaidAt = p.ProcessedAt
	}
	return v
}

// gatewayError сводит истечение таймаута к ErrGatewayUnavailable.
func gatewayError(err error) error {
	if errors.Is(err, gateway.ErrGatewayUnavailable) || errors.Is(err, gateway.ErrGatewayRejected) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", gateway.ErrGatewayUnavailable, err)
	}
	return err
}

// SignatureHeader возвращает имя заголовка подписи вебхука для процессора.
func (s *PaymentService) SignatureHeader(processor string) (string, error) {
	g, err := s.gateways.Get(processor)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return g.SignatureHeader(), nil
}
