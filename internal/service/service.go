// Package service реализует резервирование остатков, жизненный цикл заказов и сверку платежей.
package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmalink/internal/events"
	"github.com/mmeshcher/pharmalink/internal/metrics"
)

const publishTimeout = 2 * time.Second

var tracer = otel.Tracer("github.com/mmeshcher/pharmalink/internal/service")

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// notifier публикует события после фиксации транзакции. Ошибки публикации
// не влияют на результат операции.
type notifier struct {
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func (n notifier) publish(ctx context.Context, eventType string, data any) {
	if n.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := n.publisher.Publish(ctx, eventType, data); err != nil {
		n.metrics.EventPublishFailed(eventType)
		n.logger.Warn("publish event error", zap.String("event", eventType), zap.Error(err))
	}
}
