// Package main запускает HTTP-сервер сервиса заказов PharmaLink.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/pharmalink/internal/config"
	"github.com/mmeshcher/pharmalink/internal/events"
	"github.com/mmeshcher/pharmalink/internal/gateway"
	"github.com/mmeshcher/pharmalink/internal/handler"
	"github.com/mmeshcher/pharmalink/internal/metrics"
	"github.com/mmeshcher/pharmalink/internal/middleware"
	"github.com/mmeshcher/pharmalink/internal/repository"
	"github.com/mmeshcher/pharmalink/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	logger = logger.With(zap.String("service", cfg.ServiceName))
	sugar = logger.Sugar()

	store, err := newStore(cfg, sugar)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer store.Close()

	publisher := newPublisher(cfg, logger)
	defer publisher.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	httpClient := gateway.NewHTTPClient(gateway.HTTPConfig{
		Timeout:  cfg.GatewayTimeout,
		RetryMax: cfg.GatewayRetryMax,
	}, logger)

	gateways := gateway.NewRegistry(cfg.DefaultProcessor)
	gateways.Register(gateway.NewNotchPay(gateway.NotchPayConfig{
		PublicKey:     cfg.NotchPay.PublicKey,
		SecretKey:     cfg.NotchPay.SecretKey,
		WebhookSecret: cfg.NotchPay.WebhookSecret,
		BaseURL:       cfg.NotchPay.BaseURL,
	}, httpClient))
	gateways.Register(gateway.NewPaystack(gateway.PaystackConfig{
		SecretKey:     cfg.Paystack.SecretKey,
		WebhookSecret: cfg.Paystack.WebhookSecret,
		BaseURL:       cfg.Paystack.BaseURL,
	}, httpClient))

	orders := service.NewOrderService(store, service.NewLedger(), publisher, m, logger, cfg.BaseCurrency)
	payments := service.NewPaymentService(store, gateways, publisher, m, logger, service.PaymentConfig{
		BaseCurrency:   cfg.BaseCurrency,
		CallbackURL:    cfg.CallbackURL,
		GatewayTimeout: cfg.GatewayTimeout,
		SweepInterval:  cfg.SweepInterval,
		SweepAge:       cfg.SweepAge,
	})

	if cfg.AuthSecret == "" {
		sugar.Warnw("AUTH_SECRET is not set, bearer tokens will be rejected")
	}
	authMiddleware := middleware.NewAuthMiddleware(middleware.NewHMACResolver(cfg.AuthSecret))
	h := handler.NewHandler(orders, payments, logger, authMiddleware, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая сверка зависших платежей
	g.Go(func() error {
		payments.StartSweep(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting pharmalink server",
			"addr", cfg.RunAddress,
			"default_processor", cfg.DefaultProcessor,
			"base_currency", cfg.BaseCurrency,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func newStore(cfg *config.Config, sugar *zap.SugaredLogger) (repository.Store, error) {
	if cfg.DatabaseURI == "" {
		mem := repository.NewMemoryRepository()
		pharmacyID, err := mem.SeedDevCatalog(cfg.BaseCurrency)
		if err != nil {
			return nil, fmt.Errorf("seed dev catalog: %w", err)
		}
		sugar.Warnw("DATABASE_URI is not set, using in-memory store with dev catalog",
			"pharmacy_id", pharmacyID,
		)
		return mem, nil
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI)
}

func newPublisher(cfg *config.Config, logger *zap.Logger) events.Publisher {
	if cfg.AMQPURL == "" {
		return events.NopPublisher{}
	}

	pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	if err != nil {
		logger.Warn("amqp publisher unavailable, events disabled", zap.Error(err))
		return events.NopPublisher{}
	}
	return pub
}
