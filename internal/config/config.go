// Package config содержит логику чтения конфигурации сервиса PharmaLink.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// NotchPay содержит ключи процессора NotchPay.
type NotchPay struct {
	PublicKey     string `env:"PUBLIC_KEY"`
	SecretKey     string `env:"SECRET_KEY"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	BaseURL       string `env:"BASE_URL"`
}

// Paystack содержит ключи процессора Paystack.
type Paystack struct {
	SecretKey     string `env:"SECRET_KEY"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	BaseURL       string `env:"BASE_URL"`
}

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	AuthSecret  string `env:"AUTH_SECRET"`

	ServiceName      string `env:"SERVICE_NAME" envDefault:"pharmalink"`
	BaseCurrency     string `env:"BASE_CURRENCY" envDefault:"XAF"`
	DefaultProcessor string `env:"DEFAULT_PAYMENT_PROCESSOR" envDefault:"notchpay"`
	CallbackURL      string `env:"PAYMENT_CALLBACK_URL"`

	GatewayTimeout  time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
	GatewayRetryMax int           `env:"GATEWAY_RETRY_MAX" envDefault:"0"`

	NotchPay NotchPay `envPrefix:"NOTCHPAY_"`
	Paystack Paystack `envPrefix:"PAYSTACK_"`

	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"pharmalink.events"`

	SweepInterval time.Duration `env:"PAYMENT_SWEEP_INTERVAL" envDefault:"0s"`
	SweepAge      time.Duration `env:"PAYMENT_SWEEP_AGE" envDefault:"5m"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.AuthSecret, "k", "", "secret for bearer token signatures")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	cfg.BaseCurrency = strings.ToUpper(strings.TrimSpace(cfg.BaseCurrency))
	cfg.DefaultProcessor = strings.ToLower(strings.TrimSpace(cfg.DefaultProcessor))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.BaseCurrency) != 3 {
		return fmt.Errorf("BASE_CURRENCY must be a 3-letter code, got %q", c.BaseCurrency)
	}
	switch c.DefaultProcessor {
	case "notchpay", "paystack":
	default:
		return fmt.Errorf("DEFAULT_PAYMENT_PROCESSOR must be notchpay or paystack, got %q", c.DefaultProcessor)
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive, got %s", c.GatewayTimeout)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("PAYMENT_SWEEP_INTERVAL must not be negative, got %s", c.SweepInterval)
	}
	return nil
}
