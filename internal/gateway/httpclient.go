package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

// HTTPConfig задаёт параметры исходящих запросов к процессорам.
type HTTPConfig struct {
	Timeout  time.Duration
	RetryMax int
}

// NewHTTPClient создаёт HTTP-клиент с пулом соединений и повтором сетевых ошибок и ответов 5xx.
// По умолчанию повторов нет: решение о повторе проверки принимает вызывающая сторона.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *http.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if logger != nil {
		rc.Logger = leveledLogger{l: logger.Sugar()}
	} else {
		rc.Logger = nil
	}

	return rc.StandardClient()
}

type leveledLogger struct {
	l *zap.SugaredLogger
}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Errorw(msg, kv...) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Debugw(msg, kv...) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Debugw(msg, kv...) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warnw(msg, kv...) }

// apiClient выполняет JSON-запросы к API процессора.
type apiClient struct {
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
}

func newAPIClient(baseURL string, headers map[string]string, httpClient *http.Client) *apiClient {
	if httpClient == nil {
		httpClient = NewHTTPClient(HTTPConfig{}, nil)
	}

	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	return &apiClient{
		baseURL:    base,
		headers:    headers,
		httpClient: httpClient,
	}
}

// do отправляет запрос и возвращает сырое тело ответа 2xx.
// Сетевые ошибки, 5xx и 429 заворачиваются в ErrGatewayUnavailable, прочие 4xx в ErrGatewayRejected.
func (c *apiClient) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, errorMessage(raw))
	}

	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid JSON response", ErrGatewayUnavailable)
	}

	return raw, nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(raw))
}

// IsUnavailable сообщает, что ошибку можно повторить позже.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
