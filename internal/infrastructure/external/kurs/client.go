package kurs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/domain/allowance"
)

var (
	// ErrProviderNotConfigured is returned when no base URL is set
	ErrProviderNotConfigured = errors.New("fx provider not configured")

	// ErrProviderStatus is returned for non-2xx responses
	ErrProviderStatus = errors.New("fx provider returned an error status")

	// ErrRateMissing is returned when the body carries no usable rate
	ErrRateMissing = errors.New("fx rate missing from provider response")

	// ErrProviderUnavailable is returned while the circuit breaker is open
	ErrProviderUnavailable = errors.New("fx provider temporarily unavailable")
)

const ratePath = "/api/usd-rate"

// maxBodyBytes bounds how much of a response is read
const maxBodyBytes = 1 << 20

// BreakerConfig tunes the circuit breaker around the provider
type BreakerConfig struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Breaker BreakerConfig
}

// Client fetches USD/IDR rates from the Kurs API
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewClient creates a Kurs API client. An empty BaseURL yields a client
// whose FetchRate always returns ErrProviderNotConfigured.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Breaker.ConsecutiveFailures == 0 {
		cfg.Breaker.ConsecutiveFailures = 5
	}
	if cfg.Breaker.OpenTimeout <= 0 {
		cfg.Breaker.OpenTimeout = 30 * time.Second
	}
	if cfg.Breaker.HalfOpenRequests == 0 {
		cfg.Breaker.HalfOpenRequests = 1
	}

	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}

	trip := cfg.Breaker.ConsecutiveFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kurs-api",
		MaxRequests: cfg.Breaker.HalfOpenRequests,
		Timeout:     cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		// A missing rate or a cancelled lookup says nothing about provider health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRateMissing) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("FX provider circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return c
}

// Enabled reports whether a provider URL is configured
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// BreakerState returns the circuit breaker state for health reporting
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// FetchRate looks up the USD/IDR mid-rate for date (YYYY-MM-DD)
func (c *Client) FetchRate(ctx context.Context, date string) (allowance.FxSnapshot, error) {
	if !c.Enabled() {
		return allowance.FxSnapshot{}, ErrProviderNotConfigured
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, date)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Warn("FX lookup rejected by circuit breaker", zap.String("date", date))
		return allowance.FxSnapshot{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if err != nil {
		return allowance.FxSnapshot{}, err
	}

	return result.(allowance.FxSnapshot), nil
}

func (c *Client) fetch(ctx context.Context, date string) (allowance.FxSnapshot, error) {
	endpoint := c.baseURL + ratePath + "?date=" + url.QueryEscape(date)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return allowance.FxSnapshot{}, fmt.Errorf("failed to build fx request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("FX request failed", zap.String("date", date), zap.Error(err))
		return allowance.FxSnapshot{}, fmt.Errorf("fx request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("FX provider error status",
			zap.String("date", date),
			zap.Int("status", resp.StatusCode))
		return allowance.FxSnapshot{}, fmt.Errorf("%w: HTTP %d", ErrProviderStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return allowance.FxSnapshot{}, fmt.Errorf("failed to read fx response: %w", err)
	}

	snap, err := ParseRateResponse(body, date)
	if err != nil {
		c.logger.Warn("FX response unusable", zap.String("date", date), zap.Error(err))
		return allowance.FxSnapshot{}, err
	}

	c.logger.Info("FX rate resolved",
		zap.String("date", snap.AsOf),
		zap.Float64("mid", snap.Mid),
		zap.String("source", snap.Source))
	return snap, nil
}

// rateFields are the candidate rate keys, in priority order
var rateFields = []string{"mid", "rate", "value", "usd_idr"}

// ParseRateResponse extracts a snapshot from a provider body. Rate fields
// are tried in order mid, rate, value, usd_idr, data.rate; the first JSON
// number above zero wins. The date falls back from date to data.date to
// the requested date. Fields of an unexpected type are ignored rather than
// failing the body.
func ParseRateResponse(body []byte, requestedDate string) (allowance.FxSnapshot, error) {
	var r map[string]interface{}
	if err := json.Unmarshal(body, &r); err != nil {
		return allowance.FxSnapshot{}, fmt.Errorf("%w: invalid JSON: %v", ErrRateMissing, err)
	}

	candidates := make([]interface{}, 0, len(rateFields)+1)
	for _, key := range rateFields {
		candidates = append(candidates, r[key])
	}
	data, _ := r["data"].(map[string]interface{})
	candidates = append(candidates, data["rate"])

	mid := 0.0
	for _, c := range candidates {
		if n, ok := c.(float64); ok && n > 0 {
			mid = n
			break
		}
	}
	if mid == 0 {
		return allowance.FxSnapshot{}, ErrRateMissing
	}

	asOf := firstNonEmpty(stringField(r, "date"), stringField(data, "date"), requestedDate)
	return allowance.FxSnapshot{Mid: mid, AsOf: asOf, Source: stringField(r, "source")}.WithDefaults(requestedDate), nil
}

// stringField returns m[key] when it is a string, "" otherwise
func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ port.FxProvider = (*Client)(nil)
