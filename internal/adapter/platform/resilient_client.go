package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/hive-corporation/ioc-connectors/internal/observability"
)

// ResilientClient wraps an HTTP client with circuit breaker and retry logic
type ResilientClient struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	config  ResilientClientConfig
}

// ResilientClientConfig holds configuration for the resilient client
type ResilientClientConfig struct {
	// Circuit breaker settings
	EnableCircuitBreaker bool
	MaxFailures          uint32
	CircuitTimeout       time.Duration

	// Retry settings
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Name identifies the breaker in logs
	Name   string
	Logger *zap.Logger
}

// StatusError is returned for a response that is not retried (4xx) or that
// still failed once retries were exhausted.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// DefaultResilientClientConfig returns default configuration values
func DefaultResilientClientConfig() ResilientClientConfig {
	return ResilientClientConfig{
		EnableCircuitBreaker: getEnvBool("PLATFORM_CIRCUIT_BREAKER_ENABLED", true),
		MaxFailures:          uint32(getEnvInt("PLATFORM_CIRCUIT_BREAKER_MAX_FAILURES", 5)),
		CircuitTimeout:       time.Duration(getEnvInt("PLATFORM_CIRCUIT_BREAKER_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxRetries:           getEnvInt("PLATFORM_RETRY_MAX_ATTEMPTS", 3),
		InitialInterval:      time.Duration(getEnvInt("PLATFORM_RETRY_INITIAL_INTERVAL_MS", 500)) * time.Millisecond,
		MaxInterval:          time.Duration(getEnvInt("PLATFORM_RETRY_MAX_INTERVAL_MS", 5000)) * time.Millisecond,
		Name:                 "platform-api",
	}
}

// NewResilientClient creates a new resilient HTTP client
func NewResilientClient(timeout time.Duration, config ResilientClientConfig) *ResilientClient {
	client := &http.Client{
		Timeout: timeout,
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "platform-api"
	}

	var breaker *gobreaker.CircuitBreaker
	if config.EnableCircuitBreaker {
		logger := config.Logger
		settings := gobreaker.Settings{
			Name:        config.Name,
			MaxRequests: 1,
			Interval:    0, // Don't reset counts automatically
			Timeout:     config.CircuitTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= config.MaxFailures
			},
			IsSuccessful: func(err error) bool {
				// A rejected request (4xx) says nothing about the platform's health.
				var se *StatusError
				if errors.As(err, &se) && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
					return true
				}
				return err == nil
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
				if to == gobreaker.StateOpen {
					observability.RecordPlatformError("circuit_open")
				}
			},
		}
		breaker = gobreaker.NewCircuitBreaker(settings)
	}

	return &ResilientClient{
		client:  client,
		breaker: breaker,
		config:  config,
	}
}

// Do executes an HTTP request with circuit breaker and retry logic
func (c *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	// If circuit breaker is disabled, just do the request with retry
	if c.breaker == nil {
		return c.doWithRetry(req)
	}

	// Execute through circuit breaker
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doWithRetry(req)
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.RecordPlatformError("circuit_open")
			return nil, fmt.Errorf("circuit breaker is open: %w", err)
		}
		return nil, err
	}

	return result.(*http.Response), nil
}

// doWithRetry executes an HTTP request with exponential backoff retry logic
func (c *ResilientClient) doWithRetry(req *http.Request) (*http.Response, error) {
	// If max retries is 0, just do a single attempt
	if c.config.MaxRetries == 0 {
		resp, err := c.client.Do(req)
		if err != nil {
			observability.RecordPlatformError("connection")
			return nil, err
		}
		// Check for error status codes
		if resp.StatusCode >= 400 {
			c.recordErrorFromResponse(resp)
			resp.Body.Close()
			return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		return resp, nil
	}

	// The body is replayed on every attempt
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	// Configure exponential backoff
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.config.InitialInterval
	expBackoff.MaxInterval = c.config.MaxInterval
	expBackoff.Multiplier = 2.0
	expBackoff.MaxElapsedTime = 0 // No max elapsed time, only max retries

	// Wrap with max retries
	retryBackoff := backoff.WithMaxRetries(expBackoff, uint64(c.config.MaxRetries))

	// Create a context-aware backoff
	ctx := req.Context()
	retryBackoff = backoff.WithContext(retryBackoff, ctx)

	var resp *http.Response
	var lastErr error

	operation := func() error {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		var err error
		resp, err = c.client.Do(req)
		if err != nil {
			lastErr = err
			observability.RecordPlatformError("connection")
			if c.shouldRetry(err, nil) {
				return err // Retry
			}
			return backoff.Permanent(err) // Don't retry
		}

		// Check if response indicates we should retry
		if c.shouldRetry(nil, resp) {
			lastErr = &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
			c.recordErrorFromResponse(resp)
			resp.Body.Close()
			return lastErr // Retry
		}

		if resp.StatusCode >= 400 {
			c.recordErrorFromResponse(resp)
			resp.Body.Close()
			lastErr = &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
			return backoff.Permanent(lastErr) // Don't retry 4xx
		}

		return nil
	}

	if err := backoff.Retry(operation, retryBackoff); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, fmt.Errorf("request failed after retries: %w", lastErr)
	}

	return resp, nil
}

// shouldRetry determines if an error or response should trigger a retry
func (c *ResilientClient) shouldRetry(err error, resp *http.Response) bool {
	// Retry on network errors or timeouts
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		if strings.Contains(err.Error(), "connection refused") ||
			strings.Contains(err.Error(), "connection reset") ||
			strings.Contains(err.Error(), "EOF") {
			return true
		}
		return false
	}

	// Retry on specific HTTP status codes
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusTooManyRequests, // 429
			http.StatusServiceUnavailable,  // 503
			http.StatusGatewayTimeout,      // 504
			http.StatusBadGateway,          // 502
			http.StatusInternalServerError: // 500
			return true
		}
	}

	return false
}

// recordErrorFromResponse records the appropriate error metric based on response status
func (c *ResilientClient) recordErrorFromResponse(resp *http.Response) {
	if resp == nil {
		return
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		observability.RecordPlatformError("auth")
	case http.StatusTooManyRequests:
		observability.RecordPlatformError("rate_limit")
	case http.StatusRequestTimeout:
		observability.RecordPlatformError("timeout")
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		observability.RecordPlatformError("server_error")
	default:
		observability.RecordPlatformError("http_error")
	}
}

// getEnvInt reads an integer from environment variable or returns default
func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool reads a boolean from environment variable or returns default
func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
