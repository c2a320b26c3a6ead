package data

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultTimeout is the default HTTP timeout.
const DefaultTimeout = 30 * time.Second

// APIError represents a non-200 response from a market data API.
type APIError struct {
	Source     string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: %s (status: %d)", e.Source, e.Message, e.StatusCode)
}

// retryable reports whether the status is worth another attempt.
func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// httpFetcher performs rate-limited GETs with exponential backoff on
// transport errors, 429s and 5xx responses.
type httpFetcher struct {
	source     string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
	logger     *zap.Logger
}

func newHTTPFetcher(source string, requestsPerSecond float64, logger *zap.Logger) *httpFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &httpFetcher{
		source:     source,
		client:     &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		maxRetries: 3,
		logger:     logger,
	}
}

// getJSON fetches url and decodes the JSON body into out.
func (f *httpFetcher) getJSON(ctx context.Context, url string, out interface{}) error {
	op := func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("User-Agent", "Mozilla/5.0")

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("failed to execute request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			apiErr := &APIError{Source: f.source, StatusCode: resp.StatusCode, Message: string(body)}
			if apiErr.retryable() {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		f.logger.Debug("Retrying market data request",
			zap.String("source", f.source), zap.Duration("wait", wait), zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.maxRetries), ctx)
	return backoff.RetryNotify(op, policy, notify)
}
