package predictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"
)

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (default: 2)
	MaxRetries int

	// InitialDelay is the initial backoff delay (default: 1 second)
	InitialDelay time.Duration

	// MaxDelay is the maximum backoff delay (default: 10 seconds)
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (default: 2.0 for exponential)
	Multiplier float64

	// RespectRetryAfter uses the Retry-After header if available (default: true)
	RespectRetryAfter bool

	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool

	// Logger receives rate limit notices. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultRetryConfig returns defaults sized for a prediction cycle: a couple of
// quick retries rather than minutes of waiting.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		Multiplier:        2.0,
		RespectRetryAfter: true,
	}
}

// RetryWithBackoff executes fn with exponential backoff and returns its result.
// Rate limit errors (HTTP 429) honor their Retry-After delay.
//
// Example usage:
//
//	pred, err := RetryWithBackoff(ctx, DefaultRetryConfig(), func(ctx context.Context) (*Prediction, error) {
//	    return client.predictOnce(ctx, req)
//	})
func RetryWithBackoff[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	var lastErr error
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-timer.C:
			}
		}

		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		result = res
		lastErr = err

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return result, err
		}
		if ctx.Err() != nil {
			return result, fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
		if attempt == cfg.MaxRetries {
			break
		}

		// delay = min(InitialDelay * Multiplier^attempt, MaxDelay)
		delay = time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt)))
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}

		var rle *RateLimitError
		if errors.As(err, &rle) {
			if cfg.RespectRetryAfter && rle.RetryAfter > 0 {
				delay = rle.RetryAfter
			}
			if rle.Headers.Remaining >= 0 {
				logger.Warn("rate limit hit",
					slog.Int("remaining", rle.Headers.Remaining),
					slog.Int("limit", rle.Headers.Limit),
					slog.Time("reset", rle.Headers.Reset))
			}
		}
	}

	return result, fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}

// RateLimitError represents an HTTP 429 rate limit error with retry information.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Headers    RateLimitHeaders
}

// RateLimitHeaders contains rate limit information from response headers.
type RateLimitHeaders struct {
	Limit     int       // X-RateLimit-Limit: maximum requests allowed
	Remaining int       // X-RateLimit-Remaining: requests left in the current window
	Reset     time.Time // X-RateLimit-Reset: when the window resets
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %v)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// parseRetryAfter extracts the Retry-After header value.
// Supports both delay-seconds and HTTP-date formats; returns 0 if absent.
func parseRetryAfter(headers http.Header) time.Duration {
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if retryTime, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(retryTime); d > 0 {
			return d
		}
	}
	return 0
}

// headerInt returns the first parsable integer among the named headers, or -1.
func headerInt(headers http.Header, names ...string) int64 {
	for _, name := range names {
		if v := headers.Get(name); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return -1
}

// extractRateLimitHeaders reads the common rate limit headers from a response.
func extractRateLimitHeaders(headers http.Header) RateLimitHeaders {
	rlh := RateLimitHeaders{
		Limit:     int(headerInt(headers, "X-Rate-Limit-Limit", "X-RateLimit-Limit")),
		Remaining: int(headerInt(headers, "X-Rate-Limit-Remaining", "X-RateLimit-Remaining")),
	}
	if reset := headerInt(headers, "X-Rate-Limit-Reset", "X-RateLimit-Reset"); reset >= 0 {
		rlh.Reset = time.Unix(reset, 0)
	}
	return rlh
}
