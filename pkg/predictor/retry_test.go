package predictor

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func fastRetry(retries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   retries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// retryErr runs an error-only operation through RetryWithBackoff.
func retryErr(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	_, err := RetryWithBackoff(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// TestRetryWithBackoff tests basic retry logic.
func TestRetryWithBackoff(t *testing.T) {
	t.Run("Success on first attempt", func(t *testing.T) {
		attempts := 0
		err := retryErr(context.Background(), fastRetry(2), func(context.Context) error {
			attempts++
			return nil
		})
		if err != nil {
			t.Errorf("Expected no error, got: %v", err)
		}
		if attempts != 1 {
			t.Errorf("Expected 1 attempt, got %d", attempts)
		}
	})

	t.Run("Success after retries", func(t *testing.T) {
		attempts := 0
		err := retryErr(context.Background(), fastRetry(3), func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		})
		if err != nil {
			t.Errorf("Expected no error, got: %v", err)
		}
		if attempts != 3 {
			t.Errorf("Expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("Max retries exceeded", func(t *testing.T) {
		attempts := 0
		sentinel := errors.New("persistent error")
		err := retryErr(context.Background(), fastRetry(3), func(context.Context) error {
			attempts++
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Errorf("Expected wrapped sentinel error, got: %v", err)
		}
		// initial + 3 retries
		if attempts != 4 {
			t.Errorf("Expected 4 attempts, got %d", attempts)
		}
	})

	t.Run("Context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
		err := retryErr(ctx, cfg, func(context.Context) error {
			attempts++
			cancel()
			return errors.New("error")
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got: %v", err)
		}
		if attempts != 1 {
			t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
		}
	})

	t.Run("Non-retryable error", func(t *testing.T) {
		attempts := 0
		cfg := fastRetry(3)
		cfg.Retryable = func(err error) bool { return !errors.Is(err, ErrNoPrediction) }
		err := retryErr(context.Background(), cfg, func(context.Context) error {
			attempts++
			return ErrNoPrediction
		})
		if !errors.Is(err, ErrNoPrediction) {
			t.Errorf("Expected ErrNoPrediction, got: %v", err)
		}
		if attempts != 1 {
			t.Errorf("Expected 1 attempt, got %d", attempts)
		}
	})

	t.Run("Rate limit honors Retry-After", func(t *testing.T) {
		attempts := 0
		cfg := fastRetry(1)
		cfg.RespectRetryAfter = true
		start := time.Now()
		err := retryErr(context.Background(), cfg, func(context.Context) error {
			attempts++
			if attempts == 1 {
				return &RateLimitError{StatusCode: 429, RetryAfter: 50 * time.Millisecond, Message: "slow down",
					Headers: RateLimitHeaders{Limit: -1, Remaining: -1}}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Expected success, got: %v", err)
		}
		if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
			t.Errorf("Expected to wait at least 50ms, waited %v", elapsed)
		}
	})
}

func TestRetryWithBackoff_Result(t *testing.T) {
	attempts := 0
	got, err := RetryWithBackoff(context.Background(), fastRetry(2), func(context.Context) (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got != 42 {
		t.Errorf("Expected 42, got %d", got)
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxRetries != 2 {
		t.Errorf("Expected MaxRetries=2, got %d", cfg.MaxRetries)
	}
	if cfg.InitialDelay != time.Second {
		t.Errorf("Expected InitialDelay=1s, got %v", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 10*time.Second {
		t.Errorf("Expected MaxDelay=10s, got %v", cfg.MaxDelay)
	}
	if !cfg.RespectRetryAfter {
		t.Error("Expected RespectRetryAfter=true")
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{"absent", "", 0},
		{"seconds", "7", 7 * time.Second},
		{"garbage", "soon", 0},
		{"past date", "Mon, 02 Jan 2006 15:04:05 GMT", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set("Retry-After", tt.header)
			}
			if got := parseRetryAfter(h); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.header, got, tt.want)
			}
		})
	}
}

func TestExtractRateLimitHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-RateLimit-Limit", "60")
	h.Set("X-Rate-Limit-Remaining", "3")
	h.Set("X-RateLimit-Reset", "1700000000")

	got := extractRateLimitHeaders(h)
	if got.Limit != 60 || got.Remaining != 3 {
		t.Errorf("Expected limit 60 remaining 3, got %+v", got)
	}
	if !got.Reset.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("Unexpected reset time %v", got.Reset)
	}

	empty := extractRateLimitHeaders(http.Header{})
	if empty.Limit != -1 || empty.Remaining != -1 || !empty.Reset.IsZero() {
		t.Errorf("Expected unknown headers, got %+v", empty)
	}
}
