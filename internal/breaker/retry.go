package breaker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/homelab/yggdrasil/internal/config"
)

// Classify decides whether err (or an HTTP status code paired with it)
// should be retried. Connection resets, timeouts, refusals, 5xx, 429, and
// the GPU-exhaustion strings a local inference server reports as part of
// its response body are retryable; everything else -- bad requests,
// malformed JSON, schema violations, context cancellation -- is not
// (spec.md §4.4). An error with no status code at all is treated as a
// transport failure and is retryable unless it is a context cancellation,
// whatever its message.
func Classify(statusCode int, body string, err error) (retryable bool) {
	// No HTTP response at all: classify the transport failure itself.
	// Once a status code is present, the response -- not the wrapping
	// error -- determines retryability (a handler may wrap a 400 in a
	// plain error without that making it a transport problem).
	if err != nil && statusCode == 0 {
		if errors.Is(err, context.Canceled) {
			return false
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		msg := err.Error()
		if strings.Contains(msg, "connection reset") ||
			strings.Contains(msg, "connection refused") ||
			strings.Contains(msg, "EOF") {
			return true
		}
		return true // unclassified transport error: fail safe to retry
	}

	if statusCode == http.StatusTooManyRequests {
		return true
	}
	if statusCode >= 500 {
		return true
	}
	if statusCode >= 400 {
		lower := strings.ToLower(body)
		if strings.Contains(lower, "out of memory") || strings.Contains(lower, "cuda oom") {
			return true
		}
		return false
	}
	return false
}

// Attempt describes the outcome of one try, passed to a retry observer
// for logging (task_retry_scheduled events in internal/observability).
type Attempt struct {
	N         int
	Err       error
	Retryable bool
	Delay     time.Duration
}

// Do runs fn up to cfg.MaxAttempts times, applying exponential backoff
// with optional uniform jitter in [0.5, 1.5) between tries (I4). fn
// returns (statusCode, body, err) so the caller can classify HTTP-layer
// failures as well as transport errors. onRetry, if non-nil, is invoked
// before each sleep.
func Do(ctx context.Context, cfg config.RetryConfig, fn func(ctx context.Context) (int, string, error), onRetry func(Attempt)) (int, string, error) {
	var lastCode int
	var lastBody string
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		code, body, err := fn(ctx)
		if err == nil && code < 400 {
			return code, body, nil
		}

		lastCode, lastBody, lastErr = code, body, err
		retryable := Classify(code, body, err)
		if !retryable || attempt == cfg.MaxAttempts {
			return code, body, classifyErr(code, body, err)
		}

		delay := backoffDelay(cfg, attempt)
		if onRetry != nil {
			onRetry(Attempt{N: attempt, Err: classifyErr(code, body, err), Retryable: retryable, Delay: delay})
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastCode, lastBody, ctx.Err()
		case <-timer.C:
		}
	}
	return lastCode, lastBody, classifyErr(lastCode, lastBody, lastErr)
}

func classifyErr(code int, body string, err error) error {
	if err != nil {
		return err
	}
	if code >= 400 {
		return &HTTPError{StatusCode: code, Body: body}
	}
	return nil
}

// HTTPError wraps a non-2xx response so callers can inspect the status
// code without re-parsing the response body.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return "breaker: unexpected status " + http.StatusText(e.StatusCode)
}

func backoffDelay(cfg config.RetryConfig, attempt int) time.Duration {
	base := float64(cfg.InitialDelayMS) * math.Pow(cfg.ExponentialBase, float64(attempt-1))
	max := float64(cfg.MaxDelayMS)
	if base > max {
		base = max
	}
	if cfg.Jitter {
		base *= 0.5 + rand.Float64()
	}
	if base > max {
		base = max
	}
	return time.Duration(base) * time.Millisecond
}
