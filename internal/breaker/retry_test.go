package breaker

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/homelab/yggdrasil/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRetryable(t *testing.T) {
	assert.True(t, Classify(http.StatusTooManyRequests, "", nil))
	assert.True(t, Classify(http.StatusServiceUnavailable, "", nil))
	assert.True(t, Classify(http.StatusBadRequest, "CUDA OOM while allocating tensor", nil))
	assert.True(t, Classify(0, "", errors.New("dial tcp: connection refused")))
}

func TestClassifyNonRetryable(t *testing.T) {
	assert.False(t, Classify(http.StatusBadRequest, "schema violation: missing field", nil))
	assert.False(t, Classify(http.StatusUnauthorized, "", nil))
	assert.False(t, Classify(0, "", context.Canceled))
}

// TestDoSucceedsAfterRetries checks that retryable failures are retried,
// with onRetry called before each retry, until a try succeeds.
func TestDoSucceedsAfterRetries(t *testing.T) {
	cfg := config.RetryConfig{MaxAttempts: 3, InitialDelayMS: 1, MaxDelayMS: 5, ExponentialBase: 2, Jitter: false}

	calls := 0
	var retries []Attempt
	code, _, err := Do(context.Background(), cfg, func(ctx context.Context) (int, string, error) {
		calls++
		if calls < 3 {
			return http.StatusServiceUnavailable, "", nil
		}
		return http.StatusOK, "ok", nil
	}, func(a Attempt) { retries = append(retries, a) })

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3, calls)
	assert.Len(t, retries, 2)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	cfg := config.RetryConfig{MaxAttempts: 5, InitialDelayMS: 1, MaxDelayMS: 5, ExponentialBase: 2, Jitter: false}

	calls := 0
	_, _, err := Do(context.Background(), cfg, func(ctx context.Context) (int, string, error) {
		calls++
		return http.StatusBadRequest, "invalid params", nil
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsMaxAttempts(t *testing.T) {
	cfg := config.RetryConfig{MaxAttempts: 2, InitialDelayMS: 1, MaxDelayMS: 5, ExponentialBase: 2, Jitter: false}

	calls := 0
	_, _, err := Do(context.Background(), cfg, func(ctx context.Context) (int, string, error) {
		calls++
		return http.StatusServiceUnavailable, "", nil
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	cfg := config.RetryConfig{MaxAttempts: 5, InitialDelayMS: 50, MaxDelayMS: 1000, ExponentialBase: 2, Jitter: false}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, _, err := Do(ctx, cfg, func(ctx context.Context) (int, string, error) {
		calls++
		if calls == 1 {
			cancel()
		}
		return http.StatusServiceUnavailable, "", nil
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
