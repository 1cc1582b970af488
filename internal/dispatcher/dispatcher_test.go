package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/homelab/yggdrasil/internal/breaker"
	"github.com/homelab/yggdrasil/internal/config"
	"github.com/homelab/yggdrasil/internal/handlers"
	"github.com/homelab/yggdrasil/internal/hostpool"
	"github.com/homelab/yggdrasil/internal/ledger"
	"github.com/homelab/yggdrasil/internal/observability"
	"github.com/homelab/yggdrasil/internal/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHarness(t *testing.T, srv *httptest.Server) (*Dispatcher, *ledger.Store, *bytes.Buffer) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hostCfg := config.HostConfig{Name: "fenrir-chat", URL: srv.URL, Capabilities: []string{"*"}, TimeoutSeconds: 5}
	rt := router.New([]config.HostConfig{hostCfg}, time.Hour)
	rt.Probe(context.Background())

	pool := hostpool.New(map[string]int{"fenrir-chat": 2})
	breakers := breaker.NewRegistry(3, time.Minute)
	registry := handlers.New(srv.Client())

	var buf bytes.Buffer
	sink := observability.NewSink(&buf)

	errTracker, err := observability.NewErrorTracker(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{
		Retry:                  config.RetryConfig{MaxAttempts: 2, InitialDelayMS: 1, MaxDelayMS: 5, ExponentialBase: 2},
		PollIntervalSeconds:    1,
		ShutdownTimeoutSeconds: 1,
	}

	d := New(cfg, store, rt, pool, breakers, registry, sink, errTracker)
	return d, store, &buf
}

// TestHappyPathClosesTask covers S1.
func TestHappyPathClosesTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "completed", "output": "ok"})
	}))
	defer srv.Close()

	d, store, buf := newHarness(t, srv)
	require.NoError(t, store.Create(&ledger.Task{ID: "t1", Type: "dev-lint", Priority: 0}))

	d.poll(context.Background())
	d.wg.Wait()

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClosed, got.Status)
	assert.Equal(t, "ok", got.Result)
	assert.Contains(t, buf.String(), "task_completed")
}

// TestRetryThenSuccess covers S2: the first try fails with a retryable
// 503, backoff runs, and the second try (still within the same dispatch)
// succeeds and closes the task.
func TestRetryThenSuccess(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "completed", "output": "recovered"})
	}))
	defer srv.Close()

	d, store, buf := newHarness(t, srv)
	require.NoError(t, store.Create(&ledger.Task{ID: "t1", Type: "dev-lint", Priority: 0}))

	d.poll(context.Background())
	d.wg.Wait()

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClosed, got.Status)
	assert.Equal(t, "recovered", got.Result)
	assert.Equal(t, 2, calls)
	assert.Contains(t, buf.String(), "task_retry_scheduled")
}

func TestFailureBlocksTaskAfterExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"status": "failed", "error": "bad params"})
	}))
	defer srv.Close()

	d, store, buf := newHarness(t, srv)
	require.NoError(t, store.Create(&ledger.Task{ID: "t1", Type: "dev-lint", Priority: 0}))

	d.poll(context.Background())
	d.wg.Wait()

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusBlocked, got.Status)
	assert.NotEmpty(t, got.Error)
	assert.Contains(t, buf.String(), "task_failed")
}

// TestCloudFallbackAfterBreakerOpens covers S3: once the only candidate
// host's breaker is open, a cloud-eligible task falls back to the
// configured cloud endpoint instead of being blocked, and the breaker
// transition is observable on the event sink.
func TestCloudFallbackAfterBreakerOpens(t *testing.T) {
	localSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		t.Errorf("local host should not be called once its breaker is open, got %s", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer localSrv.Close()

	cloudSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-cloud-key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "fallback"}},
			},
		})
	}))
	defer cloudSrv.Close()

	t.Setenv("YGGDRASIL_TEST_CLOUD_KEY", "test-cloud-key")

	store, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hostCfg := config.HostConfig{Name: "fenrir-chat", URL: localSrv.URL, Capabilities: []string{"*"}, TimeoutSeconds: 5}
	rt := router.New([]config.HostConfig{hostCfg}, time.Hour)
	rt.Probe(context.Background())

	pool := hostpool.New(map[string]int{"fenrir-chat": 2})
	breakers := breaker.NewRegistry(1, time.Hour)
	registry := handlers.New(localSrv.Client())

	var buf bytes.Buffer
	sink := observability.NewSink(&buf)
	breakers.OnStateChange(func(host string, state breaker.State) {
		event := observability.EventBreakerOpened
		if state == breaker.Closed {
			event = observability.EventBreakerClosed
		}
		sink.Emit(event, "", host, "", nil)
	})

	errTracker, err := observability.NewErrorTracker(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{
		Retry:                  config.RetryConfig{MaxAttempts: 1, InitialDelayMS: 1, MaxDelayMS: 5, ExponentialBase: 2},
		PollIntervalSeconds:    1,
		ShutdownTimeoutSeconds: 1,
		Cloud: config.CloudConfig{
			Enabled:        true,
			Endpoint:       cloudSrv.URL,
			CredentialEnv:  "YGGDRASIL_TEST_CLOUD_KEY",
			InferenceTypes: []string{"general"},
		},
	}

	// Force the local host's breaker open before the dispatch, as if a
	// prior streak of retryable failures had already tripped it (I5).
	breakers.For("fenrir-chat").RecordResult(false, true)
	require.Contains(t, buf.String(), observability.EventBreakerOpened)

	d := New(cfg, store, rt, pool, breakers, registry, sink, errTracker)
	require.NoError(t, store.Create(&ledger.Task{ID: "t1", Type: "general", Priority: 0, Params: []byte(`{"prompt":"hi"}`)}))

	d.poll(context.Background())
	d.wg.Wait()

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClosed, got.Status)
	assert.Equal(t, "fallback", got.Result)
	assert.Contains(t, buf.String(), "task_completed")
}

// TestFallsThroughToNextCandidateHostOnRetryExhaustion covers spec.md
// §4.4 step 5: once the first candidate host's own retries are
// exhausted, the task is tried against the next candidate host rather
// than going straight to cloud fallback or failing.
func TestFallsThroughToNextCandidateHostOnRetryExhaustion(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "completed", "output": "second-host"})
	}))
	defer good.Close()

	store, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hosts := []config.HostConfig{
		{Name: "bad-host", URL: bad.URL, Capabilities: []string{"*"}, Priority: 0, TimeoutSeconds: 5},
		{Name: "good-host", URL: good.URL, Capabilities: []string{"*"}, Priority: 1, TimeoutSeconds: 5},
	}
	rt := router.New(hosts, time.Hour)
	rt.Probe(context.Background())

	pool := hostpool.New(map[string]int{"bad-host": 2, "good-host": 2})
	breakers := breaker.NewRegistry(5, time.Minute) // high threshold: this failure alone must not open the breaker
	registry := handlers.New(nil)

	var buf bytes.Buffer
	sink := observability.NewSink(&buf)
	errTracker, err := observability.NewErrorTracker(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{
		Retry:                  config.RetryConfig{MaxAttempts: 1, InitialDelayMS: 1, MaxDelayMS: 5, ExponentialBase: 2},
		PollIntervalSeconds:    1,
		ShutdownTimeoutSeconds: 1,
	}

	d := New(cfg, store, rt, pool, breakers, registry, sink, errTracker)
	require.NoError(t, store.Create(&ledger.Task{ID: "t1", Type: "dev-lint", Priority: 0}))

	d.poll(context.Background())
	d.wg.Wait()

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClosed, got.Status)
	assert.Equal(t, "second-host", got.Result)
	assert.Equal(t, breaker.Closed, breakers.For("bad-host").CurrentState())
}

// TestDependencyGating covers S5: a dependent task is never dispatched
// before its dependency closes.
func TestDependencyGating(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "completed", "result": "ok"})
	}))
	defer srv.Close()

	d, store, _ := newHarness(t, srv)
	require.NoError(t, store.Create(&ledger.Task{ID: "a", Type: "dev-lint", Priority: 0}))
	require.NoError(t, store.Create(&ledger.Task{ID: "b", Type: "dev-lint", Priority: 0, Dependencies: []string{"a"}}))

	d.poll(context.Background())
	d.wg.Wait()

	gotB, err := store.Get("b")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOpen, gotB.Status)

	d.poll(context.Background())
	d.wg.Wait()

	gotB, err = store.Get("b")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClosed, gotB.Status)
}
